package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 是 PiVoice 的顶层配置结构。
type Config struct {
	TTS   TTSConfig   `yaml:"tts"`
	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
}

// TTSConfig 合成引擎配置。
type TTSConfig struct {
	// ModelPath VITS ONNX 模型文件路径。
	ModelPath string `yaml:"model_path"`

	// TokensPath 词表文件路径，为空时取模型同目录下的 tokens.txt。
	TokensPath string `yaml:"tokens_path"`

	// DataDir espeak-ng 数据目录，为空时自动探测。
	DataDir string `yaml:"data_dir"`

	// NumThreads 推理引擎使用的 CPU 线程数。
	NumThreads int `yaml:"num_threads"`

	// NoiseScale / NoiseScaleW VITS 采样噪声参数，0 表示取默认值。
	NoiseScale  float32 `yaml:"noise_scale"`
	NoiseScaleW float32 `yaml:"noise_scale_w"`

	// FallbackOnCorrupt 模型校验失败时是否改用占位音后端，
	// 而不是直接报错。
	FallbackOnCorrupt bool `yaml:"fallback_on_corrupt"`

	// MaxChunkChars 流式合成单块最大字符数。
	MaxChunkChars int `yaml:"max_chunk_chars"`
}

// CacheConfig 合成结果缓存配置。
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	// 展开环境变量，如 ${PIVOICE_MODEL_PATH}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	setDefaults(cfg)
	return cfg, nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.TTS.NumThreads == 0 {
		cfg.TTS.NumThreads = 2
	}
	if cfg.TTS.MaxChunkChars == 0 {
		cfg.TTS.MaxChunkChars = 100
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 256
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaultCachePath()
	} else if strings.HasPrefix(cfg.Cache.Path, "~/") {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Cache.Path = filepath.Join(home, cfg.Cache.Path[2:])
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// defaultCachePath 返回默认的缓存数据库路径。
func defaultCachePath() string {
	home, _ := os.UserHomeDir()
	if home != "" {
		return filepath.Join(home, ".pivoice", "cache.db")
	}
	return "./pivoice-cache.db"
}
