package tts

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/iabetor/pivoice/internal/audio"
	"github.com/iabetor/pivoice/internal/logger"
	"github.com/iabetor/pivoice/internal/ttserr"
)

// sherpaBackend 封装 sherpa-onnx OfflineTts（VITS）离线合成。
type sherpaBackend struct {
	tts         *sherpa.OfflineTts
	sampleRate  int
	numSpeakers int
}

// 确保实现 Backend 接口
var _ Backend = (*sherpaBackend)(nil)

// newSherpaBackend 用 VITS ONNX 模型文件创建 sherpa-onnx 合成后端。
// 词表默认取模型同目录的 tokens.txt，espeak-ng-data 与 lexicon.txt
// 在模型目录下自动探测。
func newSherpaBackend(modelPath string, opts Options) (Backend, error) {
	modelDir := filepath.Dir(modelPath)

	tokens := opts.TokensPath
	if tokens == "" {
		tokens = filepath.Join(modelDir, "tokens.txt")
	}

	config := sherpa.OfflineTtsConfig{}
	config.Model.Vits.Model = modelPath
	config.Model.Vits.Tokens = tokens
	config.Model.Vits.NoiseScale = opts.NoiseScale
	if config.Model.Vits.NoiseScale == 0 {
		config.Model.Vits.NoiseScale = 0.667
	}
	config.Model.Vits.NoiseScaleW = opts.NoiseScaleW
	if config.Model.Vits.NoiseScaleW == 0 {
		config.Model.Vits.NoiseScaleW = 0.8
	}
	config.Model.Vits.LengthScale = 1.0
	config.Model.NumThreads = opts.NumThreads
	config.Model.Provider = "cpu"

	dataDir := opts.DataDir
	if dataDir == "" {
		if candidate := filepath.Join(modelDir, "espeak-ng-data"); dirExists(candidate) {
			dataDir = candidate
		}
	}
	config.Model.Vits.DataDir = dataDir

	// lexicon.txt 仅部分模型需要，存在才设置
	if lexicon := filepath.Join(modelDir, "lexicon.txt"); fileExists(lexicon) {
		config.Model.Vits.Lexicon = lexicon
	}

	t := sherpa.NewOfflineTts(&config)
	if t == nil {
		return nil, fmt.Errorf("初始化 sherpa-onnx OfflineTts 失败: %s", modelPath)
	}

	b := &sherpaBackend{
		tts:         t,
		sampleRate:  t.SampleRate(),
		numSpeakers: t.NumSpeakers(),
	}
	logger.Infof("[tts] sherpa 后端已创建: model=%s sampleRate=%d speakers=%d",
		modelPath, b.sampleRate, b.numSpeakers)
	return b, nil
}

// maxSpeakers 单说话人模型 NumSpeakers 可能报 0，按 1 处理。
func (b *sherpaBackend) maxSpeakers() int {
	if b.numSpeakers <= 0 {
		return 1
	}
	return b.numSpeakers
}

// resolveSpeaker 将 VoiceID 映射为 sherpa 的说话人编号。
func (b *sherpaBackend) resolveSpeaker(voiceID string) (int, error) {
	if voiceID == "" || voiceID == "default" {
		return 0, nil
	}
	sid, err := strconv.Atoi(voiceID)
	if err != nil || sid < 0 || sid >= b.maxSpeakers() {
		return 0, ttserr.New(ttserr.InvalidInputParameterValue,
			"当前模型不支持发音人 %q", voiceID)
	}
	return sid, nil
}

// validate 校验合成参数对当前模型是否有效，返回说话人编号。
func (b *sherpaBackend) validate(cfg SynthesisConfig) (int, error) {
	sid, err := b.resolveSpeaker(cfg.VoiceID)
	if err != nil {
		return 0, err
	}
	if cfg.Speed <= 0 {
		return 0, ttserr.New(ttserr.InvalidInputParameterValue,
			"语速必须为正数: %g", cfg.Speed)
	}
	// VITS 运行时没有独立的音高参数，只接受 1.0（不变）
	if math.Abs(float64(cfg.Pitch)-1.0) > 1e-6 {
		return 0, ttserr.New(ttserr.InvalidInputParameterValue,
			"当前模型不支持音高调整: %g", cfg.Pitch)
	}
	return sid, nil
}

// Synthesize 实现 Backend。
func (b *sherpaBackend) Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (*audio.Data, error) {
	sid, err := b.validate(cfg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	generated := b.tts.Generate(text, sid, cfg.Speed)
	if generated == nil {
		return nil, fmt.Errorf("sherpa-onnx 合成失败: %d 个字符", len([]rune(text)))
	}
	return &audio.Data{SampleRate: generated.SampleRate, Samples: generated.Samples}, nil
}

// Voices 实现 Backend。多说话人模型按编号列出发音人。
func (b *sherpaBackend) Voices() []Voice {
	n := b.maxSpeakers()
	voices := make([]Voice, n)
	for i := range voices {
		voices[i] = Voice{ID: strconv.Itoa(i), Name: fmt.Sprintf("speaker-%d", i)}
	}
	return voices
}

// SampleRate 实现 Backend。
func (b *sherpaBackend) SampleRate() int {
	return b.sampleRate
}

// Close 释放底层 sherpa-onnx 资源。
func (b *sherpaBackend) Close() {
	if b.tts != nil {
		sherpa.DeleteOfflineTts(b.tts)
		b.tts = nil
		logger.Debugf("[tts] sherpa 后端已关闭")
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
