// Package tts 实现基于句柄的本地语音合成引擎。
// 引擎维护已加载模型的句柄表，推理本身委托给 Backend 实现。
package tts

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/iabetor/pivoice/internal/audio"
	"github.com/iabetor/pivoice/internal/logger"
	"github.com/iabetor/pivoice/internal/store"
	"github.com/iabetor/pivoice/internal/ttserr"
)

// Handle 是已加载模型的不透明句柄。
type Handle int64

// Voice 描述模型支持的一个发音人。
type Voice struct {
	ID   string
	Name string
}

// SynthesisConfig 单次合成的参数。
// 构造时不做范围校验；对当前模型无效的取值在使用时
// 报 InvalidInputParameterValue。
type SynthesisConfig struct {
	VoiceID string  // 发音人标识，"default" 表示模型默认发音人
	Speed   float32 // 语速倍率，1.0 为原速
	Pitch   float32 // 音高倍率，1.0 为不变
}

// DefaultSynthesisConfig 返回默认合成参数。
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{VoiceID: "default", Speed: 1.0, Pitch: 1.0}
}

// ChunkFunc 流式合成的回调，按生成顺序接收非空音频块。
type ChunkFunc func(chunk *audio.Data)

// Backend 定义语音合成后端接口。
type Backend interface {
	// Synthesize 将文本合成为单声道 float32 音频。
	Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (*audio.Data, error)
	// Voices 返回后端支持的发音人列表。
	Voices() []Voice
	// SampleRate 返回后端输出采样率（Hz）。
	SampleRate() int
	// Close 释放后端资源。
	Close()
}

// BackendFactory 根据模型文件创建后端。
type BackendFactory func(modelPath string, opts Options) (Backend, error)

// Options 引擎选项。
type Options struct {
	// TokensPath 词表文件路径，为空时取模型同目录下的 tokens.txt。
	TokensPath string
	// DataDir espeak-ng 数据目录，为空时探测模型同目录下的 espeak-ng-data。
	DataDir string
	// NumThreads 推理线程数，默认 2。
	NumThreads int
	// NoiseScale / NoiseScaleW VITS 采样噪声参数，0 表示取默认值。
	NoiseScale  float32
	NoiseScaleW float32
	// FallbackOnCorrupt 为 true 时，后端初始化失败的模型文件
	// 改用占位音后端提供句柄，而不是报 ModelFileCorrupted。
	FallbackOnCorrupt bool
	// MaxChunkChars 流式合成单块最大字符数，默认 100。
	MaxChunkChars int
	// Cache 可选的合成结果缓存。
	Cache *store.Cache
	// Factory 后端工厂，默认 sherpa-onnx；测试时可注入。
	Factory BackendFactory
}

// loadedModel 句柄表中的一条记录。
type loadedModel struct {
	path     string
	backend  Backend
	fallback bool
	inflight sync.WaitGroup // 进行中的合成调用
}

// Engine 管理已加载模型的句柄表并分发合成请求。
// 句柄表以读写锁保护，加载/卸载与句柄校验互斥；
// 合成在锁外执行。卸载会先等待该模型上进行中的合成调用
// 全部结束，再释放后端资源，因此合成期间卸载不会破坏
// 进行中的调用。
type Engine struct {
	mu     sync.RWMutex
	models map[Handle]*loadedModel
	next   Handle // 单调递增，句柄在引擎生命周期内不复用

	opts Options
}

// NewEngine 创建没有任何已加载模型的引擎。
func NewEngine(opts Options) *Engine {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 2
	}
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = 100
	}
	if opts.Factory == nil {
		opts.Factory = newSherpaBackend
	}
	return &Engine{models: make(map[Handle]*loadedModel), opts: opts}
}

// Close 卸载所有模型并释放后端资源。
// 等待每个模型上进行中的合成调用结束后才关闭其后端。
func (e *Engine) Close() {
	e.mu.Lock()
	models := make([]*loadedModel, 0, len(e.models))
	for h, m := range e.models {
		models = append(models, m)
		delete(e.models, h)
	}
	e.mu.Unlock()

	for _, m := range models {
		m.inflight.Wait()
		m.backend.Close()
	}
}

// LoadModel 加载模型文件并返回新句柄。
// 路径不存在报 ModelFileNotFound（先于后端可用性检查）；
// 后端校验失败报 ModelFileCorrupted，除非开启 FallbackOnCorrupt。
func (e *Engine) LoadModel(path string) (Handle, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, ttserr.New(ttserr.ModelFileNotFound, "模型文件不存在: %s", path)
	}

	m := &loadedModel{path: path}
	backend, err := e.opts.Factory(path, e.opts)
	if err != nil {
		if !e.opts.FallbackOnCorrupt {
			return 0, ttserr.New(ttserr.ModelFileCorrupted,
				"模型文件校验失败: %s: %v", path, err)
		}
		logger.Warnf("[tts] 模型 %s 初始化失败，启用占位音后端: %v", path, err)
		backend = newFallbackBackend()
		m.fallback = true
	}
	m.backend = backend

	e.mu.Lock()
	e.next++
	h := e.next
	e.models[h] = m
	e.mu.Unlock()

	logger.Infof("[tts] 模型已加载: handle=%d path=%s fallback=%v", h, path, m.fallback)
	return h, nil
}

// UnloadModel 卸载句柄对应的模型并释放后端资源。
// 句柄无效（包括重复卸载）报 InvalidInputModelHandle。
// 移出句柄表后会阻塞到该模型上进行中的合成调用全部结束，
// 再关闭后端，避免释放正在使用的推理资源。
func (e *Engine) UnloadModel(h Handle) error {
	e.mu.Lock()
	m, ok := e.models[h]
	if ok {
		delete(e.models, h)
	}
	e.mu.Unlock()

	if !ok {
		return ttserr.New(ttserr.InvalidInputModelHandle, "无效的模型句柄: %d", h)
	}
	m.inflight.Wait()
	m.backend.Close()
	logger.Infof("[tts] 模型已卸载: handle=%d path=%s", h, m.path)
	return nil
}

// AvailableVoices 返回句柄对应模型支持的发音人列表。
func (e *Engine) AvailableVoices(h Handle) ([]Voice, error) {
	e.mu.RLock()
	m, ok := e.models[h]
	e.mu.RUnlock()
	if !ok {
		return nil, ttserr.New(ttserr.InvalidInputModelHandle, "无效的模型句柄: %d", h)
	}
	return m.backend.Voices(), nil
}

// lookupForInference 按合成类操作的语义查找句柄。
// 查找成功时在锁内登记一次进行中的合成调用（此时条目仍在表中，
// 卸载方尚未越过等待点），调用方完成后必须调用 inflight.Done。
func (e *Engine) lookupForInference(h Handle) (*loadedModel, error) {
	e.mu.RLock()
	m, ok := e.models[h]
	if ok {
		m.inflight.Add(1)
	}
	e.mu.RUnlock()
	if !ok {
		return nil, ttserr.New(ttserr.InferenceModelNotLoaded,
			"句柄 %d 没有已加载的模型可用于推理", h)
	}
	return m, nil
}

// Synthesize 将文本合成为音频。
// 空文本确定性地返回零样本容器（采样率取后端输出率），不报错。
func (e *Engine) Synthesize(ctx context.Context, h Handle, text string, cfg SynthesisConfig) (*audio.Data, error) {
	m, err := e.lookupForInference(h)
	if err != nil {
		return nil, err
	}
	defer m.inflight.Done()

	reqID := uuid.NewString()[:8]
	if text == "" {
		logger.Debugf("[tts] req=%s 空文本，返回空音频", reqID)
		return audio.New(m.backend.SampleRate()), nil
	}

	var cacheKey string
	if c := e.opts.Cache; c != nil {
		cacheKey = store.Key(m.path, text, cfg.VoiceID,
			formatFloat(cfg.Speed), formatFloat(cfg.Pitch))
		if wav, ok := c.Get(cacheKey); ok {
			data, derr := audio.FromWAV(wav)
			if derr == nil {
				logger.Debugf("[tts] req=%s 缓存命中 (%d 样本)", reqID, len(data.Samples))
				return data, nil
			}
			logger.Warnf("[tts] req=%s 缓存条目损坏，忽略: %v", reqID, derr)
		}
	}

	logger.Debugf("[tts] req=%s handle=%d 正在合成 %d 个字符 (voice=%s speed=%.2f pitch=%.2f)",
		reqID, h, len([]rune(text)), cfg.VoiceID, cfg.Speed, cfg.Pitch)

	data, err := m.backend.Synthesize(ctx, text, cfg)
	if err != nil {
		return nil, err
	}

	if c := e.opts.Cache; c != nil && len(data.Samples) > 0 {
		if wav, werr := data.ToWAV(16); werr == nil {
			if perr := c.Put(cacheKey, wav); perr != nil {
				logger.Warnf("[tts] req=%s 写入缓存失败: %v", reqID, perr)
			}
		}
	}

	logger.Debugf("[tts] req=%s 合成完成: %d 样本 @ %d Hz",
		reqID, len(data.Samples), data.SampleRate)
	return data, nil
}

// SynthesizeStreaming 按句切分文本并逐块合成，在调用方 goroutine 上
// 同步回调交付；全部块交付完成（或出错）后才返回。
// 空文本不产生任何回调。
func (e *Engine) SynthesizeStreaming(ctx context.Context, h Handle, text string, cfg SynthesisConfig, fn ChunkFunc) error {
	m, err := e.lookupForInference(h)
	if err != nil {
		return err
	}
	defer m.inflight.Done()
	if fn == nil {
		return ttserr.New(ttserr.InvalidInputParameterValue, "流式合成回调不能为空")
	}

	chunks := mergeSentences(text, e.opts.MaxChunkChars)
	reqID := uuid.NewString()[:8]
	logger.Debugf("[tts] req=%s handle=%d 流式合成，共 %d 块", reqID, h, len(chunks))

	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := m.backend.Synthesize(ctx, chunk, cfg)
		if err != nil {
			return fmt.Errorf("第 %d 块合成失败: %w", i+1, err)
		}
		if len(data.Samples) == 0 {
			continue
		}
		fn(data)
	}
	return nil
}

// formatFloat 以最短形式格式化 float32，用于缓存键。
func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}
