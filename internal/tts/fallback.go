package tts

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"

	"github.com/iabetor/pivoice/internal/audio"
	"github.com/iabetor/pivoice/internal/ttserr"
)

// fallbackSampleRate 占位音后端的固定采样率。
const fallbackSampleRate = 16000

// fallbackBackend 在真实模型不可用时生成占位音频：
// 每个音节一段短促的正弦音，中文按拼音声调决定基频，
// 拉丁文本按单词计数。相同输入的输出完全确定。
type fallbackBackend struct{}

// 确保实现 Backend 接口
var _ Backend = (*fallbackBackend)(nil)

func newFallbackBackend() Backend {
	return &fallbackBackend{}
}

// syllableTones 估计文本的音节数及每个音节的声调。
// 汉字取拼音声调 1-4，轻声和非中文音节记为 5。
func syllableTones(text string) []int {
	args := pinyin.NewArgs()
	args.Style = pinyin.Tone3 // 末尾带数字声调，如 "zhong1"

	var tones []int
	var word strings.Builder
	flushWord := func() {
		if word.Len() > 0 {
			tones = append(tones, 5)
			word.Reset()
		}
	}

	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			flushWord()
			tone := 5
			if py := pinyin.Pinyin(string(r), args); len(py) > 0 && len(py[0]) > 0 {
				s := py[0][0]
				if last := s[len(s)-1]; last >= '1' && last <= '5' {
					tone = int(last - '0')
				}
			}
			tones = append(tones, tone)
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
			continue
		}
		flushWord()
	}
	flushWord()
	return tones
}

// toneFreq 返回声调对应的基频（Hz）。
func toneFreq(tone int) float64 {
	switch tone {
	case 1:
		return 440
	case 2:
		return 392
	case 3:
		return 330
	case 4:
		return 494
	default:
		return 370
	}
}

// envelope 线性淡入淡出包络，避免音节边界爆音。
func envelope(i, n int) float64 {
	fade := n / 8
	if fade == 0 {
		return 1
	}
	if i < fade {
		return float64(i) / float64(fade)
	}
	if i >= n-fade {
		return float64(n-i) / float64(fade)
	}
	return 1
}

// Synthesize 实现 Backend。
func (f *fallbackBackend) Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (*audio.Data, error) {
	if cfg.Speed <= 0 {
		return nil, ttserr.New(ttserr.InvalidInputParameterValue,
			"语速必须为正数: %g", cfg.Speed)
	}
	if cfg.Pitch <= 0 {
		return nil, ttserr.New(ttserr.InvalidInputParameterValue,
			"音高倍率必须为正数: %g", cfg.Pitch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tones := syllableTones(text)
	data := audio.New(fallbackSampleRate)
	if len(tones) == 0 {
		return data, nil
	}

	// 每音节 120ms 发声 + 40ms 停顿，按语速缩放
	burst := int(float64(fallbackSampleRate) * 0.12 / float64(cfg.Speed))
	gap := int(float64(fallbackSampleRate) * 0.04 / float64(cfg.Speed))

	for _, tone := range tones {
		freq := toneFreq(tone) * float64(cfg.Pitch)
		for i := 0; i < burst; i++ {
			v := 0.3 * envelope(i, burst) *
				math.Sin(2*math.Pi*freq*float64(i)/fallbackSampleRate)
			data.Samples = append(data.Samples, float32(v))
		}
		data.Samples = append(data.Samples, make([]float32, gap)...)
	}
	return data, nil
}

// Voices 实现 Backend。占位音后端只有默认发音人。
func (f *fallbackBackend) Voices() []Voice {
	return []Voice{{ID: "default", Name: "default"}}
}

// SampleRate 实现 Backend。
func (f *fallbackBackend) SampleRate() int {
	return fallbackSampleRate
}

// Close 实现 Backend。没有需要释放的资源。
func (f *fallbackBackend) Close() {}
