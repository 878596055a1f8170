// Package audio 提供单声道 PCM 音频容器及 WAV 编解码。
package audio

import "time"

// Data 单声道 PCM 音频容器。
// Samples 为归一化 float32 样本，标称范围 [-1.0, 1.0]，顺序即播放顺序。
// 内存中允许越界值，编码为 PCM 时统一钳位。
type Data struct {
	SampleRate int
	Samples    []float32
}

// New 创建指定采样率的空容器。
func New(sampleRate int) *Data {
	return &Data{SampleRate: sampleRate}
}

// Append 追加样本。
func (d *Data) Append(samples []float32) {
	d.Samples = append(d.Samples, samples...)
}

// Duration 返回音频时长。
func (d *Data) Duration() time.Duration {
	if d.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(d.Samples)) / float64(d.SampleRate) * float64(time.Second))
}
