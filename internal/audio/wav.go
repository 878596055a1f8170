package audio

import (
	"encoding/binary"

	"github.com/iabetor/pivoice/internal/ttserr"
)

// wavHeaderSize 是规范 PCM WAV 头的字节数。
const wavHeaderSize = 44

// ToWAV 将音频编码为单声道未压缩 PCM WAV 字节流。
// bits 为目标位深，支持 8/16/24/32。8 位采用有符号约定，与 FromWAV 对称。
// 输出为规范 44 字节头加紧随其后的小端样本数据，无额外 chunk；
// 总长度恒为 44 + len(Samples)*bits/8。
func (d *Data) ToWAV(bits int) ([]byte, error) {
	if len(d.Samples) == 0 {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat, "没有可编码的样本")
	}
	switch bits {
	case 8, 16, 24, 32:
	default:
		return nil, ttserr.New(ttserr.InvalidInputParameterValue,
			"不支持的位深 %d，仅支持 8/16/24/32", bits)
	}

	bytesPerSample := bits / 8
	dataSize := len(d.Samples) * bytesPerSample
	blockAlign := bytesPerSample // 单声道
	byteRate := d.SampleRate * blockAlign

	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk 大小
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM 格式
	binary.LittleEndian.PutUint16(buf[22:24], 1)  // 单声道
	binary.LittleEndian.PutUint32(buf[24:28], uint32(d.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bits))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range d.Samples {
		putSample(buf[wavHeaderSize+i*bytesPerSample:], quantize(s, bits), bytesPerSample)
	}
	return buf, nil
}

// FromWAV 解析规范 44 字节头的单声道未压缩 PCM WAV 字节流。
// 解码后的样本除以对应位深的有符号最大值并再次钳位到 [-1.0, 1.0]，
// 不信任来源数据在范围内。
func FromWAV(b []byte) (*Data, error) {
	if len(b) < wavHeaderSize {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat,
			"WAV 数据过短: %d 字节", len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat, "缺少 RIFF/WAVE 标记")
	}
	if string(b[12:16]) != "fmt " {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat, "缺少 fmt 块")
	}
	if string(b[36:40]) != "data" {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat, "缺少 data 块")
	}

	format := binary.LittleEndian.Uint16(b[20:22])
	channels := binary.LittleEndian.Uint16(b[22:24])
	sampleRate := int(binary.LittleEndian.Uint32(b[24:28]))
	bits := int(binary.LittleEndian.Uint16(b[34:36]))

	if format != 1 {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat,
			"仅支持未压缩 PCM，format=%d", format)
	}
	if channels != 1 {
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat,
			"仅支持单声道，channels=%d", channels)
	}
	switch bits {
	case 8, 16, 24, 32:
	default:
		return nil, ttserr.New(ttserr.InvalidInputAudioFormat, "不支持的位深: %d", bits)
	}

	bytesPerSample := bits / 8
	dataSize := int(binary.LittleEndian.Uint32(b[40:44]))
	// 头部声明超出实际数据时按实际截断
	if avail := len(b) - wavHeaderSize; dataSize > avail {
		dataSize = avail
	}

	n := dataSize / bytesPerSample
	d := &Data{SampleRate: sampleRate, Samples: make([]float32, n)}
	for i := 0; i < n; i++ {
		off := wavHeaderSize + i*bytesPerSample
		d.Samples[i] = dequantize(getSample(b[off:off+bytesPerSample], bytesPerSample), bits)
	}
	return d, nil
}

// putSample 以小端写入 n 字节有符号整数样本。
func putSample(b []byte, v int64, n int) {
	for i := 0; i < n; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// getSample 以小端读取 n 字节有符号整数样本并做符号扩展。
func getSample(b []byte, n int) int64 {
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	shift := uint(64 - 8*n)
	return int64(v<<shift) >> shift
}
