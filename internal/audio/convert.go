package audio

import (
	"math"
)

// Clamp 将样本钳位到 [-1.0, 1.0]。
func Clamp(s float32) float32 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

// maxForBits 返回位深对应的有符号整数最大值。
// 不支持的位深返回 0，调用方需先校验。
func maxForBits(bits int) float64 {
	switch bits {
	case 8:
		return math.MaxInt8
	case 16:
		return math.MaxInt16
	case 24:
		return 1<<23 - 1
	case 32:
		return math.MaxInt32
	}
	return 0
}

// quantize 将归一化样本量化为 bits 位有符号整数，先钳位再四舍五入。
func quantize(s float32, bits int) int64 {
	return int64(math.Round(float64(Clamp(s)) * maxForBits(bits)))
}

// dequantize 将 bits 位有符号整数还原为归一化样本。
// 结果再次钳位，防御畸形输入（如 16 位的 -32768 除以 32767 略越界）。
func dequantize(v int64, bits int) float32 {
	return Clamp(float32(float64(v) / maxForBits(bits)))
}

// Int16ToFloat32 将 PCM int16 样本转换为 [-1.0, 1.0] 范围的 float32。
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = dequantize(int64(s), 16)
	}
	return out
}

// Float32ToInt16 将 [-1.0, 1.0] 范围的 float32 样本转换为 PCM int16。
// 越界值先钳位。
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = int16(quantize(s, 16))
	}
	return out
}
