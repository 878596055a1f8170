// Package ttserr 定义引擎公共 API 的错误分类。
// 所有公共操作的失败都携带一个 Code，调用方据此分支处理并可重试。
package ttserr

import (
	"errors"
	"fmt"
)

// Code 标识错误类别。
type Code int

const (
	// InvalidInputModelHandle 句柄未指向已加载的模型（元数据/卸载类操作）。
	InvalidInputModelHandle Code = iota + 1
	// InferenceModelNotLoaded 句柄对应的模型不可用于推理（合成类操作）。
	// 与 InvalidInputModelHandle 根因相同，但按操作类别区分上报，
	// 调用方依赖这一区分，不可合并。
	InferenceModelNotLoaded
	// ModelFileNotFound 模型路径不存在或不可读。
	ModelFileNotFound
	// ModelFileCorrupted 模型文件存在但未通过后端校验。
	ModelFileCorrupted
	// InvalidInputAudioFormat 音频样本为空，或字节流不是合法的 WAV。
	InvalidInputAudioFormat
	// InvalidInputParameterValue 参数超出允许范围，如不支持的位深。
	InvalidInputParameterValue
)

// String 返回错误类别名称。
func (c Code) String() string {
	switch c {
	case InvalidInputModelHandle:
		return "InvalidInputModelHandle"
	case InferenceModelNotLoaded:
		return "InferenceModelNotLoaded"
	case ModelFileNotFound:
		return "ModelFileNotFound"
	case ModelFileCorrupted:
		return "ModelFileCorrupted"
	case InvalidInputAudioFormat:
		return "InvalidInputAudioFormat"
	case InvalidInputParameterValue:
		return "InvalidInputParameterValue"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error 携带错误类别和人类可读的诊断信息。
type Error struct {
	Code    Code
	Message string
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New 创建指定类别的错误。
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf 提取错误的类别。err 不是本包错误时返回 (0, false)。
// 支持 fmt.Errorf("%w") 包装链。
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Is 判断 err 是否属于指定类别。
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
