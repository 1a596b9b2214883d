package critique

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest 表示缺少必填字段（如 userId）。此时不会访问存储。
var ErrInvalidRequest = errors.New("invalid request")

// UpstreamModelError 表示模型调用失败或返回了不可用的结果。
type UpstreamModelError struct {
	Stage string // "answer" or "critique"
	Model string
	Err   error
}

func (e *UpstreamModelError) Error() string {
	model := e.Model
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("%s model call (%s) failed: %v", e.Stage, model, e.Err)
}

func (e *UpstreamModelError) Unwrap() error { return e.Err }

func invalidRequest(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
}
