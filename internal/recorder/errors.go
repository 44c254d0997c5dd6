package recorder

import "fmt"

// OpKind 标识出错的落盘操作。
type OpKind string

const (
	OpOpen     OpKind = "open"
	OpAppend   OpKind = "append"
	OpFinalize OpKind = "finalize"
)

// OpError 携带单键单操作的错误信息，用于隔离与测试断言。
type OpError struct {
	Kind OpKind
	Key  string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("recorder: %s 失败 (key=%s): %v", e.Kind, e.Key, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func newOpError(kind OpKind, key string, err error) *OpError {
	return &OpError{Kind: kind, Key: key, Err: err}
}
