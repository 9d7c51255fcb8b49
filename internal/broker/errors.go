package broker

import (
	"errors"
	"fmt"
)

// TransientError 临时性失败（网络、限流、交易所 5xx），可带退避重试。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("broker transient (%s): %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectedOrderError 业务性拒单（参数非法、余额不足等），不应盲目重试。
type RejectedOrderError struct {
	Symbol string
	Code   int64
	Reason string
	Err    error
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("broker rejected %s (code=%d): %s", e.Symbol, e.Code, e.Reason)
}
func (e *RejectedOrderError) Unwrap() error { return e.Err }

// IsTransient 判断是否为可重试错误。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected 判断是否为业务拒单。
func IsRejected(err error) bool {
	var re *RejectedOrderError
	return errors.As(err, &re)
}
