package gateway

import (
	"errors"
	"fmt"
)

// ErrNotConnected 在未完成 Connect 前调用交易接口
var ErrNotConnected = errors.New("venue not connected")

// RejectedError 交易所拒单，保留原因用于日志
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// IsRejected 判断错误是否为交易所拒单
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
