package risk

import (
	"errors"
	"fmt"
)

// VerificationError 交易所已受理但写后复核未确认（例如止损单状态不可见）。
// 该类错误必须升级到守护模块处理，绝不静默。
type VerificationError struct {
	Symbol     string
	PositionID string
	Step       string
	Err        error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed %s step=%s: %v", e.Symbol, e.Step, e.Err)
}
func (e *VerificationError) Unwrap() error { return e.Err }

// IsVerification 判断是否为写后复核失败。
func IsVerification(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

// ErrLeaseTimeout 租约获取超时：调用方按失败处理，不在原地无限等待。
var ErrLeaseTimeout = errors.New("risk: lease acquisition timed out")

// ErrSymbolCoolingDown 守护模块刚强平过该 symbol，冷却期内拒绝重开。
var ErrSymbolCoolingDown = errors.New("risk: symbol in guard cooldown")
