package risk

import (
	"context"
	"time"

	"tradingjii/internal/logger"
)

// TextNotifier 描述最小化的文本推送接口（用于 Telegram 等）。
type TextNotifier interface {
	SendText(text string) error
}

// Operation 一次仓位操作流水（旁路记录，失败不影响主流程）。
type Operation struct {
	PositionID string
	Symbol     string
	Kind       string
	Details    map[string]any
	At         time.Time
}

// 操作流水 Kind 取值。
const (
	OpOpen          = "open"
	OpStopSet       = "stop_set"
	OpStopMove      = "stop_move"
	OpRepair        = "repair"
	OpRepairFailed  = "repair_failed"
	OpImport        = "import"
	OpExternalClose = "external_close"
	OpGuardClose    = "guard_close"
	OpRefresh       = "refresh"
)

// OperationLog 抽象操作流水写入（由 sqlite 历史库实现）。
type OperationLog interface {
	Append(ctx context.Context, op Operation) error
}

// nowFn 时间源，测试可替换。
var nowFn = time.Now

func logOp(ctx context.Context, ops OperationLog, op Operation) {
	if ops == nil {
		return
	}
	if op.At.IsZero() {
		op.At = nowFn()
	}
	// 流水失败只降级为日志，不阻断风控主流程
	if err := ops.Append(ctx, op); err != nil {
		logger.Positionf(logger.LevelWarn, op.PositionID, op.Kind, "操作流水写入失败: %v", err)
	}
}

// notifyText 旁路推送：发送失败只降级为日志，不阻断主流程。
func notifyText(n TextNotifier, msg string) {
	if n == nil {
		return
	}
	if err := n.SendText(msg); err != nil {
		logger.Warnf("通知发送失败: %v", err)
	}
}
