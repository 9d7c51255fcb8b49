package market

import (
	"fmt"

	talib "github.com/markcheno/go-talib"
)

// ATRPct 计算最新 ATR 相对最新收盘价的比例，用作波动自适应的移动止损距离。
// 序列长度不足 period+1 时报错，避免用不完整窗口得出偏小的距离。
func ATRPct(ks []Kline, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period 必须为正")
	}
	if len(ks) < period+1 {
		return 0, fmt.Errorf("atr: K 线不足（need>=%d got=%d）", period+1, len(ks))
	}
	high := make([]float64, len(ks))
	low := make([]float64, len(ks))
	closes := make([]float64, len(ks))
	for i, k := range ks {
		high[i], low[i], closes[i] = k.High, k.Low, k.Close
	}
	out := talib.Atr(high, low, closes, period)
	atr := out[len(out)-1]
	last := closes[len(closes)-1]
	if atr <= 0 || last <= 0 {
		return 0, fmt.Errorf("atr: 计算结果无效 atr=%.8f close=%.8f", atr, last)
	}
	return atr / last, nil
}
