package binance

import (
	"strconv"
	"strings"
)

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// formatQty 数量格式化：合约数量精度各异，去掉多余尾零即可。
func formatQty(v float64) string {
	out := strconv.FormatFloat(v, 'f', 8, 64)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	if out == "" {
		return "0"
	}
	return out
}

func formatPrice(v float64) string {
	out := strconv.FormatFloat(v, 'f', 8, 64)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	if out == "" {
		return "0"
	}
	return out
}
