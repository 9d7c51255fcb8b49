package market

// Kline 简化的 K 线结构（毫秒时间戳）。
type Kline struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// LastClose 返回最后一根收盘价；空序列返回 0。
func LastClose(ks []Kline) float64 {
	if len(ks) == 0 {
		return 0
	}
	return ks[len(ks)-1].Close
}
