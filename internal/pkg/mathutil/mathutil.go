package mathutil

import (
	"math"
	"sort"
)

// Median 返回数值序列的中位数，偶数个取中间两数的平均值。
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 != 0 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Percentile 计算第 p 百分位数（线性插值）。
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(index-float64(lower))
}

// Average 返回算术平均值，空序列返回 0。
func Average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// ProfitAfterTax 计算扣除交易税后的利润与利润率。
//
// 税额向下取整，与游戏内市场板的结算方式一致。
func ProfitAfterTax(buyPrice, sellPrice int64, taxRate float64) (profit int64, profitPercent float64) {
	taxAmount := int64(math.Floor(float64(sellPrice) * taxRate))
	profit = sellPrice - taxAmount - buyPrice
	if buyPrice > 0 {
		profitPercent = float64(profit) / float64(buyPrice) * 100
	}
	return profit, profitPercent
}

// Chunk 将切片按 size 切分为多个批次，最后一个批次可能不满。
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
