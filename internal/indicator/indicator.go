// Package indicator implements the technical-indicator math used by the
// signal evaluation pipeline: EMA, RSI, MACD, ATR, ADX, VWAP, and volume
// statistics. All functions operate on slices ordered oldest first and return
// series aligned to the input (leading values are zero until the indicator
// has warmed up).
package indicator

import (
	"math"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// SMA returns the simple moving average series for the given period.
func SMA(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return result
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}
	return result
}

// EMA returns the exponential moving average series with smoothing
// alpha = 2/(period+1). The first value seeds the series.
func EMA(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if len(values) == 0 {
		return result
	}
	alpha := 2.0 / (float64(period) + 1.0)
	result[0] = values[0]
	for i := 1; i < len(values); i++ {
		result[i] = alpha*values[i] + (1-alpha)*result[i-1]
	}
	return result
}

// RSI returns the Wilder-smoothed relative strength index series.
func RSI(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if period <= 0 || len(values) < period+1 {
		return result
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	result[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		result[i] = rsiValue(avgGain, avgLoss)
	}
	return result
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line (EMA fast − EMA slow) and its signal line
// (EMA of the MACD line).
func MACD(values []float64, fast, slow, signal int) (macd, signalLine []float64) {
	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)
	macd = make([]float64, len(values))
	for i := range values {
		macd[i] = emaFast[i] - emaSlow[i]
	}
	signalLine = EMA(macd, signal)
	return macd, signalLine
}

// ATR returns the Wilder-smoothed average true range series for the klines.
func ATR(klines []domain.Kline, period int) []float64 {
	result := make([]float64, len(klines))
	if period <= 0 || len(klines) < period+1 {
		return result
	}

	tr := make([]float64, len(klines))
	tr[0] = klines[0].High - klines[0].Low
	for i := 1; i < len(klines); i++ {
		tr[i] = trueRange(klines[i], klines[i-1].Close)
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	result[period] = sum / float64(period)
	for i := period + 1; i < len(klines); i++ {
		result[i] = (result[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return result
}

func trueRange(k domain.Kline, prevClose float64) float64 {
	hl := k.High - k.Low
	hc := math.Abs(k.High - prevClose)
	lc := math.Abs(k.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ADX returns the average directional index series, a trend-strength measure
// in [0,100].
func ADX(klines []domain.Kline, period int) []float64 {
	result := make([]float64, len(klines))
	if period <= 0 || len(klines) < 2*period+1 {
		return result
	}

	n := len(klines)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		up := klines[i].High - klines[i-1].High
		down := klines[i-1].Low - klines[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = trueRange(klines[i], klines[i-1].Close)
	}

	// Wilder smoothing of DM and TR, then DX, then ADX.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := make([]float64, n)
	dx[period] = dxValue(smPlus, smMinus, smTR)
	for i := period + 1; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dx[i] = dxValue(smPlus, smMinus, smTR)
	}

	sum := 0.0
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	result[2*period-1] = sum / float64(period)
	for i := 2 * period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return result
}

func dxValue(smPlus, smMinus, smTR float64) float64 {
	if smTR == 0 {
		return 0
	}
	plusDI := 100 * smPlus / smTR
	minusDI := 100 * smMinus / smTR
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / sum
}

// VWAP returns the volume-weighted average price over the given klines,
// using the typical price (H+L+C)/3 per bar. Returns 0 when total volume
// is zero.
func VWAP(klines []domain.Kline) float64 {
	var pv, vol float64
	for _, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// RVOL returns the relative volume of the most recent bar: its volume divided
// by the mean volume of the preceding lookback bars. Returns 0 with
// insufficient data or a zero mean.
func RVOL(klines []domain.Kline, lookback int) float64 {
	if lookback <= 0 || len(klines) < lookback+1 {
		return 0
	}
	last := klines[len(klines)-1]
	var sum float64
	for _, k := range klines[len(klines)-1-lookback : len(klines)-1] {
		sum += k.Volume
	}
	mean := sum / float64(lookback)
	if mean == 0 {
		return 0
	}
	return last.Volume / mean
}

// VolumeZScore returns the z-score of the most recent bar's volume against
// the preceding lookback bars. Returns 0 with insufficient data or zero
// variance.
func VolumeZScore(klines []domain.Kline, lookback int) float64 {
	if lookback <= 1 || len(klines) < lookback+1 {
		return 0
	}
	window := klines[len(klines)-1-lookback : len(klines)-1]
	var sum float64
	for _, k := range window {
		sum += k.Volume
	}
	mean := sum / float64(lookback)

	var variance float64
	for _, k := range window {
		d := k.Volume - mean
		variance += d * d
	}
	variance /= float64(lookback)
	if variance == 0 {
		return 0
	}
	last := klines[len(klines)-1]
	return (last.Volume - mean) / math.Sqrt(variance)
}

// Last returns the final value of a series, or 0 for an empty series.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// Rising reports whether the series strictly increased over the last n steps.
func Rising(series []float64, n int) bool {
	if n < 1 || len(series) < n+1 {
		return false
	}
	for i := len(series) - n; i < len(series); i++ {
		if series[i] <= series[i-1] {
			return false
		}
	}
	return true
}
