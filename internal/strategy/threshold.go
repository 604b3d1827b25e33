package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/indicator"
)

// oiBucketMs is the fixed open-interest dedup bucket width.
const oiBucketMs = 300_000

// Threshold emits on a sharp price move confirmed by an open-interest
// increase. A breakout beyond BreakoutThresholdPct fires immediately,
// skipping the OI requirement and the MACD confirmation.
type Threshold struct {
	cfg    config.StrategyConfig
	logger *slog.Logger
}

// NewThreshold creates the threshold strategy.
func NewThreshold(cfg config.StrategyConfig, logger *slog.Logger) *Threshold {
	return &Threshold{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "strategy_threshold")),
	}
}

func (t *Threshold) Name() string { return "threshold" }

// Evaluate checks one symbol's snapshot against the threshold ladder.
func (t *Threshold) Evaluate(ctx context.Context, snap domain.MarketSnapshot) (*domain.Signal, error) {
	bars := t.cfg.WindowMinutes / 5
	if len(snap.Klines) < bars+1 || snap.LastPrice <= 0 {
		return nil, nil
	}

	past := snap.Klines[len(snap.Klines)-1-bars].Close
	if past <= 0 {
		return nil, nil
	}
	changePct := (snap.LastPrice - past) / past * 100

	breakout := changePct >= t.cfg.Threshold.BreakoutThresholdPct
	if !breakout && changePct < t.cfg.Threshold.PriceChangeThresholdPct {
		return nil, nil
	}

	// Secondary filter: OI must rise with price. Skipped on breakout.
	if !breakout {
		oiChange, ok := t.oiChangePct(snap.OISeries)
		if !ok || oiChange < t.cfg.Threshold.OIChangeThresholdPct {
			return nil, nil
		}
	}

	cls := closes(snap.Klines)

	// Overbought veto applies on both paths.
	rsi := indicator.Last(indicator.RSI(cls, t.cfg.RSIPeriod))
	if rsi >= t.cfg.RSIOverbought {
		return nil, nil
	}

	// MACD confirmation is waived when the breakout path fired.
	if !breakout && !t.macdConfirmed(cls) {
		return nil, nil
	}

	rvolFloor := t.cfg.Threshold.RVOLThreshold
	if breakout {
		rvolFloor *= t.cfg.Threshold.RVOLBreakoutRelax
	}
	if indicator.RVOL(snap.Klines, 20) < rvolFloor {
		return nil, nil
	}
	if lastTurnover(snap.Klines) < t.cfg.LiquidityFloorUSDT {
		return nil, nil
	}

	reason := fmt.Sprintf("price +%.2f%% over %dm", changePct, t.cfg.WindowMinutes)
	if breakout {
		reason = fmt.Sprintf("breakout +%.2f%% over %dm", changePct, t.cfg.WindowMinutes)
	}

	return &domain.Signal{
		Symbol:         snap.Symbol,
		Side:           domain.SideLong,
		Confidence:     clampConfidence(changePct / t.cfg.Threshold.PriceChangeThresholdPct),
		ReferencePrice: snap.LastPrice,
		StopPrice:      stopFromPct(snap.LastPrice, domain.SideLong, t.cfg.StopLossPct),
		Strategy:       t.Name(),
		Reason:         reason,
		GeneratedAt:    snap.Now,
	}, nil
}

// macdConfirmed requires MACD above its signal line and above zero over the
// last K closed bars.
func (t *Threshold) macdConfirmed(cls []float64) bool {
	macd, signal := indicator.MACD(cls, 12, 26, 9)
	k := t.cfg.Threshold.MACDConfirmBars
	if k <= 0 {
		k = 1
	}
	if len(macd) < k || len(signal) < k {
		return false
	}
	for i := 0; i < k; i++ {
		m := macd[len(macd)-1-i]
		s := signal[len(signal)-1-i]
		if m <= s || m <= 0 {
			return false
		}
	}
	return true
}

// oiChangePct computes the open-interest percentage change across the
// evaluation window. Samples are deduplicated into fixed 5-minute buckets,
// keeping the later sample per bucket; the latest bucket is compared against
// the bucket N steps back. With fewer than N+1 buckets the estimate degrades
// to first-vs-last over whatever exists. Reports ok=false when fewer than
// MinUniqueOIBars distinct buckets are available.
func (t *Threshold) oiChangePct(series []domain.OISample) (float64, bool) {
	byBucket := make(map[int64]domain.OISample)
	for _, s := range series {
		bucket := s.Timestamp.UnixMilli() / oiBucketMs
		if prev, ok := byBucket[bucket]; !ok || s.Timestamp.After(prev.Timestamp) {
			byBucket[bucket] = s
		}
	}
	if len(byBucket) < t.cfg.Threshold.MinUniqueOIBars {
		return 0, false
	}

	buckets := make([]int64, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	n := t.cfg.WindowMinutes / 5
	latest := byBucket[buckets[len(buckets)-1]].Value

	var base float64
	if len(buckets) >= n+1 {
		base = byBucket[buckets[len(buckets)-1-n]].Value
	} else {
		base = byBucket[buckets[0]].Value
	}
	if base <= 0 {
		return 0, false
	}
	return (latest - base) / base * 100, true
}
