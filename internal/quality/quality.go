// Package quality runs structural checks over persisted bar windows.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

const (
	IssueNoData           = "no data"
	IssueInvalidOHLC      = "invalid_ohlc"
	IssueNonPositivePrice = "non_positive_price"
	IssueExcessZeroVolume = "excess_zero_volume"
	IssueGaps             = "gaps"
)

const (
	// MaxZeroVolumeRatio is the share of zero-volume bars tolerated in a window.
	MaxZeroVolumeRatio = 0.10
	// GapTolerance multiplies the expected interval before a spacing counts as a gap.
	GapTolerance = 1.5
)

// Evaluate checks a series that is already sorted ascending. It is pure: the
// same input always yields the same verdict.
func Evaluate(symbol string, tf models.Timeframe, series []models.Bar) models.ValidationVerdict {
	v := models.ValidationVerdict{
		Symbol:      symbol,
		Timeframe:   tf,
		RecordCount: len(series),
		Issues:      []string{},
	}
	if len(series) == 0 {
		v.Issues = append(v.Issues, IssueNoData)
		return v
	}

	var badOHLC, nonPositive, zeroVolume, gaps int
	var firstBadOHLC, firstNonPositive, firstGap int64
	expected := tf.Interval()
	maxStep := int64(float64(expected/time.Second) * GapTolerance)

	for i, b := range series {
		if !b.ConsistentOHLC() {
			if badOHLC == 0 {
				firstBadOHLC = b.Timestamp
			}
			badOHLC++
		}
		if !b.PositivePrices() {
			if nonPositive == 0 {
				firstNonPositive = b.Timestamp
			}
			nonPositive++
		}
		if b.Volume == 0 {
			zeroVolume++
		}
		if i > 0 && expected > 0 && b.Timestamp-series[i-1].Timestamp > maxStep {
			if gaps == 0 {
				firstGap = series[i-1].Timestamp
			}
			gaps++
		}
	}

	n := len(series)
	if badOHLC > 0 {
		v.InvalidOHLC = true
		v.Issues = append(v.Issues, fmt.Sprintf("%s: %d of %d bars, first at %s", IssueInvalidOHLC, badOHLC, n, stamp(firstBadOHLC)))
	}
	if nonPositive > 0 {
		v.NonPositivePrice = true
		v.Issues = append(v.Issues, fmt.Sprintf("%s: %d of %d bars, first at %s", IssueNonPositivePrice, nonPositive, n, stamp(firstNonPositive)))
	}
	if ratio := float64(zeroVolume) / float64(n); ratio > MaxZeroVolumeRatio {
		v.ExcessZeroVolume = true
		v.Issues = append(v.Issues, fmt.Sprintf("%s: %.1f%% of bars have zero volume", IssueExcessZeroVolume, ratio*100))
	}
	if gaps > 0 {
		v.HasGaps = true
		v.Issues = append(v.Issues, fmt.Sprintf("%s: %d spacing(s) over %s, first after %s", IssueGaps, gaps, time.Duration(maxStep)*time.Second, stamp(firstGap)))
	}

	v.Valid = !v.InvalidOHLC && !v.NonPositivePrice && !v.ExcessZeroVolume && !v.HasGaps
	return v
}

func stamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// Validator loads windows from the store and evaluates them.
type Validator struct {
	store marketdata.BarStore
	log   *slog.Logger
}

func NewValidator(store marketdata.BarStore, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{store: store, log: log.With("component", "quality")}
}

// Validate evaluates the persisted window [start, end] for one series. An
// unknown instrument is reported as "no data" rather than created.
func (v *Validator) Validate(ctx context.Context, d models.InstrumentDescriptor, tf models.Timeframe, start, end time.Time) (models.ValidationVerdict, error) {
	d = d.Normalized()
	if !tf.Valid() {
		return models.ValidationVerdict{}, marketdata.Errorf(marketdata.KindInvalidRequest, "validate", "unknown timeframe %q", tf)
	}

	inst, err := v.store.FindInstrument(ctx, d)
	if err != nil {
		return models.ValidationVerdict{}, err
	}
	if inst == nil {
		return Evaluate(d.Symbol, tf, nil), nil
	}

	series, err := v.store.GetBars(ctx, inst.ID, tf, start, end)
	if err != nil {
		return models.ValidationVerdict{}, err
	}
	return Evaluate(d.Symbol, tf, series), nil
}

// ValidateAll evaluates every symbol×timeframe pair, keyed "SYMBOL:timeframe".
// A store error fails only its own cell.
func (v *Validator) ValidateAll(ctx context.Context, symbols []string, timeframes []models.Timeframe, start, end time.Time) map[string]models.ValidationVerdict {
	out := make(map[string]models.ValidationVerdict, len(symbols)*len(timeframes))
	for _, s := range symbols {
		d := models.InstrumentDescriptor{Symbol: s}.Normalized()
		for _, tf := range timeframes {
			key := models.CellKey(d.Symbol, tf)
			verdict, err := v.Validate(ctx, d, tf, start, end)
			if err != nil {
				v.log.Warn("validation failed", "cell", key, "err", err)
				verdict = models.ValidationVerdict{
					Symbol:    d.Symbol,
					Timeframe: tf,
					Issues:    []string{"error: " + err.Error()},
				}
			}
			if !verdict.Valid {
				v.log.Info("validation issues", "cell", key, "records", verdict.RecordCount, "issues", verdict.Issues)
			}
			out[key] = verdict
		}
	}
	return out
}
