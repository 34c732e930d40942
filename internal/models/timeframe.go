package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the sampling granularity of a bar series.
type Timeframe string

const (
	TF1Min   Timeframe = "1min"
	TF5Min   Timeframe = "5min"
	TF15Min  Timeframe = "15min"
	TF30Min  Timeframe = "30min"
	TF1Hour  Timeframe = "1hour"
	TF4Hour  Timeframe = "4hour"
	TF1Day   Timeframe = "1day"
	TF1Week  Timeframe = "1week"
	TF1Month Timeframe = "1month"
)

var timeframeIntervals = map[Timeframe]time.Duration{
	TF1Min:   time.Minute,
	TF5Min:   5 * time.Minute,
	TF15Min:  15 * time.Minute,
	TF30Min:  30 * time.Minute,
	TF1Hour:  time.Hour,
	TF4Hour:  4 * time.Hour,
	TF1Day:   24 * time.Hour,
	TF1Week:  7 * 24 * time.Hour,
	TF1Month: 30 * 24 * time.Hour,
}

var timeframeAliases = map[string]Timeframe{
	"1m": TF1Min, "1 min": TF1Min, "1minute": TF1Min,
	"5m": TF5Min, "5 mins": TF5Min,
	"15m": TF15Min, "15 mins": TF15Min,
	"30m": TF30Min, "30 mins": TF30Min,
	"1h": TF1Hour, "1 hour": TF1Hour, "60min": TF1Hour,
	"4h": TF4Hour, "4 hours": TF4Hour,
	"1d": TF1Day, "1 day": TF1Day, "daily": TF1Day,
	"1w": TF1Week, "1 week": TF1Week, "weekly": TF1Week,
	"1mo": TF1Month, "1 month": TF1Month, "monthly": TF1Month,
}

// ParseTimeframe accepts canonical names and the common aliases.
func ParseTimeframe(s string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if _, ok := timeframeIntervals[Timeframe(key)]; ok {
		return Timeframe(key), nil
	}
	if tf, ok := timeframeAliases[key]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Interval is the expected spacing between consecutive bars.
func (tf Timeframe) Interval() time.Duration {
	return timeframeIntervals[tf]
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframeIntervals[tf]
	return ok
}

// Period is a relative history span as understood by the upstream gateway.
type Period string

const (
	Period1Day    Period = "1 day"
	Period1Week   Period = "1 week"
	Period1Month  Period = "1 month"
	Period3Months Period = "3 months"
	Period6Months Period = "6 months"
	Period1Year   Period = "1 year"
	Period2Years  Period = "2 years"
	Period5Years  Period = "5 years"
)

const day = 24 * time.Hour

var periodDurations = map[Period]time.Duration{
	Period1Day:    day,
	Period1Week:   7 * day,
	Period1Month:  30 * day,
	Period3Months: 90 * day,
	Period6Months: 180 * day,
	Period1Year:   365 * day,
	Period2Years:  730 * day,
	Period5Years:  1825 * day,
}

var periodAliases = map[string]Period{
	"1d": Period1Day, "1 d": Period1Day,
	"1w": Period1Week, "1 w": Period1Week,
	"1mo": Period1Month, "1 m": Period1Month, "1month": Period1Month,
	"3mo": Period3Months, "3 m": Period3Months, "3months": Period3Months,
	"6mo": Period6Months, "6 m": Period6Months, "6months": Period6Months,
	"1y": Period1Year, "1 y": Period1Year, "1year": Period1Year,
	"2y": Period2Years, "2 y": Period2Years, "2years": Period2Years,
	"5y": Period5Years, "5 y": Period5Years, "5years": Period5Years,
}

func ParsePeriod(s string) (Period, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if _, ok := periodDurations[Period(key)]; ok {
		return Period(key), nil
	}
	if p, ok := periodAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

func (p Period) Duration() time.Duration {
	return periodDurations[p]
}

// Window is either a Period relative to now or an explicit [Start, End] range.
type Window struct {
	Period Period    `json:"period,omitempty"`
	Start  time.Time `json:"start,omitempty"`
	End    time.Time `json:"end,omitempty"`
}

func PeriodWindow(p Period) Window { return Window{Period: p} }

func RangeWindow(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

func (w Window) IsRange() bool { return w.Period == "" }

// Bounds resolves the window against now.
func (w Window) Bounds(now time.Time) (time.Time, time.Time) {
	if !w.IsRange() {
		return now.Add(-w.Period.Duration()).UTC(), now.UTC()
	}
	end := w.End
	if end.IsZero() {
		end = now
	}
	return w.Start.UTC(), end.UTC()
}

func (w Window) Validate() error {
	if !w.IsRange() {
		if _, ok := periodDurations[w.Period]; !ok {
			return fmt.Errorf("unknown period %q", w.Period)
		}
		return nil
	}
	if w.Start.IsZero() {
		return fmt.Errorf("range window requires a start")
	}
	if !w.End.IsZero() && w.End.Before(w.Start) {
		return fmt.Errorf("range end %s before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

func (w Window) String() string {
	if !w.IsRange() {
		return string(w.Period)
	}
	end := "now"
	if !w.End.IsZero() {
		end = w.End.Format(time.RFC3339)
	}
	return w.Start.Format(time.RFC3339) + ".." + end
}

// HistoryRequest is one upstream historical-bars request.
type HistoryRequest struct {
	Symbol    string
	Timeframe Timeframe
	Window    Window
	SecType   string
	Exchange  string
	Currency  string
}

// Key identifies the logical fetch for deduplication.
func (r HistoryRequest) Key() string {
	return strings.Join([]string{
		strings.ToUpper(r.Symbol), string(r.Timeframe), r.Window.String(),
		r.SecType, r.Exchange, r.Currency,
	}, "|")
}
