package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

// Watchlist declares what the scheduler keeps fresh.
type Watchlist struct {
	Instruments []models.InstrumentDescriptor `yaml:"instruments"`
	Timeframes  []string                      `yaml:"timeframes"`
	Setups      []string                      `yaml:"setups"`
	Profile     Profile                       `yaml:"profile"`
}

// Profile is the active upstream connection profile.
type Profile struct {
	Name             string `yaml:"name"`
	KeepAliveMinutes int    `yaml:"keepalive_minutes"`
}

var defaultTimeframes = []string{"1hour", "1day"}

// LoadWatchlist reads the YAML watchlist at path. A missing file yields an
// empty watchlist with the default timeframes.
func LoadWatchlist(path string) (*Watchlist, error) {
	w := &Watchlist{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		w.Timeframes = defaultTimeframes
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("parse watchlist %s: %w", path, err)
	}
	if len(w.Timeframes) == 0 {
		w.Timeframes = defaultTimeframes
	}
	for i, d := range w.Instruments {
		if d.Symbol == "" {
			return nil, fmt.Errorf("watchlist instrument %d has no symbol", i)
		}
		w.Instruments[i] = d.Normalized()
	}
	if _, err := w.ParsedTimeframes(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watchlist) ParsedTimeframes() ([]models.Timeframe, error) {
	out := make([]models.Timeframe, 0, len(w.Timeframes))
	for _, s := range w.Timeframes {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("watchlist: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

// KeepAliveInterval is the profile's keep-alive cadence, or fallback when the
// profile does not set one.
func (w *Watchlist) KeepAliveInterval(fallback time.Duration) time.Duration {
	if w.Profile.KeepAliveMinutes > 0 {
		return time.Duration(w.Profile.KeepAliveMinutes) * time.Minute
	}
	return fallback
}
