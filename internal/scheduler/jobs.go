package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/reconcile"
)

type InstrumentLister interface {
	ListActiveInstruments(ctx context.Context) ([]models.Instrument, error)
}

type Resolver interface {
	Resolve(ctx context.Context, d models.InstrumentDescriptor, tf models.Timeframe, w models.Window) (*reconcile.Result, error)
}

type StrategyCalculator interface {
	CalculateForSetup(ctx context.Context, setupID string) (*models.SignalSummary, error)
}

type HealthChecker interface {
	PerformCheck(ctx context.Context) models.KeepAliveResult
}

// DataCollection refreshes every timeframe of every active instrument.
// Failures are counted per series and never stop the sweep.
func DataCollection(lister InstrumentLister, resolver Resolver, timeframes []models.Timeframe, window models.Window, log *slog.Logger) func(context.Context) error {
	log = jobLogger(log, JobDataCollection)
	return func(ctx context.Context) error {
		instruments, err := lister.ListActiveInstruments(ctx)
		if err != nil {
			return fmt.Errorf("list active instruments: %w", err)
		}

		var failed, refreshed, degraded int
		for _, inst := range instruments {
			for _, tf := range timeframes {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var res *reconcile.Result
				err := safely(func() error {
					var err error
					res, err = resolver.Resolve(ctx, inst.Descriptor(), tf, window)
					return err
				})
				if err != nil {
					failed++
					log.Warn("refresh failed", "symbol", inst.Symbol, "timeframe", tf, "err", err)
					continue
				}
				refreshed++
				if res.Degraded {
					degraded++
				}
			}
		}

		log.Info("collection sweep done", "instruments", len(instruments),
			"refreshed", refreshed, "degraded", degraded, "failed", failed)
		if failed > 0 {
			return fmt.Errorf("%d of %d series failed to refresh", failed, failed+refreshed)
		}
		return nil
	}
}

// StrategyCalculation invokes the strategy service for each active setup.
func StrategyCalculation(calc StrategyCalculator, setups func() []string, log *slog.Logger) func(context.Context) error {
	log = jobLogger(log, JobStrategy)
	return func(ctx context.Context) error {
		ids := setups()
		var errs []error
		total := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var sum *models.SignalSummary
			err := safely(func() error {
				var err error
				sum, err = calc.CalculateForSetup(ctx, id)
				return err
			})
			if err != nil {
				log.Warn("setup calculation failed", "setup", id, "err", err)
				errs = append(errs, fmt.Errorf("setup %s: %w", id, err))
				continue
			}
			total += sum.TotalSignals
		}
		log.Info("strategy sweep done", "setups", len(ids), "signals", total, "failed", len(errs))
		return errors.Join(errs...)
	}
}

// KeepAlive runs one connection check and reports a failed reconnect as an error.
func KeepAlive(checker HealthChecker, log *slog.Logger) func(context.Context) error {
	log = jobLogger(log, JobKeepAlive)
	return func(ctx context.Context) error {
		res := checker.PerformCheck(ctx)
		if !res.Checked {
			log.Debug("keep-alive skipped", "reason", res.Message)
			return nil
		}
		if !res.Connected {
			return fmt.Errorf("profile %q disconnected: %s", res.ProfileName, res.Message)
		}
		log.Debug("keep-alive ok", "profile", res.ProfileName, "reconnected", res.ReconnectAttempted)
		return nil
	}
}

// Defaults for the standard jobs.
const (
	CollectionInterval = 5 * time.Minute
	StrategyInterval   = 5 * time.Minute
	KeepAliveDelay     = 30 * time.Second
	KeepAliveInterval  = 15 * time.Minute
)

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func jobLogger(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", "scheduler", "job", name)
}
