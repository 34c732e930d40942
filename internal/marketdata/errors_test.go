package marketdata

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Errorf(KindNoData, "reconcile", "nothing stored for %s", "AAPL")
	assert.True(t, errors.Is(err, ErrNoData))
	assert.False(t, errors.Is(err, ErrTimeout))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNoData))
	assert.Equal(t, KindNoData, KindOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := Wrap(KindPersistenceFailure, "upsert", errors.New("disk full"))
	assert.Equal(t, "upsert: persistence_failure: disk full", err.Error())
	assert.Equal(t, "no_data: no data", ErrNoData.Error())
}

func TestError_WithCopies(t *testing.T) {
	base := Errorf(KindUpstreamBadResponse, "normalize", "bad")
	a := base.With("missing", []string{"open"})
	b := a.With("index", 3)

	assert.Nil(t, base.Context)
	assert.Len(t, a.Context, 1)
	assert.Len(t, b.Context, 2)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindUpstreamTimeout, KindOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Wrap(KindUpstreamUnavailable, "history", errors.New("refused"))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrBadResponse))
	assert.False(t, IsTransient(nil))
}
