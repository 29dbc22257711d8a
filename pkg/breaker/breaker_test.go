package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TripsOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 2
	cfg.OpenTimeout = time.Hour
	cb := New("test", cfg, zerolog.Nop())

	fail := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, err := cb.Execute(fail)
		require.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestNew_StaysClosedOnSuccess(t *testing.T) {
	cb := New("test", DefaultConfig(), zerolog.Nop())

	res, err := cb.Execute(func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
