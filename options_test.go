// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithProcessors_Invalid(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		_, err := New(WithProcessors(n))
		require.ErrorIs(t, err, ErrInvalidProcessorCount, "processors = %d", n)
	}
}

func TestWithFreeListLimit_Invalid(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := New(WithFreeListLimit(n))
		require.ErrorIs(t, err, ErrInvalidFreeListLimit, "limit = %d", n)
	}
}

func TestWithPollWarnRates_Invalid(t *testing.T) {
	for name, rates := range map[string]map[time.Duration]int{
		"nil":               nil,
		"empty":             {},
		"zero count":        {time.Second: 0},
		"negative count":    {time.Second: -1},
		"zero duration":     {0: 5},
		"negative duration": {-time.Second: 5},
	} {
		_, err := New(WithPollWarnRates(rates))
		require.ErrorIs(t, err, ErrInvalidPollWarnRates, "rates %s", name)
	}
}

// TestWithPollWarnRates_NonMonotonic exercises the limiter constructor
// rejecting rates whose counts do not increase with window duration.
func TestWithPollWarnRates_NonMonotonic(t *testing.T) {
	_, err := New(WithPollWarnRates(map[time.Duration]int{
		time.Second: 10,
		time.Minute: 5,
	}))
	require.ErrorIs(t, err, ErrInvalidPollWarnRates)
}

func TestResolveOptions_Defaults(t *testing.T) {
	cfg, err := resolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.processors)
	assert.Equal(t, defaultFreeListLimit, cfg.freeListLimit)
	assert.Equal(t, map[time.Duration]int{
		time.Second: 5,
		time.Minute: 30,
	}, cfg.pollWarnRates)
	assert.Nil(t, cfg.logger)
}

func TestResolveOptions_NilOptionSkipped(t *testing.T) {
	cfg, err := resolveOptions([]Option{nil, WithProcessors(2), nil})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.processors)
}

// TestWithPollWarnRates_CopiesInput verifies later mutation of the caller's
// map does not affect the resolved configuration.
func TestWithPollWarnRates_CopiesInput(t *testing.T) {
	rates := map[time.Duration]int{time.Second: 5, time.Minute: 30}
	cfg, err := resolveOptions([]Option{WithPollWarnRates(rates)})
	require.NoError(t, err)
	rates[time.Second] = 1
	assert.Equal(t, 5, cfg.pollWarnRates[time.Second])
}

func TestNew_AppliesOptions(t *testing.T) {
	s, err := New(WithProcessors(3), WithFreeListLimit(8))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	assert.Equal(t, 3, s.Processors())
	assert.Equal(t, 8, s.freeListLimit)
}
