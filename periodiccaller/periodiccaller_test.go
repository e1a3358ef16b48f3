// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicCaller(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	var counter atomic.Int32
	done := make(chan struct{})
	stop := Start(ctx, 10*time.Millisecond, func() {
		if counter.Add(1) == 2 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-ctx.Done():
		assert.Fail(t, "timeout - periodiccaller not working")
	}
	cancel()
	stop()

	// No calls after stop returned.
	n := counter.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, counter.Load())
}

func TestPeriodicCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	executions := make(chan struct{}, 20)
	stop := Start(ctx, time.Millisecond, func() {
		select {
		case executions <- struct{}{}:
		default:
		}
	})

	<-ctx.Done()
	stop()
	time.Sleep(10 * time.Millisecond)

	assert.NotEmpty(t, executions)
	assert.Less(t, len(executions), 15)
}

func TestPeriodicCallerManualTrigger(t *testing.T) {
	const numTrigger = 5
	// Larger than the time taken to execute the triggers.
	interval := 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), interval)

	var counter atomic.Int32
	trigger := make(chan struct{})
	done := make(chan struct{})

	stop := StartWithManualTrigger(ctx, interval, trigger, func(manualTrigger bool) {
		require.True(t, manualTrigger)
		if counter.Add(1) == numTrigger {
			close(done)
		}
	})

	for range numTrigger {
		trigger <- struct{}{}
	}
	<-done
	cancel()
	stop()

	assert.Equal(t, int32(numTrigger), counter.Load())
}
