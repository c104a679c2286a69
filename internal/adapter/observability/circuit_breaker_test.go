package observability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/stretchr/testify/assert"
)

func TestDispatchBreaker_NewDispatchBreaker(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("group:mailbox-full:primary", 3, 5*time.Second)

	assert.Equal(t, observability.BreakerClosed, b.GetState())
	assert.Equal(t, 0, b.GetFailures())
	assert.True(t, b.IsClosed())
	assert.False(t, b.IsOpen())
	assert.False(t, b.IsHalfOpen())
}

func TestDispatchBreaker_Call_Success(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 2, 1*time.Second)

	err := b.Call(func() error { return nil })

	assert.NoError(t, err)
	assert.Equal(t, observability.BreakerClosed, b.GetState())
	assert.Equal(t, 0, b.GetFailures())
	stats := b.Stats()
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 0, stats.TotalFailures)
}

func TestDispatchBreaker_Call_Failure(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 2, 1*time.Second)
	testErr := errors.New("test error")

	err := b.Call(func() error { return testErr })

	assert.Equal(t, testErr, err)
	assert.Equal(t, observability.BreakerClosed, b.GetState())
	assert.Equal(t, 1, b.GetFailures())
	assert.Equal(t, 1, b.Stats().TotalFailures)
}

func TestDispatchBreaker_StateTransitions(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("group:sample-audit:primary", 2, 100*time.Millisecond)

	err := b.Call(func() error { return errors.New("failure 1") })
	assert.Error(t, err)
	assert.Equal(t, observability.BreakerClosed, b.GetState())
	assert.Equal(t, 1, b.GetFailures())

	err = b.Call(func() error { return errors.New("failure 2") })
	assert.Error(t, err)
	assert.Equal(t, observability.BreakerOpen, b.GetState())
	assert.Equal(t, 2, b.GetFailures())
	assert.True(t, b.IsOpen())

	err = b.Call(func() error { return nil })
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "breaker open")

	time.Sleep(150 * time.Millisecond)

	err = b.Call(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, observability.BreakerHalfOpen, b.GetState())
	assert.True(t, b.IsHalfOpen())

	for i := 0; i < 2; i++ { // halfOpenMax is 3, one success already recorded above
		err = b.Call(func() error { return nil })
		assert.NoError(t, err)
	}
	assert.Equal(t, observability.BreakerClosed, b.GetState())
	assert.True(t, b.IsClosed())
}

func TestDispatchBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 1, 1*time.Second)

	_ = b.Call(func() error { return errors.New("failure") })
	assert.Equal(t, observability.BreakerOpen, b.GetState())

	b.Reset()
	assert.Equal(t, observability.BreakerClosed, b.GetState())
	assert.Equal(t, 0, b.GetFailures())
	assert.True(t, b.IsClosed())
	assert.Equal(t, 0, b.Stats().TotalAttempts)
}

func TestDispatchBreaker_Stats_FailureRate(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 5, time.Second)
	_ = b.Call(func() error { return nil })
	_ = b.Call(func() error { return errors.New("fail") })
	_ = b.Call(func() error { return nil })

	stats := b.Stats()
	assert.Equal(t, "remotenode:node-a", stats.Target)
	assert.Equal(t, 3, stats.TotalAttempts)
	assert.Equal(t, 1, stats.TotalFailures)
	assert.InDelta(t, 1.0/3.0, stats.FailureRate, 1e-9)
}

func TestGlobalCircuitBreakerFunctions(t *testing.T) {
	t.Parallel()

	observability.ResetAllCircuitBreakers()

	b := observability.GetCircuitBreaker("global-test", 2, 1*time.Second)
	assert.NotNil(t, b)

	assert.False(t, observability.IsCircuitBreakerOpen("global-test"))
	assert.False(t, observability.IsCircuitBreakerOpen("nonexistent"))

	_ = b.Call(func() error { return errors.New("fail") })
	_ = b.Call(func() error { return errors.New("fail") })

	assert.True(t, observability.IsCircuitBreakerOpen("global-test"))

	observability.ResetCircuitBreaker("global-test")
	assert.False(t, observability.IsCircuitBreakerOpen("global-test"))

	_ = b.Call(func() error { return errors.New("fail") })
	_ = b.Call(func() error { return errors.New("fail") })
	assert.True(t, observability.IsCircuitBreakerOpen("global-test"))

	observability.ResetAllCircuitBreakers()
	assert.False(t, observability.IsCircuitBreakerOpen("global-test"))
}

func TestBreakerSnapshots_ReportsRegisteredTargets(t *testing.T) {
	observability.ResetAllCircuitBreakers()

	observability.GetCircuitBreaker("group:mailbox-full:primary", 3, time.Second)
	second := observability.GetCircuitBreaker("remotenode:node-a", 3, time.Second)
	_ = second.Call(func() error { return errors.New("fail") })

	snapshots := observability.BreakerSnapshots()
	byTarget := make(map[string]observability.BreakerStats, len(snapshots))
	for _, s := range snapshots {
		byTarget[s.Target] = s
	}

	assert.Contains(t, byTarget, "group:mailbox-full:primary")
	assert.Contains(t, byTarget, "remotenode:node-a")
	assert.Equal(t, 1, byTarget["remotenode:node-a"].TotalFailures)
}

func TestDispatchBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 1, 100*time.Millisecond)

	_ = b.Call(func() error { return errors.New("fail") })
	assert.True(t, b.IsOpen())

	time.Sleep(150 * time.Millisecond)

	err := b.Call(func() error { return nil })
	assert.NoError(t, err)
	assert.True(t, b.IsHalfOpen())

	for i := 0; i < 2; i++ { // halfOpenMax is 3, one success already recorded above
		err := b.Call(func() error { return nil })
		assert.NoError(t, err)
	}
	assert.True(t, b.IsClosed())
}

func TestDispatchBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 1, 100*time.Millisecond)

	_ = b.Call(func() error { return errors.New("fail") })
	assert.True(t, b.IsOpen())

	time.Sleep(150 * time.Millisecond)

	err := b.Call(func() error { return nil })
	assert.NoError(t, err)
	assert.True(t, b.IsHalfOpen())

	err = b.Call(func() error { return errors.New("fail again") })
	assert.Error(t, err)
	assert.True(t, b.IsOpen())
}

func TestDispatchBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := observability.NewDispatchBreaker("remotenode:node-a", 5, 100*time.Millisecond)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_ = b.Call(func() error {
				if time.Now().UnixNano()%2 == 0 {
					return errors.New("random failure")
				}
				return nil
			})
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	state := b.GetState()
	assert.True(t, state == observability.BreakerClosed ||
		state == observability.BreakerOpen ||
		state == observability.BreakerHalfOpen)
}
