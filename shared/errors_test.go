package shared

import (
	"errors"
	"sync"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestErrorIsolationHandlerConcurrentUse(t *testing.T) {
	// Breaker disabled: only the shared counters are in play.
	handler := NewErrorIsolationHandler("payments", -1)
	transient := errors.New("connection reset")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				var fnErr error
				if (worker+j)%3 == 0 {
					fnErr = transient
				}
				err := handler.Execute("capture", func() error { return fnErr })
				if !errors.Is(err, fnErr) {
					t.Errorf("worker %d: got %v, want %v", worker, err, fnErr)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	check.False(t, handler.IsCircuitBreakerOpen())
}

func TestErrorIsolationHandlerBreakerOpensAndRecovers(t *testing.T) {
	handler := NewErrorIsolationHandler("payments", 0.5)

	// Below the minimum sample size nothing trips.
	for i := 0; i < 9; i++ {
		handler.RecordFailure()
	}
	check.False(t, handler.IsCircuitBreakerOpen())

	handler.RecordFailure()
	assert.True(t, handler.IsCircuitBreakerOpen())

	err := handler.Execute("capture", func() error { return nil })
	var svcErr *ServiceError
	assert.True(t, errors.As(err, &svcErr))
	check.Equal(t, "SERVICE_UNAVAILABLE", svcErr.Code)

	// Three successful half-open attempts close the breaker again.
	for i := 0; i < 3; i++ {
		handler.RecordSuccess()
	}
	check.False(t, handler.IsCircuitBreakerOpen())
}
