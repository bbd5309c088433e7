package executor

import (
	"math/rand"
	"time"

	"chronos/pkg/models"
)

// backoff computes the delay before attempt number k (0-indexed),
// following the job's configured strategy, then clamps to
// maxRetryDelay and applies jitter if enabled.
func backoff(job *models.Job, k int) time.Duration {
	base := time.Duration(job.RetryDelay) * time.Millisecond
	maxDelay := time.Duration(job.MaxRetryDelay) * time.Millisecond

	var delay time.Duration
	switch job.RetryStrategyName {
	case models.RetryStrategyFixed:
		delay = base
	case models.RetryStrategyLinear:
		delay = base * time.Duration(k+1)
	case models.RetryStrategyFibonacci:
		delay = base * time.Duration(fib(k+1))
	case models.RetryStrategyExponential:
		fallthrough
	default:
		delay = base * time.Duration(pow2(k))
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if job.Jitter {
		const jitterFactor = 0.2
		factor := 1 - jitterFactor + rand.Float64()*(2*jitterFactor)
		delay = time.Duration(float64(delay) * factor)
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}

func pow2(k int) int64 {
	if k < 0 {
		return 1
	}
	var r int64 = 1
	for i := 0; i < k; i++ {
		r *= 2
	}
	return r
}

// fib(1) = fib(2) = 1, per spec.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
