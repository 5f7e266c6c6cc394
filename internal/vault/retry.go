package vault

import (
	"context"
	"time"
)

const (
	maxRetries   = 2
	retryBackoff = 250 * time.Millisecond
)

// withRetry ejecuta op reintentando solo errores retryable, con backoff
// que duplica en cada intento. El deadline del contexto corta la espera.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := retryBackoff
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !IsRetryable(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
