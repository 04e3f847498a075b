package embeddings

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const defaultEmbedTimeout = 5 * time.Second

// Resilient wraps a provider with a per-call timeout and a single
// backoff retry on unavailability. Input validation errors and context
// cancellation are not retried.
type Resilient struct {
	inner   Provider
	timeout time.Duration
}

// NewResilient wraps the provider. A zero timeout uses the default.
func NewResilient(inner Provider, timeout time.Duration) *Resilient {
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	return &Resilient{inner: inner, timeout: timeout}
}

func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := r.do(ctx, func(callCtx context.Context) error {
		var err error
		out, err = r.inner.EmbedQuery(callCtx, text)
		return err
	})
	return out, err
}

func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := r.do(ctx, func(callCtx context.Context) error {
		var err error
		out, err = r.inner.EmbedDocuments(callCtx, texts)
		return err
	})
	return out, err
}

func (r *Resilient) do(ctx context.Context, call func(context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		err := call(callCtx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			return retry.RetryableError(errors.Join(ErrUnavailable, err))
		case errors.Is(err, ErrUnavailable):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
}

func (r *Resilient) Dimension() int { return r.inner.Dimension() }

func (r *Resilient) Close() error { return r.inner.Close() }

// Ensure Resilient implements Provider.
var _ Provider = (*Resilient)(nil)
