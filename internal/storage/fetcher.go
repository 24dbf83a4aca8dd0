package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how hard the fetcher tries before reporting a failure
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxRetries:      5,
	AttemptTimeout:  30 * time.Second,
}

// GetResult is delivered once per requested name
type GetResult struct {
	Name     string
	Data     []byte
	Attempts int
	Err      error
}

// PutRequest is one blob to write
type PutRequest struct {
	Name string
	Data []byte
}

// PutResult is delivered once per write
type PutResult struct {
	Name     string
	Attempts int
	Err      error
}

// Fetcher runs batched storage operations in the background and reports each completion
// through a callback. Callbacks run on fetcher goroutines.
type Fetcher struct {
	backend Backend
	policy  RetryPolicy
	sem     chan struct{}
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewFetcher creates a fetcher allowing at most maxInFlight concurrent operations
func NewFetcher(backend Backend, policy RetryPolicy, maxInFlight int, log zerolog.Logger) *Fetcher {
	if policy.MaxRetries == 0 && policy.InitialInterval == 0 {
		policy = DefaultRetryPolicy
	}
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Fetcher{
		backend: backend,
		policy:  policy,
		sem:     make(chan struct{}, maxInFlight),
		log:     log,
	}
}

// Get fetches every name, calling done once per name
func (f *Fetcher) Get(ctx context.Context, names []string, done func(GetResult)) {
	for _, name := range names {
		f.wg.Add(1)
		go func(name string) {
			defer f.wg.Done()
			res := GetResult{Name: name}
			res.Attempts, res.Err = f.retry(ctx, "get", name, func(ctx context.Context) error {
				data, err := f.backend.Get(ctx, name)
				res.Data = data
				return err
			})
			done(res)
		}(name)
	}
}

// Put writes every request, calling done once per request
func (f *Fetcher) Put(ctx context.Context, reqs []PutRequest, done func(PutResult)) {
	for _, req := range reqs {
		f.wg.Add(1)
		go func(req PutRequest) {
			defer f.wg.Done()
			res := PutResult{Name: req.Name}
			res.Attempts, res.Err = f.retry(ctx, "put", req.Name, func(ctx context.Context) error {
				return f.backend.Put(ctx, req.Name, req.Data)
			})
			if done != nil {
				done(res)
			}
		}(req)
	}
}

// Wait blocks until every outstanding operation has completed
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) retry(ctx context.Context, op, name string, fn func(context.Context) error) (int, error) {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-f.sem }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.policy.InitialInterval
	b.MaxInterval = f.policy.MaxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx := ctx
		if f.policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, f.policy.AttemptTimeout)
			defer cancel()
		}
		return fn(attemptCtx)
	}
	notify := func(err error, wait time.Duration) {
		f.log.Warn().
			Err(err).
			Str("op", op).
			Str("object", name).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("storage operation failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.policy.MaxRetries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return attempts, fmt.Errorf("%s %s failed after %d attempts: %w", op, name, attempts, err)
	}
	return attempts, nil
}
