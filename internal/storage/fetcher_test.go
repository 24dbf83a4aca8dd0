package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend fails the first n Get calls for every name
type flakyBackend struct {
	*MemoryBackend
	mu       sync.Mutex
	failures int
	calls    map[string]int
}

func (f *flakyBackend) Get(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	f.calls[name]++
	n := f.calls[name]
	f.mu.Unlock()
	if n <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.MemoryBackend.Get(ctx, name)
}

func fastPolicy(retries uint64) RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      retries,
	}
}

func collectGets(t *testing.T, f *Fetcher, names []string) map[string]GetResult {
	t.Helper()
	var mu sync.Mutex
	results := make(map[string]GetResult)
	f.Get(context.Background(), names, func(r GetResult) {
		mu.Lock()
		results[r.Name] = r
		mu.Unlock()
	})
	f.Wait()
	return results
}

func TestFetcher_RetriesThenSucceeds(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2, calls: map[string]int{}}
	require.NoError(t, backend.Put(context.Background(), "T1", []byte("one")))
	require.NoError(t, backend.Put(context.Background(), "MAT4", []byte("mat")))

	f := NewFetcher(backend, fastPolicy(5), 2, zerolog.Nop())
	results := collectGets(t, f, []string{"T1", "MAT4"})

	require.Len(t, results, 2)
	assert.NoError(t, results["T1"].Err)
	assert.Equal(t, []byte("one"), results["T1"].Data)
	assert.Equal(t, 3, results["T1"].Attempts)
	assert.Equal(t, []byte("mat"), results["MAT4"].Data)
}

func TestFetcher_ExhaustsRetries(t *testing.T) {
	f := NewFetcher(NewMemoryBackend(), fastPolicy(2), 1, zerolog.Nop())
	results := collectGets(t, f, []string{"T7"})

	res := results["T7"]
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrNotFound)
	assert.Equal(t, 3, res.Attempts)
}

func TestFetcher_Put(t *testing.T) {
	backend := NewMemoryBackend()
	f := NewFetcher(backend, fastPolicy(1), 4, zerolog.Nop())

	var mu sync.Mutex
	var done []string
	f.Put(context.Background(), []PutRequest{
		{Name: "samples/1/0", Data: []byte("a")},
		{Name: "samples/1/1", Data: []byte("b")},
	}, func(r PutResult) {
		assert.NoError(t, r.Err)
		mu.Lock()
		done = append(done, r.Name)
		mu.Unlock()
	})
	f.Wait()

	assert.ElementsMatch(t, []string{"samples/1/0", "samples/1/1"}, done)
	data, err := backend.Get(context.Background(), "samples/1/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)
}
