package film

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloudrt/internal/raystate"
	"cloudrt/internal/storage"
	"cloudrt/pkg"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const (
	SamplesPrefix    = "samples/"
	CheckpointPrefix = "checkpoint/"
	// CurrentJobKey names the blob holding the id of the most recently started job
	CurrentJobKey = "jobs/current"
)

// ErrNoJob is returned when no job id was given and the store has no current job
var ErrNoJob = errors.New("no job recorded in store")

func samplesPrefix(job string) string    { return SamplesPrefix + job + "/" }
func checkpointPrefix(job string) string { return CheckpointPrefix + job + "/" }

// SetCurrentJob records job as the one a later aggregate reads by default
func SetCurrentJob(ctx context.Context, store storage.Backend, job string) error {
	if err := store.Put(ctx, CurrentJobKey, []byte(job)); err != nil {
		return fmt.Errorf("failed to record job %s: %w", job, err)
	}
	return nil
}

// CurrentJob returns the id recorded by SetCurrentJob
func CurrentJob(ctx context.Context, store storage.Backend) (string, error) {
	data, err := store.Get(ctx, CurrentJobKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNoJob
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current job: %w", err)
	}
	return string(data), nil
}

// SampleWriter names and encodes finished-sample batches of one worker
type SampleWriter struct {
	job    string
	worker pkg.WorkerID
	seq    uint64
}

func NewSampleWriter(job string, worker pkg.WorkerID) *SampleWriter {
	return &SampleWriter{job: job, worker: worker}
}

// Batch encodes samples as the next blob samples/<job>/<worker>/<seq>
func (w *SampleWriter) Batch(samples []raystate.FinishedRay) (storage.PutRequest, error) {
	data, err := sonic.Marshal(samples)
	if err != nil {
		return storage.PutRequest{}, fmt.Errorf("failed to encode samples: %w", err)
	}
	name := fmt.Sprintf("%s%d/%d", samplesPrefix(w.job), uint64(w.worker), w.seq)
	w.seq++
	return storage.PutRequest{Name: name, Data: data}, nil
}

// Checkpoint encodes in-flight ray states as checkpoint/<job>/<worker>/<uuid>
func Checkpoint(job string, worker pkg.WorkerID, states []raystate.RayState) storage.PutRequest {
	return storage.PutRequest{
		Name: fmt.Sprintf("%s%d/%s", checkpointPrefix(job), uint64(worker), uuid.NewString()),
		Data: raystate.MarshalBatch(states),
	}
}

// Aggregate merges every sample batch persisted for job into f and returns the number of
// samples that landed on it
func Aggregate(ctx context.Context, store storage.Backend, job string, f *Film) (int, error) {
	names, err := store.List(ctx, samplesPrefix(job))
	if err != nil {
		return 0, fmt.Errorf("failed to list samples: %w", err)
	}

	total := 0
	for _, name := range names {
		data, err := store.Get(ctx, name)
		if err != nil {
			return total, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var samples []raystate.FinishedRay
		if err := sonic.Unmarshal(data, &samples); err != nil {
			return total, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		total += f.AddFinished(samples)
	}
	return total, nil
}

// ReadCheckpoints loads every ray state checkpointed for job, grouped by blob name
func ReadCheckpoints(ctx context.Context, store storage.Backend, job string) (map[string][]raystate.RayState, error) {
	prefix := checkpointPrefix(job)
	names, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make(map[string][]raystate.RayState, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		data, err := store.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		states, err := raystate.UnmarshalBatch(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		out[name] = states
	}
	return out, nil
}
