package pkg

import (
	"fmt"
	"time"
)

// Shared identifiers and status payloads exchanged between workers and the coordinator

// WorkerID identifies a worker process for the duration of a job. Zero is never assigned.
type WorkerID uint64

// TreeletID identifies a treelet of the scene's acceleration structure
type TreeletID uint32

func (w WorkerID) String() string {
	return fmt.Sprintf("W%d", w)
}

// Bounds is a half-open pixel rectangle [MinX,MaxX) x [MinY,MaxY)
type Bounds struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// Empty reports whether the rectangle covers no pixels
func (b Bounds) Empty() bool {
	return b.MaxX <= b.MinX || b.MaxY <= b.MinY
}

// Area returns the number of pixels covered
func (b Bounds) Area() int {
	if b.Empty() {
		return 0
	}
	return (b.MaxX - b.MinX) * (b.MaxY - b.MinY)
}

// WorkerStats is the periodic report a worker sends to the coordinator
type WorkerStats struct {
	WorkerID         WorkerID  `json:"worker_id"`
	RayQueue         int       `json:"ray_queue"`
	PendingQueueSize int       `json:"pending_queue_size"`
	OutQueueSize     int       `json:"out_queue_size"`
	FinishedRays     uint64    `json:"finished_rays"`
	DroppedRays      uint64    `json:"dropped_rays"`
	TracedRays       uint64    `json:"traced_rays"`
	ShadedRays       uint64    `json:"shaded_rays"`
	SentRays         uint64    `json:"sent_rays"`
	ReceivedRays     uint64    `json:"received_rays"`
	ResidentTreelets int       `json:"resident_treelets"`
	GenerationDone   bool      `json:"generation_done"`
	Idle             bool      `json:"idle"`
	Timestamp        time.Time `json:"timestamp"`
}
