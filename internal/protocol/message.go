package protocol

import (
	"errors"
	"fmt"
	"time"

	"cloudrt/pkg"

	"github.com/bytedance/sonic"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame too large")
	// ErrUnexpectedMessage is a valid message sent to a side or in a state that does not
	// accept it
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrHandshake         = errors.New("handshake rejected")
)

// MessageType is the one-byte tag in front of every payload
type MessageType uint8

const (
	TypeHey MessageType = iota + 1
	TypeConnectionRequest
	TypeConnectionResponse
	TypeSendRays
	TypeTreeletOwnership
	TypeGetWorker
	TypeGetObjects
	TypeGenerateRays
	TypeWorkerStats
	TypeHeartbeat
	TypeBye

	typeEnd
)

var typeNames = map[MessageType]string{
	TypeHey:                "Hey",
	TypeConnectionRequest:  "ConnectionRequest",
	TypeConnectionResponse: "ConnectionResponse",
	TypeSendRays:           "SendRays",
	TypeTreeletOwnership:   "TreeletOwnership",
	TypeGetWorker:          "GetWorker",
	TypeGetObjects:         "GetObjects",
	TypeGenerateRays:       "GenerateRays",
	TypeWorkerStats:        "WorkerStats",
	TypeHeartbeat:          "Heartbeat",
	TypeBye:                "Bye",
}

// Valid reports whether t is a declared message type
func (t MessageType) Valid() bool {
	return t >= TypeHey && t < typeEnd
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is one decoded frame
type Message struct {
	Type    MessageType
	Payload []byte
}

// Hey registers a worker with the coordinator. The coordinator answers with a Hey carrying
// the assigned worker id and the job context.
type Hey struct {
	JobContext string       `json:"job_context,omitempty"`
	WorkerID   pkg.WorkerID `json:"worker_id,omitempty"`
	Address    string       `json:"address"`
}

// ConnectionRequest opens a peer connection
type ConnectionRequest struct {
	JobContext string          `json:"job_context"`
	WorkerID   pkg.WorkerID    `json:"worker_id"`
	Address    string          `json:"address"`
	Treelets   []pkg.TreeletID `json:"treelets,omitempty"`
}

// ConnectionResponse completes the peer handshake
type ConnectionResponse struct {
	JobContext string          `json:"job_context"`
	WorkerID   pkg.WorkerID    `json:"worker_id"`
	Treelets   []pkg.TreeletID `json:"treelets,omitempty"`
}

// TreeletOwnership announces that a worker holds a treelet
type TreeletOwnership struct {
	Treelet  pkg.TreeletID `json:"treelet"`
	WorkerID pkg.WorkerID  `json:"worker_id"`
	Address  string        `json:"address"`
}

// GetWorker asks the coordinator who owns a treelet
type GetWorker struct {
	Treelet pkg.TreeletID `json:"treelet"`
}

// GetObjects assigns a treelet to the receiving worker. Objects lists the storage names to
// load, dependencies first, the treelet itself last.
type GetObjects struct {
	Treelet pkg.TreeletID `json:"treelet"`
	Objects []string      `json:"objects"`
}

// GenerateRays hands a worker the crop window it generates camera rays for
type GenerateRays struct {
	Crop            pkg.Bounds    `json:"crop"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	SamplesPerPixel int           `json:"samples_per_pixel"`
	MaxDepth        int           `json:"max_depth"`
	Root            pkg.TreeletID `json:"root"`
}

// Heartbeat keeps the coordinator connection alive in both directions
type Heartbeat struct {
	WorkerID  pkg.WorkerID `json:"worker_id"`
	Timestamp time.Time    `json:"timestamp"`
}

// Bye tells a worker to finish, or tells the coordinator a worker is leaving
type Bye struct {
	Reason string `json:"reason,omitempty"`
}

// Encode serializes a control payload. SendRays carries its binary batch as is.
func Encode(t MessageType, payload any) (Message, error) {
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}
	if raw, ok := payload.([]byte); ok {
		return Message{Type: t, Payload: raw}, nil
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// Decode parses a control payload into out
func Decode(msg Message, out any) error {
	if err := sonic.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, msg.Type, err)
	}
	return nil
}
