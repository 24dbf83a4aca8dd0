package worker

import (
	"errors"
	"net"
	"sync"
	"time"

	"cloudrt/internal/protocol"
	"cloudrt/internal/storage"
	"cloudrt/pkg"
)

const sendQueueDepth = 256

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// peerConn is one framed connection. A reader and a writer goroutine move frames between
// the socket and the worker loop; nothing else touches the socket.
type peerConn struct {
	conn     *protocol.Conn
	outbound bool
	// peer is set once the handshake identifies the other side
	peer pkg.WorkerID

	// mu orders sends against the writer's final drain so a queued frame is either
	// written or handed back, never lost
	mu        sync.Mutex
	stopped   bool
	out       chan protocol.Message
	flushed   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeerConn(c *protocol.Conn, outbound bool) *peerConn {
	return &peerConn{
		conn:     c,
		outbound: outbound,
		out:      make(chan protocol.Message, sendQueueDepth),
		flushed:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// send queues msg without blocking the worker loop
func (pc *peerConn) send(msg protocol.Message) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.stopped || pc.isClosed() {
		return errConnClosed
	}
	select {
	case pc.out <- msg:
		return nil
	default:
		return errQueueFull
	}
}

func (pc *peerConn) sendPayload(t protocol.MessageType, payload any) error {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	return pc.send(msg)
}

func (pc *peerConn) isClosed() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.conn.Close()
	})
}

// takeUnsent stops further sends and returns whatever the writer never got to
func (pc *peerConn) takeUnsent() []protocol.Message {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.stopped = true
	var msgs []protocol.Message
	for {
		select {
		case msg, ok := <-pc.out:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// drainAndClose lets the writer finish whatever is still queued, bounded by timeout, then
// closes. Nothing may be sent on pc afterwards.
func (pc *peerConn) drainAndClose(timeout time.Duration) {
	pc.mu.Lock()
	draining := !pc.stopped && !pc.isClosed()
	if draining {
		pc.stopped = true
		close(pc.out)
	}
	pc.mu.Unlock()

	if draining {
		select {
		case <-pc.flushed:
		case <-time.After(timeout):
		}
	}
	pc.close()
}

// The worker loop consumes a closed set of events, all produced by goroutines it started.
type event interface{ isEvent() }

type messageEvent struct {
	conn *peerConn
	msg  protocol.Message
}

type connErrorEvent struct {
	conn *peerConn
	err  error
}

type acceptEvent struct {
	conn net.Conn
}

type dialEvent struct {
	peer pkg.WorkerID
	conn *protocol.Conn
	err  error
}

type fetchEvent struct {
	treelet pkg.TreeletID
	result  storage.GetResult
}

type putEvent struct {
	result storage.PutResult
}

// unsentEvent returns frames that were queued on a connection but never written
type unsentEvent struct {
	conn *peerConn
	msgs []protocol.Message
}

type timerKind uint8

const (
	timerPeer timerKind = iota
	timerStats
	timerStatus
	timerHeartbeat
)

type timerEvent struct {
	kind timerKind
	at   time.Time
}

func (messageEvent) isEvent()   {}
func (connErrorEvent) isEvent() {}
func (acceptEvent) isEvent()    {}
func (dialEvent) isEvent()      {}
func (fetchEvent) isEvent()     {}
func (putEvent) isEvent()       {}
func (unsentEvent) isEvent()    {}
func (timerEvent) isEvent()     {}
