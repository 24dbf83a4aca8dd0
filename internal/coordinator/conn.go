package coordinator

import (
	"errors"
	"sync"

	"cloudrt/internal/protocol"
	"cloudrt/pkg"
)

var errSendQueueFull = errors.New("send queue full")

// workerConn is the coordinator side of one worker connection
type workerConn struct {
	conn *protocol.Conn
	id   pkg.WorkerID

	out       chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newWorkerConn(c *protocol.Conn) *workerConn {
	return &workerConn{
		conn:   c,
		out:    make(chan protocol.Message, 1024),
		closed: make(chan struct{}),
	}
}

func (wc *workerConn) send(t protocol.MessageType, payload any) error {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	select {
	case <-wc.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case wc.out <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

func (wc *workerConn) close() {
	wc.closeOnce.Do(func() {
		close(wc.closed)
		wc.conn.Close()
	})
}

type event interface{ isEvent() }

type acceptEvent struct{ conn *workerConn }

type messageEvent struct {
	conn *workerConn
	msg  protocol.Message
}

type closeEvent struct {
	conn *workerConn
	err  error
}

type tickEvent struct{}

func (acceptEvent) isEvent()  {}
func (messageEvent) isEvent() {}
func (closeEvent) isEvent()   {}
func (tickEvent) isEvent()    {}
