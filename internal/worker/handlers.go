package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloudrt/internal/protocol"
	"cloudrt/internal/raystate"
	"cloudrt/internal/tracer"
	"cloudrt/pkg"
)

// coordinatorSilence is how many heartbeat intervals may pass without hearing from the
// coordinator before it is declared lost
const coordinatorSilence = 5

func (w *Worker) handle(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case messageEvent:
		if ev.conn.isClosed() {
			return nil
		}
		if ev.conn == w.coordinator {
			return w.handleCoordinator(ctx, ev.msg)
		}
		if err := w.handlePeer(ev.conn, ev.msg); err != nil {
			if !dropsConnection(err) {
				return err
			}
			if !errors.Is(err, io.EOF) {
				w.log.Warn().Err(err).Str("remote", ev.conn.conn.RemoteAddr()).Msg("Dropping peer connection")
			}
			w.dropConn(ev.conn)
		}
	case connErrorEvent:
		if ev.conn == w.coordinator {
			if w.stopRequested {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrCoordinatorLost, ev.err)
		}
		if !ev.conn.isClosed() {
			if !errors.Is(ev.err, io.EOF) {
				w.log.Warn().Err(ev.err).Str("remote", ev.conn.conn.RemoteAddr()).Msg("Peer connection failed")
			}
			w.dropConn(ev.conn)
		}
	case acceptEvent:
		pc := newPeerConn(protocol.NewConn(ev.conn, w.cfg.MaxFrameBytes), false)
		w.inbound[pc] = struct{}{}
		w.startConn(pc)
	case dialEvent:
		w.handleDial(ev)
	case fetchEvent:
		return w.handleFetch(ev)
	case unsentEvent:
		return w.reclaim(ev)
	case putEvent:
		w.pendingPuts--
		if ev.result.Err != nil {
			return fmt.Errorf("failed to persist %s after %d attempts: %w", ev.result.Name, ev.result.Attempts, ev.result.Err)
		}
	case timerEvent:
		return w.handleTimer(ev)
	}
	return nil
}

func (w *Worker) handleCoordinator(ctx context.Context, msg protocol.Message) error {
	w.lastHeard = time.Now()

	switch msg.Type {
	case protocol.TypeTreeletOwnership:
		var m protocol.TreeletOwnership
		if err := protocol.Decode(msg, &m); err != nil {
			return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
		}
		w.learnOwner(m.Treelet, m.WorkerID, m.Address)

	case protocol.TypeGetObjects:
		var m protocol.GetObjects
		if err := protocol.Decode(msg, &m); err != nil {
			return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
		}
		w.startLoad(ctx, m.Treelet, m.Objects)

	case protocol.TypeGenerateRays:
		var m protocol.GenerateRays
		if err := protocol.Decode(msg, &m); err != nil {
			return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
		}
		g := tracer.NewCameraGenerator(m.Width, m.Height, m.Crop, m.SamplesPerPixel, m.Root, m.MaxDepth)
		w.generators = append(w.generators, g)
		w.assigned = true
		w.log.Info().
			Int("min_x", m.Crop.MinX).Int("min_y", m.Crop.MinY).
			Int("max_x", m.Crop.MaxX).Int("max_y", m.Crop.MaxY).
			Int("samples", g.Remaining()).
			Msg("Generating camera rays")

	case protocol.TypeHeartbeat:

	case protocol.TypeBye:
		var m protocol.Bye
		if err := protocol.Decode(msg, &m); err != nil {
			w.log.Debug().Err(err).Msg("Ignoring malformed Bye payload")
		}
		w.log.Info().Str("reason", m.Reason).Msg("Coordinator requested termination")
		w.stopRequested = true

	default:
		w.log.Warn().Stringer("type", msg.Type).Msg("Unexpected message from coordinator")
	}
	return nil
}

// dropsConnection reports whether a peer error only costs the connection it arrived on.
// Anything else is fatal to the worker.
func dropsConnection(err error) bool {
	return protocol.IsProtocolError(err) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, errConnClosed) ||
		errors.Is(err, errQueueFull)
}

// handlePeer processes one message from another worker. Protocol errors drop the
// connection it arrived on; failures of the worker itself are returned unwrapped.
func (w *Worker) handlePeer(pc *peerConn, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeConnectionRequest:
		if pc.outbound {
			return fmt.Errorf("%w: connection request on an outbound connection", protocol.ErrUnexpectedMessage)
		}
		var m protocol.ConnectionRequest
		if err := protocol.Decode(msg, &m); err != nil {
			return err
		}
		if m.JobContext != w.jobContext {
			return fmt.Errorf("%w: job context mismatch: got %q", protocol.ErrHandshake, m.JobContext)
		}
		if m.WorkerID == 0 || m.WorkerID == w.id {
			return fmt.Errorf("%w: invalid peer id %d", protocol.ErrHandshake, m.WorkerID)
		}
		pc.peer = m.WorkerID
		p := w.peer(m.WorkerID)
		if p.address == "" {
			p.address = m.Address
		}
		for _, id := range m.Treelets {
			w.learnOwner(id, m.WorkerID, m.Address)
		}
		return pc.sendPayload(protocol.TypeConnectionResponse, protocol.ConnectionResponse{
			JobContext: w.jobContext,
			WorkerID:   w.id,
			Treelets:   w.engine.ResidentTreelets(),
		})

	case protocol.TypeConnectionResponse:
		if !pc.outbound {
			return fmt.Errorf("%w: connection response on an inbound connection", protocol.ErrUnexpectedMessage)
		}
		var m protocol.ConnectionResponse
		if err := protocol.Decode(msg, &m); err != nil {
			return err
		}
		if m.JobContext != w.jobContext {
			return fmt.Errorf("%w: job context mismatch: got %q", protocol.ErrHandshake, m.JobContext)
		}
		if m.WorkerID != pc.peer {
			return fmt.Errorf("%w: expected peer %s, got %s", protocol.ErrHandshake, pc.peer, m.WorkerID)
		}
		p := w.peer(m.WorkerID)
		p.state = Connected
		p.lost = false
		for _, id := range m.Treelets {
			w.learnOwner(id, m.WorkerID, "")
		}
		w.log.Debug().Stringer("peer", m.WorkerID).Msg("Peer connected")

	case protocol.TypeSendRays:
		states, err := raystate.UnmarshalBatch(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
		}
		w.receivedRays += uint64(len(states))
		for _, rs := range states {
			if err := w.engine.Enqueue(rs); err != nil {
				return fmt.Errorf("failed to enqueue ray from %s: %w", pc.conn.RemoteAddr(), err)
			}
		}

	case protocol.TypeTreeletOwnership:
		var m protocol.TreeletOwnership
		if err := protocol.Decode(msg, &m); err != nil {
			return err
		}
		w.learnOwner(m.Treelet, m.WorkerID, m.Address)

	case protocol.TypeBye:
		return io.EOF

	default:
		return fmt.Errorf("%w: %s from a peer", protocol.ErrUnexpectedMessage, msg.Type)
	}
	return nil
}

// reclaim puts ray batches that never left a failed connection back into the engine
func (w *Worker) reclaim(ev unsentEvent) error {
	n := 0
	for _, msg := range ev.msgs {
		if msg.Type != protocol.TypeSendRays {
			continue
		}
		states, err := raystate.UnmarshalBatch(msg.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode unsent ray batch: %w", err)
		}
		if err := w.engine.Reclaim(states); err != nil {
			return err
		}
		n += len(states)
	}
	if n > 0 {
		w.log.Warn().Stringer("peer", ev.conn.peer).Int("rays", n).Msg("Reclaimed rays from a failed connection")
	}
	return nil
}

func (w *Worker) peer(id pkg.WorkerID) *peer {
	p, ok := w.peers[id]
	if !ok {
		p = &peer{id: id, treelets: make(map[pkg.TreeletID]struct{})}
		w.peers[id] = p
	}
	return p
}

// learnOwner records an ownership announcement and opens a connection to the owner when
// none exists
func (w *Worker) learnOwner(treelet pkg.TreeletID, owner pkg.WorkerID, address string) {
	if owner == w.id || owner == 0 {
		return
	}
	p := w.peer(owner)
	if address != "" {
		p.address = address
	}
	p.treelets[treelet] = struct{}{}
	w.engine.OnOwnershipAnnounced(treelet, owner)

	if p.conn == nil && !p.dialing && p.address != "" {
		w.dial(p)
	}
}

func (w *Worker) dial(p *peer) {
	p.dialing = true
	p.state = Connecting
	p.dialedAt = time.Now()
	id, address := p.id, p.address
	go func() {
		c, err := protocol.Dial(address, w.cfg.HandshakeTimeout, w.cfg.MaxFrameBytes)
		w.post(dialEvent{peer: id, conn: c, err: err})
	}()
}

func (w *Worker) handleDial(ev dialEvent) {
	p := w.peer(ev.peer)
	p.dialing = false
	if ev.err != nil {
		w.log.Warn().Err(ev.err).Stringer("peer", ev.peer).Str("address", p.address).Msg("Failed to dial peer")
		w.losePeer(p)
		return
	}
	if w.stopRequested {
		ev.conn.Close()
		return
	}

	pc := newPeerConn(ev.conn, true)
	pc.peer = p.id
	p.conn = pc
	w.startConn(pc)
	err := pc.sendPayload(protocol.TypeConnectionRequest, protocol.ConnectionRequest{
		JobContext: w.jobContext,
		WorkerID:   w.id,
		Address:    w.address,
		Treelets:   w.engine.ResidentTreelets(),
	})
	if err != nil {
		w.dropConn(pc)
	}
}

// dropConn closes pc. Losing the outbound connection to a peer loses the peer: its
// ownership records are forgotten until the coordinator announces them again.
func (w *Worker) dropConn(pc *peerConn) {
	pc.close()
	if !pc.outbound {
		delete(w.inbound, pc)
		return
	}
	if p, ok := w.peers[pc.peer]; ok && p.conn == pc {
		w.losePeer(p)
	}
}

func (w *Worker) losePeer(p *peer) {
	if p.conn != nil {
		p.conn.close()
		p.conn = nil
	}
	p.state = Connecting
	p.lost = true
	clear(p.treelets)

	orphaned := w.engine.OnPeerLost(p.id)
	w.log.Warn().Stringer("peer", p.id).Int("orphaned_treelets", len(orphaned)).Msg("Peer lost")
}

func (w *Worker) handleTimer(ev timerEvent) error {
	switch ev.kind {
	case timerPeer:
		for _, p := range w.peers {
			if p.conn != nil && p.state == Connecting && ev.at.Sub(p.dialedAt) > w.cfg.HandshakeTimeout {
				w.log.Warn().Stringer("peer", p.id).Msg("Peer handshake timed out")
				w.losePeer(p)
			}
		}
		if expired := w.engine.ExpireRequests(ev.at, w.cfg.FetchTimeout); len(expired) > 0 {
			w.log.Debug().Int("treelets", len(expired)).Msg("Treelet requests expired, asking again")
		}
		if ev.at.Sub(w.lastHeard) > coordinatorSilence*w.cfg.HeartbeatInterval {
			return fmt.Errorf("%w: silent since %s", ErrCoordinatorLost, w.lastHeard.Format(time.RFC3339))
		}

	case timerStats:
		if err := w.coordinator.sendPayload(protocol.TypeWorkerStats, w.stats(ev.at)); err != nil {
			w.log.Warn().Err(err).Msg("Failed to queue worker stats")
		}

	case timerStatus:
		c := w.engine.Counters()
		w.log.Info().
			Int("ray_queue", c.RayQueue).
			Int("pending", c.PendingQueueSize).
			Int("outbound", c.OutQueueSize).
			Uint64("traced", c.Traced).
			Uint64("shaded", c.Shaded).
			Uint64("finished", c.Finished).
			Uint64("sent", c.Sent).
			Uint64("received", w.receivedRays).
			Int("resident", len(w.engine.ResidentTreelets())).
			Int("peers", len(w.peers)).
			Msg("Worker status")

	case timerHeartbeat:
		if err := w.coordinator.sendPayload(protocol.TypeHeartbeat, protocol.Heartbeat{WorkerID: w.id, Timestamp: ev.at}); err != nil {
			w.log.Warn().Err(err).Msg("Failed to queue heartbeat")
		}
	}
	return nil
}
