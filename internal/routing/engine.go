package routing

import (
	"fmt"
	"slices"
	"time"

	"cloudrt/internal/raystate"
	"cloudrt/internal/tracer"
	"cloudrt/pkg"

	"github.com/rs/zerolog"
)

// Sender is the connection layer as seen by the engine
type Sender interface {
	// Connected reports whether the handshake with peer has completed both ways
	Connected(peer pkg.WorkerID) bool
	// SendRays queues one serialized ray batch for peer
	SendRays(peer pkg.WorkerID, batch []byte, count int) error
}

// Counters is a snapshot of queue sizes and lifetime totals
type Counters struct {
	RayQueue         int
	PendingQueueSize int
	OutQueueSize     int
	FinishedQueue    int

	Finished uint64
	Dropped  uint64
	Traced   uint64
	Shaded   uint64
	Sent     uint64
}

// Engine maps every ray state to exactly one queue and drives trace/shade for resident
// treelets. It is not safe for concurrent use: one goroutine owns it.
type Engine struct {
	self       pkg.WorkerID
	integrator tracer.Integrator
	scene      *tracer.SceneData
	log        zerolog.Logger

	resident map[pkg.TreeletID]*tracer.Treelet

	rayQueue      fifo
	pendingQueue  map[pkg.TreeletID]*fifo
	outQueue      map[pkg.TreeletID]*fifo
	finishedQueue fifo

	pendingQueueSize int
	outQueueSize     int

	neededTreelets    map[pkg.TreeletID]struct{}
	requestedTreelets map[pkg.TreeletID]time.Time
	treeletToWorker   map[pkg.TreeletID][]pkg.WorkerID
	nextOwner         map[pkg.TreeletID]int

	finished uint64
	dropped  uint64
	traced   uint64
	shaded   uint64
	sent     uint64
}

// NewEngine creates an engine for worker self
func NewEngine(self pkg.WorkerID, integrator tracer.Integrator, scene *tracer.SceneData, log zerolog.Logger) *Engine {
	return &Engine{
		self:              self,
		integrator:        integrator,
		scene:             scene,
		log:               log.With().Str("component", "routing").Logger(),
		resident:          make(map[pkg.TreeletID]*tracer.Treelet),
		pendingQueue:      make(map[pkg.TreeletID]*fifo),
		outQueue:          make(map[pkg.TreeletID]*fifo),
		neededTreelets:    make(map[pkg.TreeletID]struct{}),
		requestedTreelets: make(map[pkg.TreeletID]time.Time),
		treeletToWorker:   make(map[pkg.TreeletID][]pkg.WorkerID),
		nextOwner:         make(map[pkg.TreeletID]int),
	}
}

// SetSelf sets the worker id once the coordinator has assigned it
func (e *Engine) SetSelf(id pkg.WorkerID) {
	e.self = id
}

// Enqueue classifies a ray state and moves it into its queue. A shade-eligible ray whose hit
// treelet is resident is shaded immediately and never enters the ready queue.
func (e *Engine) Enqueue(rs raystate.RayState) error {
	switch rs.Classify() {
	case raystate.NeedsTrace:
		e.route(rs.ToVisit[0], rs)
		return nil
	case raystate.NeedsShade:
		if t, ok := e.resident[rs.Hit.Treelet]; ok {
			return e.shade(rs, t)
		}
		e.route(rs.Hit.Treelet, rs)
		return nil
	case raystate.FinishedVisible:
		e.finishedQueue.Push(rs)
		e.finished++
		return nil
	case raystate.FinishedOccluded:
		e.dropped++
		return nil
	case raystate.Invalid:
		return violation(rs, "radiance ray finished traversal without a hit record")
	}
	return violation(rs, "unknown classification %s", rs.Classify())
}

func (e *Engine) route(id pkg.TreeletID, rs raystate.RayState) {
	if _, ok := e.resident[id]; ok {
		e.rayQueue.Push(rs)
		return
	}
	if len(e.treeletToWorker[id]) > 0 {
		queueFor(e.outQueue, id).Push(rs)
		e.outQueueSize++
		return
	}
	queueFor(e.pendingQueue, id).Push(rs)
	e.pendingQueueSize++
	if _, requested := e.requestedTreelets[id]; !requested {
		e.neededTreelets[id] = struct{}{}
	}
}

// DrainReady processes up to budget ray states from the ready queue and re-enqueues every
// result. It returns how many were taken off the ready queue.
func (e *Engine) DrainReady(budget int) (int, error) {
	n := 0
	for n < budget {
		rs, ok := e.rayQueue.Pop()
		if !ok {
			break
		}
		n++
		if err := e.process(rs); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (e *Engine) process(rs raystate.RayState) error {
	switch rs.Classify() {
	case raystate.NeedsTrace:
		t, ok := e.resident[rs.ToVisit[0]]
		if !ok {
			return violation(rs, "ready ray needs non-resident treelet %d", rs.ToVisit[0])
		}
		out, err := e.integrator.Trace(rs, t)
		if err != nil {
			return fmt.Errorf("trace on treelet %d failed: %w", t.ID, err)
		}
		e.traced++
		return e.Enqueue(out)
	case raystate.NeedsShade:
		t, ok := e.resident[rs.Hit.Treelet]
		if !ok {
			return violation(rs, "ready ray hit non-resident treelet %d", rs.Hit.Treelet)
		}
		return e.shade(rs, t)
	case raystate.FinishedVisible, raystate.FinishedOccluded, raystate.Invalid:
		return e.Enqueue(rs)
	}
	return violation(rs, "unknown classification %s", rs.Classify())
}

func (e *Engine) shade(rs raystate.RayState, t *tracer.Treelet) error {
	out, err := e.integrator.Shade(rs, t, e.scene)
	if err != nil {
		return fmt.Errorf("shade on treelet %d failed: %w", t.ID, err)
	}
	e.shaded++
	for _, next := range out {
		if err := e.Enqueue(next); err != nil {
			return err
		}
	}
	return nil
}

// OnTreeletFetched makes t resident and releases every ray waiting for it, in order
func (e *Engine) OnTreeletFetched(t *tracer.Treelet) int {
	e.resident[t.ID] = t
	delete(e.neededTreelets, t.ID)
	delete(e.requestedTreelets, t.ID)

	moved := 0
	if q, ok := e.pendingQueue[t.ID]; ok {
		n := q.Len()
		for _, rs := range q.Drain() {
			e.rayQueue.Push(rs)
		}
		delete(e.pendingQueue, t.ID)
		e.pendingQueueSize -= n
		moved += n
	}
	// local work beats a network hop
	if q, ok := e.outQueue[t.ID]; ok {
		n := q.Len()
		for _, rs := range q.Drain() {
			e.rayQueue.Push(rs)
		}
		delete(e.outQueue, t.ID)
		e.outQueueSize -= n
		moved += n
	}

	e.log.Debug().Uint32("treelet", uint32(t.ID)).Int("released", moved).Msg("Treelet resident")
	return moved
}

// OnOwnershipAnnounced records that worker owns treelet and moves rays pending on it to
// the outbound queue. Announcements about this worker itself are ignored.
func (e *Engine) OnOwnershipAnnounced(treelet pkg.TreeletID, worker pkg.WorkerID) int {
	if worker == e.self {
		return 0
	}
	if owners := e.treeletToWorker[treelet]; !slices.Contains(owners, worker) {
		e.treeletToWorker[treelet] = append(owners, worker)
	}
	if _, ok := e.resident[treelet]; ok {
		return 0
	}

	delete(e.neededTreelets, treelet)
	delete(e.requestedTreelets, treelet)

	q, ok := e.pendingQueue[treelet]
	if !ok {
		return 0
	}
	n := q.Len()
	out := queueFor(e.outQueue, treelet)
	for _, rs := range q.Drain() {
		out.Push(rs)
	}
	delete(e.pendingQueue, treelet)
	e.pendingQueueSize -= n
	e.outQueueSize += n
	return n
}

// OnPeerLost forgets every ownership record of worker. Outbound rays for treelets left
// without an owner go back to pending and those treelets become needed again.
func (e *Engine) OnPeerLost(worker pkg.WorkerID) []pkg.TreeletID {
	var orphaned []pkg.TreeletID
	for id, owners := range e.treeletToWorker {
		idx := slices.Index(owners, worker)
		if idx < 0 {
			continue
		}
		owners = slices.Delete(owners, idx, idx+1)
		if len(owners) > 0 {
			e.treeletToWorker[id] = owners
			continue
		}
		delete(e.treeletToWorker, id)
		delete(e.nextOwner, id)
		delete(e.requestedTreelets, id)

		q, ok := e.outQueue[id]
		if !ok {
			continue
		}
		n := q.Len()
		pending := queueFor(e.pendingQueue, id)
		for _, rs := range q.Drain() {
			pending.Push(rs)
		}
		delete(e.outQueue, id)
		e.outQueueSize -= n
		e.pendingQueueSize += n

		e.neededTreelets[id] = struct{}{}
		orphaned = append(orphaned, id)
	}
	slices.Sort(orphaned)
	return orphaned
}

type outboundBatch struct {
	treelets []pkg.TreeletID
	rays     []raystate.RayState
}

// FlushOutbound hands every outbound queue to the sender, one message per peer. Treelets
// with no connected owner keep their rays queued. It returns the number of rays handed off.
func (e *Engine) FlushOutbound(sender Sender) int {
	batches := make(map[pkg.WorkerID]*outboundBatch)
	for _, id := range sortedTreelets(e.outQueue) {
		q := e.outQueue[id]
		if q.Len() == 0 {
			delete(e.outQueue, id)
			continue
		}
		owner, ok := e.pickOwner(id, sender)
		if !ok {
			continue
		}
		b, ok := batches[owner]
		if !ok {
			b = &outboundBatch{}
			batches[owner] = b
		}
		n := q.Len()
		b.rays = append(b.rays, q.Drain()...)
		b.treelets = append(b.treelets, id)
		delete(e.outQueue, id)
		e.outQueueSize -= n
	}

	peers := make([]pkg.WorkerID, 0, len(batches))
	for peer := range batches {
		peers = append(peers, peer)
	}
	slices.Sort(peers)

	sent := 0
	for _, peer := range peers {
		b := batches[peer]
		if err := sender.SendRays(peer, raystate.MarshalBatch(b.rays), len(b.rays)); err != nil {
			e.log.Warn().Err(err).Stringer("peer", peer).Int("rays", len(b.rays)).Msg("Ray batch hand-off failed, requeueing")
			for _, rs := range b.rays {
				id, _ := rs.NextTreelet()
				queueFor(e.outQueue, id).Push(rs)
				e.outQueueSize++
			}
			continue
		}
		sent += len(b.rays)
		e.sent += uint64(len(b.rays))
	}
	return sent
}

// Reclaim takes back rays that were handed to the sender but never left this worker. They
// stop counting as sent and are classified again.
func (e *Engine) Reclaim(states []raystate.RayState) error {
	n := uint64(len(states))
	if n > e.sent {
		return fmt.Errorf("reclaiming %d rays but only %d were sent", n, e.sent)
	}
	e.sent -= n
	for _, rs := range states {
		if err := e.Enqueue(rs); err != nil {
			return err
		}
	}
	return nil
}

// pickOwner rotates through the connected owners of a treelet
func (e *Engine) pickOwner(id pkg.TreeletID, sender Sender) (pkg.WorkerID, bool) {
	var connected []pkg.WorkerID
	for _, w := range e.treeletToWorker[id] {
		if sender.Connected(w) {
			connected = append(connected, w)
		}
	}
	if len(connected) == 0 {
		return 0, false
	}
	i := e.nextOwner[id] % len(connected)
	e.nextOwner[id]++
	return connected[i], true
}

// NeededTreelets lists treelets with waiting rays that have not been requested yet
func (e *Engine) NeededTreelets() []pkg.TreeletID {
	out := make([]pkg.TreeletID, 0, len(e.neededTreelets))
	for id := range e.neededTreelets {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// MarkRequested moves id from needed to requested
func (e *Engine) MarkRequested(id pkg.TreeletID, now time.Time) {
	delete(e.neededTreelets, id)
	e.requestedTreelets[id] = now
}

// ExpireRequests returns requests older than timeout to the needed set
func (e *Engine) ExpireRequests(now time.Time, timeout time.Duration) []pkg.TreeletID {
	var expired []pkg.TreeletID
	for id, at := range e.requestedTreelets {
		if now.Sub(at) < timeout {
			continue
		}
		delete(e.requestedTreelets, id)
		e.neededTreelets[id] = struct{}{}
		expired = append(expired, id)
	}
	slices.Sort(expired)
	return expired
}

// PopFinished removes up to n finished ray states, all of them when n <= 0
func (e *Engine) PopFinished(n int) []raystate.RayState {
	if n <= 0 || n >= e.finishedQueue.Len() {
		return e.finishedQueue.Drain()
	}
	out := make([]raystate.RayState, 0, n)
	for i := 0; i < n; i++ {
		rs, _ := e.finishedQueue.Pop()
		out = append(out, rs)
	}
	return out
}

// InFlight removes every ray state that is neither finished nor handed to a peer: ready,
// pending and outbound, in that order
func (e *Engine) InFlight() []raystate.RayState {
	out := e.rayQueue.Drain()
	for _, id := range sortedTreelets(e.pendingQueue) {
		out = append(out, e.pendingQueue[id].Drain()...)
	}
	for _, id := range sortedTreelets(e.outQueue) {
		out = append(out, e.outQueue[id].Drain()...)
	}
	clear(e.pendingQueue)
	clear(e.outQueue)
	clear(e.neededTreelets)
	clear(e.requestedTreelets)
	e.pendingQueueSize = 0
	e.outQueueSize = 0
	return out
}

func (e *Engine) Counters() Counters {
	return Counters{
		RayQueue:         e.rayQueue.Len(),
		PendingQueueSize: e.pendingQueueSize,
		OutQueueSize:     e.outQueueSize,
		FinishedQueue:    e.finishedQueue.Len(),
		Finished:         e.finished,
		Dropped:          e.dropped,
		Traced:           e.traced,
		Shaded:           e.shaded,
		Sent:             e.sent,
	}
}

// Backlogged reports whether ray generation should pause
func (e *Engine) Backlogged(maxPending, maxOut int) bool {
	return e.pendingQueueSize >= maxPending || e.outQueueSize >= maxOut
}

// Idle reports whether no ray work is left in the ready, pending or outbound queues
func (e *Engine) Idle() bool {
	return e.rayQueue.Len() == 0 && e.pendingQueueSize == 0 && e.outQueueSize == 0
}

// Resident reports whether treelet id is loaded
func (e *Engine) Resident(id pkg.TreeletID) bool {
	_, ok := e.resident[id]
	return ok
}

// ResidentTreelets lists loaded treelets in id order
func (e *Engine) ResidentTreelets() []pkg.TreeletID {
	out := make([]pkg.TreeletID, 0, len(e.resident))
	for id := range e.resident {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Owners returns the peers known to own treelet id
func (e *Engine) Owners(id pkg.TreeletID) []pkg.WorkerID {
	return slices.Clone(e.treeletToWorker[id])
}

func queueFor(m map[pkg.TreeletID]*fifo, id pkg.TreeletID) *fifo {
	q, ok := m[id]
	if !ok {
		q = &fifo{}
		m[id] = q
	}
	return q
}

func sortedTreelets(m map[pkg.TreeletID]*fifo) []pkg.TreeletID {
	ids := make([]pkg.TreeletID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
