package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"cloudrt/internal/config"
	"cloudrt/internal/film"
	"cloudrt/internal/manifest"
	"cloudrt/internal/protocol"
	"cloudrt/internal/raystate"
	"cloudrt/internal/routing"
	"cloudrt/internal/storage"
	"cloudrt/internal/tracer"
	"cloudrt/pkg"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrCoordinatorLost is fatal: without the coordinator a worker cannot learn ownership or
// termination
var ErrCoordinatorLost = errors.New("coordinator connection lost")

// FetchError reports a scene object that could not be loaded within the retry budget
type FetchError struct {
	Treelet  pkg.TreeletID
	Object   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s for treelet %d after %d attempts: %v", e.Object, e.Treelet, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PeerState is the handshake state of a peer record
type PeerState uint8

const (
	Connecting PeerState = iota
	Connected
)

func (s PeerState) String() string {
	if s == Connected {
		return "connected"
	}
	return "connecting"
}

// peer is everything this worker knows about another worker. Records are never removed
// during a job.
type peer struct {
	id       pkg.WorkerID
	address  string
	state    PeerState
	treelets map[pkg.TreeletID]struct{}

	conn     *peerConn
	dialing  bool
	dialedAt time.Time
	lost     bool
}

// treeletLoad tracks the objects of one treelet being fetched
type treeletLoad struct {
	objects []string
	data    map[string][]byte
}

// Worker is one ray-tracing process. Run owns every field below; the goroutines it starts
// only talk to it through the events channel.
type Worker struct {
	cfg             config.WorkerConfig
	coordinatorAddr string
	store           storage.Backend
	integrator      tracer.Integrator
	log             zerolog.Logger

	id         pkg.WorkerID
	jobContext string
	address    string

	scene    *manifest.SceneManager
	engine   *routing.Engine
	fetcher  *storage.Fetcher
	samples  *film.SampleWriter
	listener net.Listener

	events  chan event
	stopped chan struct{}
	done    chan struct{}

	coordinator   *peerConn
	lastHeard     time.Time
	peers         map[pkg.WorkerID]*peer
	inbound       map[*peerConn]struct{}
	loading       map[pkg.TreeletID]*treeletLoad
	generators    []*tracer.CameraGenerator
	assigned      bool
	pendingPuts   int
	receivedRays  uint64
	stopRequested bool
}

// New creates a worker that registers with the coordinator at coordinatorAddr
func New(cfg config.WorkerConfig, coordinatorAddr string, store storage.Backend, integrator tracer.Integrator, log zerolog.Logger) *Worker {
	scene := manifest.NewSceneManager()
	scene.Init(store)

	w := &Worker{
		cfg:             cfg,
		coordinatorAddr: coordinatorAddr,
		store:           store,
		integrator:      integrator,
		log:             log,
		scene:           scene,
		events:          make(chan event, 1024),
		stopped:         make(chan struct{}),
		done:            make(chan struct{}),
		peers:           make(map[pkg.WorkerID]*peer),
		inbound:         make(map[*peerConn]struct{}),
		loading:         make(map[pkg.TreeletID]*treeletLoad),
	}
	policy := storage.RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     cfg.FetchTimeout,
		MaxRetries:      cfg.FetchRetries,
		AttemptTimeout:  cfg.FetchTimeout,
	}
	w.fetcher = storage.NewFetcher(store, policy, cfg.FetchConcurrency, w.log)
	return w
}

// ID returns the id assigned by the coordinator, zero before registration
func (w *Worker) ID() pkg.WorkerID {
	return w.id
}

// Run registers with the coordinator and serves the job until the coordinator says Bye.
// It returns nil on orderly termination; any other return is fatal.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(w.done)

	listener, err := net.Listen("tcp", w.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.cfg.ListenAddress, err)
	}
	w.listener = listener
	defer listener.Close()

	w.address = w.cfg.PublicAddress
	if w.address == "" {
		w.address = listener.Addr().String()
	}

	if err := w.register(ctx); err != nil {
		return err
	}
	defer w.closeConnections()

	sceneData, err := tracer.LoadSceneData(ctx, w.scene)
	if err != nil {
		return fmt.Errorf("failed to load scene data: %w", err)
	}
	w.engine = routing.NewEngine(w.id, w.integrator, sceneData, w.log)
	w.samples = film.NewSampleWriter(w.jobContext, w.id)

	go w.acceptLoop()
	w.startTimer(ctx, timerPeer, w.cfg.PeerInterval)
	w.startTimer(ctx, timerStats, w.cfg.StatsInterval)
	w.startTimer(ctx, timerStatus, w.cfg.StatusInterval)
	w.startTimer(ctx, timerHeartbeat, w.cfg.HeartbeatInterval)

	w.log.Info().Str("address", w.address).Str("job", w.jobContext).Msg("Worker registered")

	if err := w.loop(ctx); err != nil {
		if routing.IsInvariant(err) {
			w.log.Error().Err(err).Msg("Invariant violated")
		}
		return err
	}
	return w.terminate(ctx)
}

// register dials the coordinator with backoff and completes the Hey exchange
func (w *Worker) register(ctx context.Context) error {
	var conn *protocol.Conn
	dial := func() error {
		c, err := protocol.Dial(w.coordinatorAddr, w.cfg.HandshakeTimeout, w.cfg.MaxFrameBytes)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		w.log.Warn().Err(err).Dur("retry_in", wait).Msg("Coordinator not reachable")
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.cfg.FetchRetries), ctx)
	if err := backoff.RetryNotify(dial, b, notify); err != nil {
		return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(w.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
	}
	if err := conn.Send(protocol.TypeHey, protocol.Hey{Address: w.address}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
	}
	msg, err := conn.Read()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: no registration reply: %v", ErrCoordinatorLost, err)
	}
	var hey protocol.Hey
	if msg.Type != protocol.TypeHey {
		conn.Close()
		return fmt.Errorf("%w: expected Hey, got %s", ErrCoordinatorLost, msg.Type)
	}
	if err := protocol.Decode(msg, &hey); err != nil || hey.WorkerID == 0 {
		conn.Close()
		return fmt.Errorf("%w: invalid registration reply: %v", ErrCoordinatorLost, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
	}

	w.id = hey.WorkerID
	w.jobContext = hey.JobContext
	w.log = w.log.With().Stringer("worker_id", w.id).Logger()
	w.lastHeard = time.Now()

	w.coordinator = newPeerConn(conn, true)
	w.startConn(w.coordinator)
	return nil
}

// post hands an event to the loop unless the worker has stopped
func (w *Worker) post(ev event) {
	select {
	case w.events <- ev:
	case <-w.stopped:
	case <-w.done:
	}
}

func (w *Worker) startConn(pc *peerConn) {
	go func() {
		for {
			msg, err := pc.conn.Read()
			if err != nil {
				w.post(connErrorEvent{conn: pc, err: err})
				return
			}
			w.post(messageEvent{conn: pc, msg: msg})
		}
	}()
	go w.writeLoop(pc)
}

// writeLoop writes queued frames until the connection closes or fails. Frames it never
// wrote, including the one a failed write was carrying, go back to the worker loop.
func (w *Worker) writeLoop(pc *peerConn) {
	defer close(pc.flushed)
	var unsent []protocol.Message
	for done := false; !done; {
		select {
		case msg, ok := <-pc.out:
			if !ok {
				return
			}
			if err := pc.conn.Write(msg); err != nil {
				w.post(connErrorEvent{conn: pc, err: err})
				unsent = append(unsent, msg)
				done = true
			}
		case <-pc.closed:
			done = true
		}
	}
	unsent = append(unsent, pc.takeUnsent()...)
	if len(unsent) > 0 {
		w.post(unsentEvent{conn: pc, msgs: unsent})
	}
}

func (w *Worker) acceptLoop() {
	for {
		c, err := w.listener.Accept()
		if err != nil {
			return
		}
		w.post(acceptEvent{conn: c})
	}
}

func (w *Worker) startTimer(ctx context.Context, kind timerKind, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case at := <-ticker.C:
				w.post(timerEvent{kind: kind, at: at})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// maxEventsPerRound bounds event handling so queued ray work keeps moving
const maxEventsPerRound = 256

func (w *Worker) loop(ctx context.Context) error {
	for !w.stopRequested {
		// block only when there is nothing to do locally
		if !w.busy() {
			select {
			case ev := <-w.events:
				if err := w.handle(ctx, ev); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for i := 0; i < maxEventsPerRound && !w.stopRequested; i++ {
			select {
			case ev := <-w.events:
				if err := w.handle(ctx, ev); err != nil {
					return err
				}
				continue
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			break
		}
		if w.stopRequested {
			return nil
		}

		if err := w.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// step runs one round of local work: generate, trace/shade, forward, request, persist
func (w *Worker) step(ctx context.Context) error {
	w.generate()

	if _, err := w.engine.DrainReady(w.cfg.RayBudget); err != nil {
		return err
	}

	w.engine.FlushOutbound(w)

	now := time.Now()
	for _, id := range w.engine.NeededTreelets() {
		if err := w.coordinator.sendPayload(protocol.TypeGetWorker, protocol.GetWorker{Treelet: id}); err != nil {
			w.log.Warn().Err(err).Uint32("treelet", uint32(id)).Msg("Treelet request deferred")
			break
		}
		w.engine.MarkRequested(id, now)
	}

	return w.persistFinished(ctx)
}

func (w *Worker) busy() bool {
	c := w.engine.Counters()
	return c.RayQueue > 0 || c.FinishedQueue > 0 || w.canGenerate()
}

func (w *Worker) canGenerate() bool {
	if w.engine.Backlogged(w.cfg.MaxPendingRays, w.cfg.MaxOutRays) {
		return false
	}
	for _, g := range w.generators {
		if !g.Done() {
			return true
		}
	}
	return false
}

func (w *Worker) generate() {
	if !w.canGenerate() {
		return
	}
	for _, g := range w.generators {
		if g.Done() {
			continue
		}
		for _, rs := range g.Next(w.cfg.GenerateBatch) {
			// camera rays always need a treelet; Enqueue cannot fail for them
			if err := w.engine.Enqueue(rs); err != nil {
				w.log.Error().Err(err).Msg("Camera ray rejected")
			}
		}
		return
	}
}

func (w *Worker) generationDone() bool {
	if !w.assigned {
		return false
	}
	for _, g := range w.generators {
		if !g.Done() {
			return false
		}
	}
	return true
}

func (w *Worker) idle() bool {
	c := w.engine.Counters()
	return w.engine.Idle() && c.FinishedQueue == 0 && len(w.loading) == 0 && w.pendingPuts == 0
}

func (w *Worker) persistFinished(ctx context.Context) error {
	finished := w.engine.PopFinished(0)
	if len(finished) == 0 {
		return nil
	}
	req, err := w.samples.Batch(toSamples(finished))
	if err != nil {
		return err
	}
	w.pendingPuts++
	w.fetcher.Put(ctx, []storage.PutRequest{req}, func(res storage.PutResult) {
		w.post(putEvent{result: res})
	})
	return nil
}

func toSamples(states []raystate.RayState) []raystate.FinishedRay {
	out := make([]raystate.FinishedRay, len(states))
	for i := range states {
		out[i] = states[i].Finished()
	}
	return out
}

// Connected implements routing.Sender
func (w *Worker) Connected(id pkg.WorkerID) bool {
	p, ok := w.peers[id]
	return ok && p.state == Connected && p.conn != nil && !p.conn.isClosed()
}

// SendRays implements routing.Sender
func (w *Worker) SendRays(id pkg.WorkerID, batch []byte, count int) error {
	p, ok := w.peers[id]
	if !ok || p.conn == nil {
		return fmt.Errorf("no connection to %s", id)
	}
	return p.conn.send(protocol.Message{Type: protocol.TypeSendRays, Payload: batch})
}

func (w *Worker) stats(now time.Time) pkg.WorkerStats {
	c := w.engine.Counters()
	return pkg.WorkerStats{
		WorkerID:         w.id,
		RayQueue:         c.RayQueue,
		PendingQueueSize: c.PendingQueueSize,
		OutQueueSize:     c.OutQueueSize,
		FinishedRays:     c.Finished,
		DroppedRays:      c.Dropped,
		TracedRays:       c.Traced,
		ShadedRays:       c.Shaded,
		SentRays:         c.Sent,
		ReceivedRays:     w.receivedRays,
		ResidentTreelets: len(w.engine.ResidentTreelets()),
		GenerationDone:   w.generationDone(),
		Idle:             w.idle(),
		Timestamp:        now,
	}
}

// terminate flushes finished samples, checkpoints what is still in flight and leaves
func (w *Worker) terminate(ctx context.Context) error {
	if err := w.drainPuts(ctx); err != nil {
		return err
	}
	close(w.stopped)

	w.engine.FlushOutbound(w)

	var reqs []storage.PutRequest
	if finished := w.engine.PopFinished(0); len(finished) > 0 {
		req, err := w.samples.Batch(toSamples(finished))
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	inFlight := w.engine.InFlight()
	if len(inFlight) > 0 {
		reqs = append(reqs, film.Checkpoint(w.jobContext, w.id, inFlight))
	}

	if err := w.putSync(ctx, reqs); err != nil {
		return fmt.Errorf("failed to flush output on termination: %w", err)
	}
	w.fetcher.Wait()

	c := w.engine.Counters()
	ev := w.log.Info()
	if len(inFlight) > 0 {
		ev = w.log.Warn()
	}
	ev.Int("lost_rays", len(inFlight)).
		Uint64("finished", c.Finished).
		Uint64("dropped", c.Dropped).
		Uint64("sent", c.Sent).
		Uint64("received", w.receivedRays).
		Msg("Worker terminating")

	if err := w.coordinator.sendPayload(protocol.TypeBye, protocol.Bye{Reason: "done"}); err != nil {
		w.log.Debug().Err(err).Msg("Coordinator already gone")
	}
	return nil
}

// drainPuts waits for the sample batches already handed to the fetcher. Other events are
// dropped; the loop is over.
func (w *Worker) drainPuts(ctx context.Context) error {
	for w.pendingPuts > 0 {
		select {
		case ev := <-w.events:
			if pe, ok := ev.(putEvent); ok {
				if err := w.handle(ctx, pe); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *Worker) putSync(ctx context.Context, reqs []storage.PutRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	results := make(chan storage.PutResult, len(reqs))
	w.fetcher.Put(ctx, reqs, func(res storage.PutResult) {
		results <- res
	})
	var errs []error
	for range reqs {
		if res := <-results; res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) closeConnections() {
	const drainTimeout = time.Second
	if w.coordinator != nil {
		w.coordinator.drainAndClose(drainTimeout)
	}
	for _, p := range w.peers {
		if p.conn != nil {
			p.conn.drainAndClose(drainTimeout)
		}
	}
	for pc := range w.inbound {
		pc.close()
	}
}
