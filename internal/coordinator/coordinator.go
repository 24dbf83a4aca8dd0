package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"cloudrt/internal/config"
	"cloudrt/internal/film"
	"cloudrt/internal/manifest"
	"cloudrt/internal/protocol"
	"cloudrt/internal/storage"
	"cloudrt/internal/tracer"
	"cloudrt/pkg"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// shutdownGrace bounds how long the coordinator waits for workers to leave after Bye
const shutdownGrace = 30 * time.Second

type workerRecord struct {
	id       pkg.WorkerID
	address  string
	conn     *workerConn
	stats    pkg.WorkerStats
	reported bool
	left     bool
}

// Summary is the job-wide total reported when the coordinator finishes
type Summary struct {
	Workers      int
	Lost         int
	Treelets     int
	FinishedRays uint64
	DroppedRays  uint64
	SentRays     uint64
	ReceivedRays uint64
}

// Coordinator registers workers, hands out crop windows and treelets, and decides when
// the job is over. One goroutine owns all state; connections feed it events.
type Coordinator struct {
	cfg           config.CoordinatorConfig
	render        config.RenderConfig
	maxFrameBytes int
	store         storage.Backend
	scene         *manifest.SceneManager
	log           zerolog.Logger

	jobContext string
	root       pkg.TreeletID
	dir        *Directory
	workers    map[pkg.WorkerID]*workerRecord
	nextID     pkg.WorkerID
	lost       int
	started    bool
	idleRounds int
	stopping   bool
	stopAt     time.Time

	events chan event
	done   chan struct{}
}

// New creates a coordinator for the scene stored in store
func New(cfg config.Config, store storage.Backend, log zerolog.Logger) *Coordinator {
	scene := manifest.NewSceneManager()
	scene.Init(store)
	return &Coordinator{
		cfg:           cfg.Coordinator,
		render:        cfg.Render,
		maxFrameBytes: cfg.Worker.MaxFrameBytes,
		store:         store,
		scene:         scene,
		log:           log,
		jobContext:    uuid.NewString(),
		dir:           NewDirectory(),
		workers:       make(map[pkg.WorkerID]*workerRecord),
		events:        make(chan event, 1024),
		done:          make(chan struct{}),
	}
}

// JobContext returns the id every worker of this job must present to its peers
func (c *Coordinator) JobContext() string {
	return c.jobContext
}

// Run listens on the configured address and serves the job
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	ln, err := net.Listen("tcp", c.cfg.Address)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to listen on %s: %w", c.cfg.Address, err)
	}
	return c.Serve(ctx, ln)
}

// Serve runs the job on an existing listener and closes it on return
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) (Summary, error) {
	defer close(c.done)
	defer ln.Close()

	scene, err := tracer.LoadSceneData(ctx, c.scene)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load scene data: %w", err)
	}
	c.root = pkg.TreeletID(scene.Info.Root)
	if err := film.SetCurrentJob(ctx, c.store, c.jobContext); err != nil {
		return Summary{}, err
	}

	c.log.Info().
		Str("address", ln.Addr().String()).
		Str("job", c.jobContext).
		Int("expected_workers", c.cfg.ExpectedWorkers).
		Msg("Coordinator listening")

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			wc := newWorkerConn(protocol.NewConn(nc, c.maxFrameBytes))
			c.post(acceptEvent{conn: wc})
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(c.cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.post(tickEvent{})
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		for _, w := range c.workers {
			w.conn.close()
		}
	}()

	for {
		select {
		case ev := <-c.events:
			if err := c.handle(ctx, ev); err != nil {
				return c.summary(), err
			}
		case <-ctx.Done():
			return c.summary(), ctx.Err()
		}
		if c.stopping && (c.allLeft() || time.Now().After(c.stopAt)) {
			s := c.summary()
			c.log.Info().
				Int("workers", s.Workers).
				Int("lost_workers", s.Lost).
				Int("treelets", s.Treelets).
				Uint64("finished", s.FinishedRays).
				Uint64("dropped", s.DroppedRays).
				Uint64("sent", s.SentRays).
				Uint64("received", s.ReceivedRays).
				Msg("Job finished")
			return s, nil
		}
	}
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) start(wc *workerConn) {
	go func() {
		for {
			msg, err := wc.conn.Read()
			if err != nil {
				c.post(closeEvent{conn: wc, err: err})
				return
			}
			c.post(messageEvent{conn: wc, msg: msg})
		}
	}()
	go func() {
		for {
			select {
			case msg := <-wc.out:
				if err := wc.conn.Write(msg); err != nil {
					c.post(closeEvent{conn: wc, err: err})
					return
				}
			case <-wc.closed:
				return
			}
		}
	}()
}

func (c *Coordinator) handle(ctx context.Context, ev event) error {
	switch ev := ev.(type) {
	case acceptEvent:
		c.start(ev.conn)
	case messageEvent:
		if ev.conn.id == 0 {
			c.register(ev.conn, ev.msg)
			return nil
		}
		w, ok := c.workers[ev.conn.id]
		if !ok || w.left {
			return nil
		}
		return c.handleWorker(ctx, w, ev.msg)
	case closeEvent:
		c.disconnect(ev.conn, ev.err)
	case tickEvent:
		c.tick()
	}
	return nil
}

func (c *Coordinator) register(wc *workerConn, msg protocol.Message) {
	var hey protocol.Hey
	if msg.Type != protocol.TypeHey {
		c.log.Warn().Stringer("type", msg.Type).Str("remote", wc.conn.RemoteAddr()).Msg("Expected Hey, dropping connection")
		wc.close()
		return
	}
	if err := protocol.Decode(msg, &hey); err != nil {
		c.log.Warn().Err(err).Str("remote", wc.conn.RemoteAddr()).Msg("Invalid Hey, dropping connection")
		wc.close()
		return
	}
	if c.started || c.stopping {
		c.log.Warn().Str("remote", wc.conn.RemoteAddr()).Msg("Job already started, rejecting worker")
		wc.close()
		return
	}

	c.nextID++
	wc.id = c.nextID
	w := &workerRecord{id: wc.id, address: hey.Address, conn: wc}
	c.workers[w.id] = w

	if err := wc.send(protocol.TypeHey, protocol.Hey{JobContext: c.jobContext, WorkerID: w.id, Address: hey.Address}); err != nil {
		c.log.Warn().Err(err).Stringer("worker", w.id).Msg("Failed to answer Hey")
	}
	c.log.Info().Stringer("worker", w.id).Str("address", w.address).Int("registered", len(c.workers)).Msg("Worker registered")

	if len(c.workers) >= c.cfg.ExpectedWorkers {
		c.dispatch()
	}
}

// dispatch splits the film into horizontal bands, one per worker in id order
func (c *Coordinator) dispatch() {
	c.started = true
	ids := c.liveWorkers()
	n := len(ids)
	for i, id := range ids {
		crop := pkg.Bounds{
			MinX: 0,
			MinY: i * c.render.Height / n,
			MaxX: c.render.Width,
			MaxY: (i + 1) * c.render.Height / n,
		}
		err := c.workers[id].conn.send(protocol.TypeGenerateRays, protocol.GenerateRays{
			Crop:            crop,
			Width:           c.render.Width,
			Height:          c.render.Height,
			SamplesPerPixel: c.render.SamplesPerPixel,
			MaxDepth:        c.render.MaxDepth,
			Root:            c.root,
		})
		if err != nil {
			c.log.Warn().Err(err).Stringer("worker", id).Msg("Failed to send GenerateRays")
		}
	}
	c.log.Info().Int("workers", n).Int("width", c.render.Width).Int("height", c.render.Height).Msg("Ray generation dispatched")
}

func (c *Coordinator) handleWorker(ctx context.Context, w *workerRecord, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeGetWorker:
		var m protocol.GetWorker
		if err := protocol.Decode(msg, &m); err != nil {
			c.log.Warn().Err(err).Stringer("worker", w.id).Msg("Invalid GetWorker")
			return nil
		}
		return c.lookup(ctx, w, m.Treelet)

	case protocol.TypeTreeletOwnership:
		var m protocol.TreeletOwnership
		if err := protocol.Decode(msg, &m); err != nil {
			c.log.Warn().Err(err).Stringer("worker", w.id).Msg("Invalid TreeletOwnership")
			return nil
		}
		if m.WorkerID != w.id {
			c.log.Warn().Stringer("worker", w.id).Stringer("claimed", m.WorkerID).Msg("Ownership announced for another worker")
			return nil
		}
		if m.Address != "" {
			w.address = m.Address
		}
		if c.dir.Announce(m.Treelet, w.id) {
			c.broadcast(w.id, protocol.TreeletOwnership{Treelet: m.Treelet, WorkerID: w.id, Address: w.address})
		}

	case protocol.TypeWorkerStats:
		var stats pkg.WorkerStats
		if err := protocol.Decode(msg, &stats); err != nil {
			c.log.Warn().Err(err).Stringer("worker", w.id).Msg("Invalid WorkerStats")
			return nil
		}
		w.stats = stats
		w.reported = true

	case protocol.TypeHeartbeat:
		_ = w.conn.send(protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: time.Now()})

	case protocol.TypeBye:
		w.left = true
		c.log.Debug().Stringer("worker", w.id).Msg("Worker left")

	default:
		c.log.Warn().Stringer("type", msg.Type).Stringer("worker", w.id).Msg("Unexpected message from worker")
	}
	return nil
}

// lookup answers GetWorker with the known owners, or assigns the treelet to the requester
func (c *Coordinator) lookup(ctx context.Context, w *workerRecord, treelet pkg.TreeletID) error {
	owners, assigned := c.dir.Lookup(treelet, w.id)
	for _, owner := range owners {
		rec := c.workers[owner]
		if err := w.conn.send(protocol.TypeTreeletOwnership, protocol.TreeletOwnership{
			Treelet:  treelet,
			WorkerID: owner,
			Address:  rec.address,
		}); err != nil {
			c.log.Warn().Err(err).Stringer("worker", w.id).Msg("Failed to send ownership")
		}
	}
	if !assigned {
		return nil
	}

	objects, err := c.objectsFor(ctx, treelet)
	if err != nil {
		return err
	}
	c.log.Debug().Uint32("treelet", uint32(treelet)).Stringer("worker", w.id).Int("objects", len(objects)).Msg("Treelet assigned")
	return w.conn.send(protocol.TypeGetObjects, protocol.GetObjects{Treelet: treelet, Objects: objects})
}

// objectsFor lists the storage names to load for treelet, dependencies first. Treelets
// missing from the manifest load alone.
func (c *Coordinator) objectsFor(ctx context.Context, treelet pkg.TreeletID) ([]string, error) {
	key := manifest.Key(manifest.KindTreelet, uint32(treelet))
	order, err := c.scene.LoadOrder(ctx, key)
	if errors.Is(err, manifest.ErrNotFound) {
		return []string{key.String()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependencies of %s: %w", key, err)
	}
	names := make([]string, len(order))
	for i, k := range order {
		names[i] = k.String()
	}
	return names, nil
}

func (c *Coordinator) broadcast(except pkg.WorkerID, m protocol.TreeletOwnership) {
	for _, id := range c.liveWorkers() {
		if id == except {
			continue
		}
		if err := c.workers[id].conn.send(protocol.TypeTreeletOwnership, m); err != nil {
			c.log.Warn().Err(err).Stringer("worker", id).Msg("Failed to broadcast ownership")
		}
	}
}

func (c *Coordinator) disconnect(wc *workerConn, err error) {
	wc.close()
	w, ok := c.workers[wc.id]
	if !ok || w.left {
		return
	}
	w.left = true
	if c.stopping {
		return
	}

	c.lost++
	orphaned := c.dir.RemoveWorker(w.id)
	ev := c.log.Error()
	if errors.Is(err, io.EOF) {
		ev = c.log.Warn()
	}
	ev.Err(err).Stringer("worker", w.id).Int("orphaned_treelets", len(orphaned)).Msg("Worker lost")
}

// tick counts consecutive rounds in which the whole job looked finished
func (c *Coordinator) tick() {
	if c.stopping {
		return
	}
	if !c.finished() {
		c.idleRounds = 0
		return
	}
	c.idleRounds++
	if c.idleRounds < c.cfg.IdleRounds {
		return
	}

	c.stopping = true
	c.stopAt = time.Now().Add(shutdownGrace)
	for _, id := range c.liveWorkers() {
		if err := c.workers[id].conn.send(protocol.TypeBye, protocol.Bye{Reason: "job finished"}); err != nil {
			c.log.Warn().Err(err).Stringer("worker", id).Msg("Failed to send Bye")
		}
	}
	c.log.Info().Int("rounds", c.idleRounds).Msg("All workers idle, terminating job")
}

// finished reports whether every live worker has generated all its rays and holds no
// work, and, when no worker was lost, every ray sent was also received
func (c *Coordinator) finished() bool {
	if !c.started || c.dir.Loading() > 0 {
		return false
	}
	live := c.liveWorkers()
	if len(live) == 0 {
		return true
	}
	var sent, received uint64
	for _, id := range live {
		w := c.workers[id]
		if !w.reported || !w.stats.GenerationDone || !w.stats.Idle {
			return false
		}
	}
	for _, w := range c.workers {
		sent += w.stats.SentRays
		received += w.stats.ReceivedRays
	}
	return c.lost > 0 || sent == received
}

func (c *Coordinator) liveWorkers() []pkg.WorkerID {
	ids := make([]pkg.WorkerID, 0, len(c.workers))
	for id, w := range c.workers {
		if !w.left {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) allLeft() bool {
	return len(c.liveWorkers()) == 0
}

func (c *Coordinator) summary() Summary {
	s := Summary{Workers: len(c.workers), Lost: c.lost, Treelets: c.dir.Treelets()}
	for _, w := range c.workers {
		s.FinishedRays += w.stats.FinishedRays
		s.DroppedRays += w.stats.DroppedRays
		s.SentRays += w.stats.SentRays
		s.ReceivedRays += w.stats.ReceivedRays
	}
	return s
}
