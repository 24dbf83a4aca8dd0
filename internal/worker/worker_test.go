package worker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"cloudrt/internal/config"
	"cloudrt/internal/coordinator"
	"cloudrt/internal/film"
	"cloudrt/internal/protocol"
	"cloudrt/internal/raystate"
	"cloudrt/internal/routing"
	"cloudrt/internal/storage"
	"cloudrt/internal/tracer"
	"cloudrt/pkg"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Coordinator.Address = "127.0.0.1:0"
	cfg.Coordinator.ExpectedWorkers = 2
	cfg.Coordinator.StatsInterval = 20 * time.Millisecond
	cfg.Coordinator.IdleRounds = 3

	cfg.Worker.RayBudget = 64
	cfg.Worker.GenerateBatch = 32
	cfg.Worker.FetchTimeout = time.Second
	cfg.Worker.FetchRetries = 1
	cfg.Worker.HandshakeTimeout = time.Second
	cfg.Worker.PeerInterval = 20 * time.Millisecond
	cfg.Worker.StatsInterval = 10 * time.Millisecond
	cfg.Worker.StatusInterval = time.Second
	cfg.Worker.HeartbeatInterval = time.Second

	cfg.Render = config.RenderConfig{Width: 8, Height: 6, SamplesPerPixel: 2, MaxDepth: 2, Output: "out.png"}
	return cfg
}

func synthStore(t *testing.T, treelets int) *storage.MemoryBackend {
	t.Helper()
	store := storage.NewMemoryBackend()
	opts := tracer.DefaultSynthOptions()
	opts.Treelets = treelets
	opts.Width = 8
	opts.Height = 6
	_, err := tracer.WriteSynthScene(context.Background(), store, opts)
	require.NoError(t, err)
	return store
}

// fakeCoordinator accepts one worker connection and completes registration
func fakeCoordinator(t *testing.T, ln net.Listener, id pkg.WorkerID) *protocol.Conn {
	t.Helper()
	nc, err := ln.Accept()
	require.NoError(t, err)
	conn := protocol.NewConn(nc, 0)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	msg, err := conn.Read()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHey, msg.Type)
	var hey protocol.Hey
	require.NoError(t, protocol.Decode(msg, &hey))
	assert.NotEmpty(t, hey.Address)

	require.NoError(t, conn.Send(protocol.TypeHey, protocol.Hey{JobContext: "job", WorkerID: id, Address: hey.Address}))
	return conn
}

func runWorker(t *testing.T, cfg config.WorkerConfig, addr string, store storage.Backend) (*Worker, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	w := New(cfg, addr, store, tracer.NewPassthrough(), zerolog.Nop())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	return w, errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

func TestWorker_RegisterAndTerminate(t *testing.T) {
	store := synthStore(t, 2)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, errc := runWorker(t, testConfig().Worker, ln.Addr().String(), store)
	conn := fakeCoordinator(t, ln, 7)

	// an empty crop leaves nothing to generate
	require.NoError(t, conn.Send(protocol.TypeGenerateRays, protocol.GenerateRays{
		Crop: pkg.Bounds{MinX: 4, MaxX: 4, MaxY: 4}, Width: 4, Height: 4, SamplesPerPixel: 1, MaxDepth: 1,
	}))

	var stats pkg.WorkerStats
	for {
		msg, err := conn.Read()
		require.NoError(t, err)
		if msg.Type != protocol.TypeWorkerStats {
			continue
		}
		require.NoError(t, protocol.Decode(msg, &stats))
		if stats.GenerationDone && stats.Idle {
			break
		}
	}
	assert.Equal(t, pkg.WorkerID(7), stats.WorkerID)
	assert.Zero(t, stats.FinishedRays)

	require.NoError(t, conn.Send(protocol.TypeBye, protocol.Bye{Reason: "test"}))
	for {
		msg, err := conn.Read()
		require.NoError(t, err)
		if msg.Type == protocol.TypeBye {
			break
		}
	}
	require.NoError(t, waitErr(t, errc))

	checkpoints, err := film.ReadCheckpoints(context.Background(), store, "job")
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}

func TestWorker_GeneratesAndRequestsRoot(t *testing.T) {
	store := synthStore(t, 2)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, errc := runWorker(t, testConfig().Worker, ln.Addr().String(), store)
	conn := fakeCoordinator(t, ln, 1)
	require.NoError(t, conn.Send(protocol.TypeGenerateRays, protocol.GenerateRays{
		Crop: pkg.Bounds{MaxX: 2, MaxY: 2}, Width: 2, Height: 2, SamplesPerPixel: 1, MaxDepth: 1,
	}))

	for {
		msg, err := conn.Read()
		require.NoError(t, err)
		if msg.Type != protocol.TypeGetWorker {
			continue
		}
		var m protocol.GetWorker
		require.NoError(t, protocol.Decode(msg, &m))
		assert.Equal(t, pkg.TreeletID(0), m.Treelet)
		break
	}

	require.NoError(t, conn.Send(protocol.TypeGetObjects, protocol.GetObjects{Treelet: 0, Objects: []string{"TEX0", "MAT0", "T0"}}))
	for {
		msg, err := conn.Read()
		require.NoError(t, err)
		if msg.Type != protocol.TypeTreeletOwnership {
			continue
		}
		var m protocol.TreeletOwnership
		require.NoError(t, protocol.Decode(msg, &m))
		assert.Equal(t, protocol.TreeletOwnership{Treelet: 0, WorkerID: 1, Address: m.Address}, m)
		assert.NotEmpty(t, m.Address)
		break
	}

	require.NoError(t, conn.Send(protocol.TypeBye, protocol.Bye{}))
	require.NoError(t, waitErr(t, errc))
}

func TestWorker_FetchExhaustionIsFatal(t *testing.T) {
	store := synthStore(t, 2)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, errc := runWorker(t, testConfig().Worker, ln.Addr().String(), store)
	conn := fakeCoordinator(t, ln, 1)
	require.NoError(t, conn.Send(protocol.TypeGetObjects, protocol.GetObjects{Treelet: 9, Objects: []string{"T9"}}))

	err = waitErr(t, errc)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, pkg.TreeletID(9), fe.Treelet)
	assert.Equal(t, "T9", fe.Object)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorker_CoordinatorLossIsFatal(t *testing.T) {
	store := synthStore(t, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, errc := runWorker(t, testConfig().Worker, ln.Addr().String(), store)
	conn := fakeCoordinator(t, ln, 1)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, waitErr(t, errc), ErrCoordinatorLost)
}

func TestWorker_RegistrationFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, errc := runWorker(t, testConfig().Worker, addr, synthStore(t, 1))
	assert.ErrorIs(t, waitErr(t, errc), ErrCoordinatorLost)
}

func TestJob_TwoWorkersRenderScene(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store := synthStore(t, 3)
	cfg := testConfig()

	ln, err := net.Listen("tcp", cfg.Coordinator.Address)
	require.NoError(t, err)
	coord := coordinator.New(cfg, store, zerolog.Nop())

	type result struct {
		summary coordinator.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := coord.Serve(ctx, ln)
		done <- result{s, err}
	}()

	_, errc1 := runWorker(t, cfg.Worker, ln.Addr().String(), store)
	_, errc2 := runWorker(t, cfg.Worker, ln.Addr().String(), store)
	require.NoError(t, waitErr(t, errc1))
	require.NoError(t, waitErr(t, errc2))

	var res result
	select {
	case res = <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("coordinator did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.summary.Workers)
	assert.Zero(t, res.summary.Lost)
	assert.Equal(t, res.summary.SentRays, res.summary.ReceivedRays)
	assert.Positive(t, res.summary.FinishedRays)

	f := film.New(cfg.Render.Width, cfg.Render.Height, cfg.Render.SamplesPerPixel)
	n, err := film.Aggregate(ctx, store, coord.JobContext(), f)
	require.NoError(t, err)
	assert.Equal(t, int(res.summary.FinishedRays), n)

	checkpoints, err := film.ReadCheckpoints(ctx, store, coord.JobContext())
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}

// loopWorker builds a registered worker with no coordinator so a test can feed its loop
// events directly
func loopWorker(t *testing.T, integrator tracer.Integrator) *Worker {
	t.Helper()
	w := New(testConfig().Worker, "", synthStore(t, 4), integrator, zerolog.Nop())
	w.id = 1
	w.jobContext = "job"
	scene, err := tracer.LoadSceneData(context.Background(), w.scene)
	require.NoError(t, err)
	w.engine = routing.NewEngine(w.id, integrator, scene, w.log)
	w.samples = film.NewSampleWriter(w.jobContext, w.id)
	t.Cleanup(func() { close(w.done) })
	return w
}

// connectPeer attaches a connected outbound peer that owns treelet and returns the far end
// of its pipe
func connectPeer(w *Worker, id pkg.WorkerID, treelet pkg.TreeletID) (*peerConn, net.Conn) {
	local, remote := net.Pipe()
	pc := newPeerConn(protocol.NewConn(local, 0), true)
	pc.peer = id
	p := w.peer(id)
	p.address = "pipe"
	p.conn = pc
	p.state = Connected
	p.treelets[treelet] = struct{}{}
	w.engine.OnOwnershipAnnounced(treelet, id)
	w.startConn(pc)
	return pc, remote
}

// acceptPeer attaches an inbound connection and returns the far end, framed
func acceptPeer(w *Worker) (*peerConn, *protocol.Conn) {
	local, remote := net.Pipe()
	pc := newPeerConn(protocol.NewConn(local, 0), false)
	w.inbound[pc] = struct{}{}
	w.startConn(pc)
	return pc, protocol.NewConn(remote, 0)
}

// pump runs the worker loop's event handling until cond holds
func pump(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case ev := <-w.events:
			require.NoError(t, w.handle(context.Background(), ev))
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

func TestWorker_PeerLossReclaimsUnsentRays(t *testing.T) {
	w := loopWorker(t, tracer.NewPassthrough())
	pc, remote := connectPeer(w, 2, 3)

	// nothing reads the far end: the first batch blocks in the writer, the second stays queued
	for batch := 0; batch < 2; batch++ {
		for i := 0; i < 2; i++ {
			rs := raystate.RayState{SampleID: uint64(batch*2 + i), ToVisit: []pkg.TreeletID{3}}
			require.NoError(t, w.engine.Enqueue(rs))
		}
		require.Equal(t, 2, w.engine.FlushOutbound(w))
	}
	require.Equal(t, uint64(4), w.engine.Counters().Sent)

	require.NoError(t, remote.Close())
	pump(t, w, func() bool { return w.engine.Counters().PendingQueueSize == 4 })

	c := w.engine.Counters()
	assert.Zero(t, c.Sent)
	assert.Zero(t, c.OutQueueSize)
	assert.Equal(t, []pkg.TreeletID{3}, w.engine.NeededTreelets())
	assert.True(t, pc.isClosed())
	assert.True(t, w.peers[2].lost)
	assert.Equal(t, Connecting, w.peers[2].state)
}

func TestWorker_PeerProtocolErrorsDropOnlyThatConnection(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{"truncated ray batch", protocol.Message{Type: protocol.TypeSendRays, Payload: []byte{9, 0, 0, 0, 1}}},
		{"coordinator message", protocol.Message{Type: protocol.TypeGetObjects, Payload: []byte(`{"treelet":1}`)}},
		{"handshake for another job", protocol.Message{Type: protocol.TypeConnectionRequest, Payload: []byte(`{"job_context":"other","worker_id":2}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := loopWorker(t, tracer.NewPassthrough())
			out, _ := connectPeer(w, 2, 3)
			require.NoError(t, w.engine.Enqueue(raystate.RayState{SampleID: 1, ToVisit: []pkg.TreeletID{3}}))

			in, remote := acceptPeer(w)
			defer remote.Close()
			go func() { _ = remote.Write(tt.msg) }()

			pump(t, w, in.isClosed)
			assert.NotContains(t, w.inbound, in)
			assert.Zero(t, w.receivedRays)

			// the outbound side is untouched
			assert.False(t, out.isClosed())
			assert.Equal(t, 1, w.engine.Counters().OutQueueSize)
		})
	}
}

// shadeFails traces nothing and fails every shade
type shadeFails struct{}

var errShade = errors.New("material not found")

func (shadeFails) Trace(rs raystate.RayState, t *tracer.Treelet) (raystate.RayState, error) {
	return rs, nil
}

func (shadeFails) Shade(rs raystate.RayState, t *tracer.Treelet, scene *tracer.SceneData) ([]raystate.RayState, error) {
	return nil, errShade
}

func TestWorker_IntegratorFailureOnReceivedRaysIsFatal(t *testing.T) {
	w := loopWorker(t, shadeFails{})
	w.engine.OnTreeletFetched(&tracer.Treelet{ID: 0})

	in, remote := acceptPeer(w)
	defer remote.Close()
	batch := raystate.MarshalBatch([]raystate.RayState{{SampleID: 1, Hit: &raystate.Hit{Treelet: 0}}})
	go func() { _ = remote.Write(protocol.Message{Type: protocol.TypeSendRays, Payload: batch}) }()

	select {
	case ev := <-w.events:
		err := w.handle(context.Background(), ev)
		require.ErrorIs(t, err, errShade)
		assert.False(t, protocol.IsProtocolError(err))
		assert.False(t, in.isClosed())
	case <-time.After(5 * time.Second):
		t.Fatal("no message from peer")
	}
}

func TestWorker_MalformedByeStillStops(t *testing.T) {
	w := loopWorker(t, tracer.NewPassthrough())
	local, remote := net.Pipe()
	defer remote.Close()
	w.coordinator = newPeerConn(protocol.NewConn(local, 0), true)

	ev := messageEvent{conn: w.coordinator, msg: protocol.Message{Type: protocol.TypeBye, Payload: []byte("{")}}
	require.NoError(t, w.handle(context.Background(), ev))
	assert.True(t, w.stopRequested)
}
