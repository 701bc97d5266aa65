// Package broker wires together everything a shmbus broker process owns:
// the segment manager (one shared-memory region per access group), the
// port graph (publisher/subscriber registry and connect/disconnect
// logic), and the control-channel server that turns REG_APP/CREATE_PUB/
// CREATE_SUB/REMOVE_PORT/KEEP_ALIVE requests into effects on both.
//
// Broker also implements client.SegmentResolver and client.PortResolver,
// standing in for the mmap + relative-pointer resolution a real
// multi-process deployment would otherwise require, since every client in
// this implementation shares the broker's process.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"shmbus/internal/config"
	"shmbus/internal/control"
	"shmbus/internal/logging"
	"shmbus/internal/notify"
	"shmbus/internal/port"
	"shmbus/internal/portgraph"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
	"shmbus/internal/segment"
)

// appEntry tracks one REG_APP'd process: enough to answer UNREG_APP and
// to log something more useful than a bare uuid.
type appEntry struct {
	name string
	pid  uint64
}

// Broker owns the segment manager, the port graph, and the control
// channel listener for one running instance.
type Broker struct {
	cfg    *config.Manager
	segs   *segment.Manager
	graph  *portgraph.Graph
	server *control.Server
	logger *slog.Logger

	fatal func(error)

	mu    sync.Mutex
	apps  map[uuid.UUID]appEntry
	sched gocron.Scheduler

	// reclaimLog throttles the discovery-tick reclamation log line: a
	// flapping client that repeatedly misses its keep-alive threshold
	// would otherwise write one Info line per discovery interval for as
	// long as it keeps reconnecting and dying.
	reclaimLog *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Broker at construction.
type Option func(*Broker)

// WithLogger sets the broker's structured logger. The default discards
// all output, per internal/logging's dependency-injection convention.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithFatal overrides the hook invoked when the broker hits an
// unrecoverable condition (spec §7's single error-handling seam). The
// default logs at slog.LevelError and calls os.Exit(1); tests substitute
// something that records the call instead of killing the test binary.
func WithFatal(fatal func(error)) Option {
	return func(b *Broker) { b.fatal = fatal }
}

// NewBroker builds a Broker: one segment per cfg's configured access
// group (via segment.NewManager), an empty port graph sized by cfg's
// tunables, and a control.Server ready to Serve on listener.
func NewBroker(cfg *config.Manager, listener net.Listener, opts ...Option) (*Broker, error) {
	groups := make([]segment.GroupSpec, 0, len(cfg.AccessGroups()))
	for _, g := range cfg.AccessGroups() {
		pools := make([]segment.PoolSpec, 0, len(g.Pools))
		for _, p := range g.Pools {
			pools = append(pools, segment.PoolSpec{BlockSize: p.Size, BlockCount: p.Count})
		}
		groups = append(groups, segment.GroupSpec{
			AccessGroup:     g.Name,
			Pools:           pools,
			ManagementCount: g.ManagementPoolCount,
		})
	}

	segs, err := segment.NewManager(relptr.NewRegistry(), groups)
	if err != nil {
		return nil, fmt.Errorf("broker: build segments: %w", err)
	}

	t := cfg.Tunables()
	graph := portgraph.NewGraph(t.KeepAliveThreshold, t.MaxPublishers, t.MaxSubscribers)

	b := &Broker{
		cfg:        cfg,
		segs:       segs,
		graph:      graph,
		logger:     logging.Discard(),
		apps:       make(map[uuid.UUID]appEntry),
		reclaimLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broker")
	if b.fatal == nil {
		b.fatal = b.defaultFatal
	}

	b.server = control.NewServer(listener, b, b.logger)
	return b, nil
}

func (b *Broker) defaultFatal(err error) {
	b.logger.Error("fatal", "error", err)
	os.Exit(1)
}

// Start schedules the periodic discovery tick on a gocron scheduler and
// launches the control server's accept loop under an errgroup, the way
// the teacher's Orchestrator.Start supervises its ingest loop
// (internal/orchestrator/lifecycle.go); the scheduler runs outside the
// errgroup. Start returns once both are running; call Stop to shut down.
func (b *Broker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	sched, err := gocron.NewScheduler()
	if err != nil {
		cancel()
		return fmt.Errorf("broker: build scheduler: %w", err)
	}
	interval := b.cfg.Tunables().DiscoveryInterval
	if interval <= 0 {
		interval = time.Second
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(b.runDiscoveryTick),
	); err != nil {
		cancel()
		return fmt.Errorf("broker: schedule discovery tick: %w", err)
	}
	b.sched = sched
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := b.server.Serve(gctx)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			b.fatal(fmt.Errorf("broker: control server: %w", err))
		}
		return err
	})

	go func() {
		defer close(b.done)
		_ = g.Wait()
	}()
	return nil
}

// Stop cancels the control server's accept loop, waits for it to drain,
// and shuts down the discovery-tick scheduler.
func (b *Broker) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
	if b.sched != nil {
		return b.sched.Shutdown()
	}
	return nil
}

func (b *Broker) runDiscoveryTick() {
	b.mu.Lock()
	removed, dead := b.graph.DiscoveryTick()
	for _, owner := range dead {
		delete(b.apps, uuid.MustParse(string(owner)))
	}
	b.mu.Unlock()
	if removed > 0 && b.reclaimLog.Allow() {
		b.logger.Info("discovery tick reclaimed ports", "removedPorts", removed, "deadProcesses", len(dead))
	}
}

// Close tears down the segment manager. Call after Stop, once every
// client has disconnected.
func (b *Broker) Close() error {
	return b.segs.Close()
}

// --- control.Dispatcher ---

// RegApp admits a new application: assigns it a fresh app id, remembers
// its name and pid, marks it alive in the port graph's liveness map, and
// tells it about every configured segment.
func (b *Broker) RegApp(appName string, pid uint64) (uuid.UUID, []control.SegmentDescriptor, error) {
	id := uuid.Must(uuid.NewV7())

	b.mu.Lock()
	b.apps[id] = appEntry{name: appName, pid: pid}
	b.mu.Unlock()

	b.graph.KeepAlive(portgraph.ProcessID(id.String()))
	b.logger.Info("app registered", "appID", id, "appName", appName, "pid", pid)

	segs := b.segs.Segments()
	out := make([]control.SegmentDescriptor, 0, len(segs))
	for _, s := range segs {
		out = append(out, control.SegmentDescriptor{
			ID:          uint32(s.ID),
			Name:        s.Name,
			AccessGroup: s.AccessGroup,
			Size:        uint64(s.Size()),
		})
	}
	return id, out, nil
}

// UnregApp removes every port appID still owns, immediately rather than
// waiting for the next discovery tick's liveness timeout: an orderly
// UNREG_APP is a stronger signal than a missed keep-alive.
func (b *Broker) UnregApp(appID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.apps[appID]; !ok {
		return control.ErrUnknownAppDispatch
	}
	delete(b.apps, appID)
	removed := b.graph.RemoveProcess(portgraph.ProcessID(appID.String()))
	b.logger.Info("app unregistered", "appID", appID, "removedPorts", removed)
	return nil
}

// CreatePub builds a new publisher port, defaulting to NOT_OFFERED: the
// application drives OFFERED itself via Publisher.Offer once it's ready
// to receive connections, the same opt-in two-step every other port
// operation already exposes (Subscribe/Unsubscribe).
func (b *Broker) CreatePub(appID uuid.UUID, service, instance, event string, historyDepth, maxConnections uint32) (uuid.UUID, error) {
	p := port.NewPublisher(b.portRegistry(), int(historyDepth), int(maxConnections), port.NotOffered)
	desc := portgraph.Descriptor{Service: service, Instance: instance, Event: event}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, known := b.apps[appID]; !known {
		return uuid.UUID{}, control.ErrUnknownAppDispatch
	}
	handle, err := b.graph.CreatePublisherPort(desc, portgraph.ProcessID(appID.String()), p)
	if err != nil {
		if errors.Is(err, portgraph.ErrPublisherCapacity) {
			return uuid.UUID{}, fmt.Errorf("%w: %v", control.ErrPortCapacityDispatch, err)
		}
		return uuid.UUID{}, err
	}
	return handle, nil
}

// CreateSub builds a new subscriber port backed by a real eventfd-style
// notifier (or its portable channel-based fallback), and connects it
// immediately if a matching OFFERED publisher already exists.
func (b *Broker) CreateSub(appID uuid.UUID, service, instance, event string, requestedHistory, queueCapacity uint32, overflowPolicy uint8) (uuid.UUID, error) {
	notifier, err := notify.NewEventFD()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("broker: build notifier: %w", err)
	}

	s := port.NewSubscriber(b.portRegistry(), int(queueCapacity), queue.OverflowPolicy(overflowPolicy), int(requestedHistory), notifier)
	desc := portgraph.Descriptor{Service: service, Instance: instance, Event: event}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, known := b.apps[appID]; !known {
		notifier.Close()
		return uuid.UUID{}, control.ErrUnknownAppDispatch
	}
	handle, err := b.graph.CreateSubscriberPort(desc, portgraph.ProcessID(appID.String()), s)
	if err != nil {
		notifier.Close()
		if errors.Is(err, portgraph.ErrSubscriberCapacity) {
			return uuid.UUID{}, fmt.Errorf("%w: %v", control.ErrPortCapacityDispatch, err)
		}
		return uuid.UUID{}, err
	}
	return handle, nil
}

// RemovePort removes handle from the port graph. appID is accepted for
// symmetry with the other Dispatcher methods and to leave room for an
// ownership check; per spec §6 any well-formed REMOVE_PORT is honored.
func (b *Broker) RemovePort(appID, handle uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.graph.RemovePort(handle); err != nil {
		return fmt.Errorf("%w: %v", control.ErrUnknownHandleDispatch, err)
	}
	return nil
}

// KeepAlive refreshes appID's liveness epoch.
func (b *Broker) KeepAlive(appID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.apps[appID]; !ok {
		return control.ErrUnknownAppDispatch
	}
	b.graph.KeepAlive(portgraph.ProcessID(appID.String()))
	return nil
}

// --- client.SegmentResolver / client.PortResolver ---

// ResolveSegment implements client.SegmentResolver.
func (b *Broker) ResolveSegment(id uint32) (*segment.Segment, bool) {
	s := b.segs.SegmentByID(id)
	return s, s != nil
}

// ResolvePublisher implements client.PortResolver.
func (b *Broker) ResolvePublisher(handle uuid.UUID) (*port.Publisher, bool) {
	return b.graph.ResolvePublisher(handle)
}

// ResolveSubscriber implements client.PortResolver.
func (b *Broker) ResolveSubscriber(handle uuid.UUID) (*port.Subscriber, bool) {
	return b.graph.ResolveSubscriber(handle)
}

// portRegistry returns the relptr.Registry every segment was built
// against, so newly created ports resolve history and delivery-queue
// pointers the same way.
func (b *Broker) portRegistry() *relptr.Registry {
	return b.segs.Registry()
}
