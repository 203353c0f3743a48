// Package daemon implements the Daemon (spec.md §4.10): the top-level
// lifecycle that owns the project_id -> ProjectRuntime map, fans inbound
// relay events out to per-project work queues, reaps idle runtimes, and
// supervises a graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/cluster"
	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/executor"
	"github.com/tenex-sh/tenexd/internal/llm"
	"github.com/tenex-sh/tenexd/internal/project"
	"github.com/tenex-sh/tenexd/internal/publisher"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/router"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/telemetry"
	"github.com/tenex-sh/tenexd/internal/tool"
)

const (
	defaultQueueCapacity = 256
	defaultReapInterval  = 60 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

// StoreFactory opens (or creates) the durable store for one project. dir
// is the project's on-disk directory, always created by the Daemon
// before the factory runs; file-backed factories root themselves there,
// Mongo-backed ones only use projectID as a collection key.
type StoreFactory func(projectID, dir string) (store.Store, error)

// Options configures a Daemon. Bus, GlobalLoader, ProjectsDir, Stores,
// Providers, and Signers are required; signing and concrete relay
// transport are external collaborators the caller wires (spec.md §1).
type Options struct {
	Bus          relay.EventBus
	GlobalLoader *agent.GlobalLoader
	ProjectsDir  string
	Stores       StoreFactory
	Providers    func(model string) (llm.Provider, error)
	Signers      func(agentPubkey string) (relay.Signer, error)
	Cluster      *cluster.Broadcaster // optional; nil disables heartbeat broadcast

	IdleTimeout           time.Duration
	MaxSteps              int
	MaxConversationTokens int
	ExtraTools            []tool.Spec
	QueueCapacity         int
	ReapInterval          time.Duration
	Log                   telemetry.Logger
}

// Daemon drives the process's whole event lifecycle.
type Daemon struct {
	bus         relay.EventBus
	loader      *agent.GlobalLoader
	projectsDir string
	stores      StoreFactory
	exec        *executor.Executor
	cluster     *cluster.Broadcaster
	router      *router.Router
	log         telemetry.Logger

	idleTimeout   time.Duration
	maxConvTokens int
	extraTools    []tool.Spec
	queueCapacity int
	reapInterval  time.Duration

	mu      sync.RWMutex
	byCoord map[string]*project.Runtime
	byAgent map[string]string
	queues  map[string]*workQueue

	wg     sync.WaitGroup // per-project worker goroutines
	turnWG sync.WaitGroup // in-flight AgentExecutor turns
	cancel context.CancelFunc
}

// New builds a Daemon. It does not start consuming events; call Run.
func New(opts Options) *Daemon {
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	queueCap := opts.QueueCapacity
	if queueCap <= 0 {
		queueCap = defaultQueueCapacity
	}
	reapInterval := opts.ReapInterval
	if reapInterval <= 0 {
		reapInterval = defaultReapInterval
	}

	d := &Daemon{
		bus:           opts.Bus,
		loader:        opts.GlobalLoader,
		projectsDir:   opts.ProjectsDir,
		stores:        opts.Stores,
		cluster:       opts.Cluster,
		log:           log,
		idleTimeout:   opts.IdleTimeout,
		maxConvTokens: opts.MaxConversationTokens,
		extraTools:    opts.ExtraTools,
		queueCapacity: queueCap,
		reapInterval:  reapInterval,
		byCoord:       make(map[string]*project.Runtime),
		byAgent:       make(map[string]string),
		queues:        make(map[string]*workQueue),
	}

	d.exec = executor.New(publisher.New(opts.Bus, log), opts.Providers, opts.Signers, executor.Options{
		MaxSteps: opts.MaxSteps,
		Log:      log,
	})
	d.router = router.New(router.Options{
		Lookup:       d,
		GlobalLoader: opts.GlobalLoader,
		Dispatch:     d.dispatch,
		Log:          log,
	})
	return d
}

// ByProject implements router.Lookup.
func (d *Daemon) ByProject(coordinate string) (*project.Runtime, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rt, ok := d.byCoord[coordinate]
	return rt, ok
}

// ByAgent implements router.Lookup.
func (d *Daemon) ByAgent(pubkey string) (*project.Runtime, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	coord, ok := d.byAgent[pubkey]
	if !ok {
		return nil, false
	}
	rt, ok := d.byCoord[coord]
	return rt, ok
}

// Run subscribes to the bus and drives events until ctx is cancelled or
// the bus's event channel closes. It restores cached projects from disk
// first (spec.md §6's project.json restart cache).
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.restoreCachedProjects(ctx)

	events, err := d.bus.Subscribe(ctx)
	if err != nil {
		return &errs.FatalError{Reason: "subscribe to relay", Err: err}
	}

	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.ingest(ctx, ev)
		case <-ticker.C:
			d.reap(ctx)
		}
	}
}

// Shutdown cancels the ingest loop, gives in-flight executor turns and
// workers a grace period to finish (spec.md §4.10's 5s grace), flushes
// every ProjectRuntime, and closes cluster/bus resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	drained := make(chan struct{})
	go func() {
		d.turnWG.Wait()
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(defaultShutdownGrace):
		d.log.Warn(ctx, "shutdown grace period elapsed with work still in flight")
	}

	d.mu.Lock()
	runtimes := make([]*project.Runtime, 0, len(d.byCoord))
	for _, rt := range d.byCoord {
		runtimes = append(runtimes, rt)
	}
	d.mu.Unlock()

	var firstErr error
	for _, rt := range runtimes {
		if d.cluster != nil {
			d.cluster.Stop(rt.ID())
		}
		if err := rt.Teardown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.cluster != nil {
		if err := d.cluster.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ingest classifies one inbound event, bootstrapping a new ProjectRuntime
// when a project-definition event names one that doesn't exist yet, then
// enqueues it on that project's work queue (spec.md §4.10: "on inbound
// event, look up or create runtime").
func (d *Daemon) ingest(ctx context.Context, ev relay.Event) {
	if ev.Kind == router.KindProjectDefinition {
		if def, err := project.ParseDefinition(ev); err == nil {
			if _, err := d.ensureRuntime(def); err != nil {
				d.log.Warn(ctx, "project runtime unavailable", "project", def.Coordinate, "error", err)
			}
		}
	}

	coordinate, ok := d.resolveCoordinate(ev)
	if !ok {
		if _, err := d.router.Route(ctx, ev); err != nil {
			d.log.Warn(ctx, "route event failed", "event", ev.ID, "error", err)
		}
		return
	}

	d.mu.RLock()
	rt := d.byCoord[coordinate]
	d.mu.RUnlock()
	if rt != nil && rt.State() == project.StateFailed {
		d.log.Warn(ctx, "dropping event for failed project runtime", "project", coordinate, "event", ev.ID)
		return
	}

	d.queueFor(ctx, coordinate).push(ev, d.log)
}

// resolveCoordinate mirrors the EventRouter's own a-tag/p-tag/author
// resolution order (router.Router keeps that logic private), used here
// only to pick which project's work queue an event belongs on.
func (d *Daemon) resolveCoordinate(ev relay.Event) (string, bool) {
	if atag, ok := ev.FirstTag("a"); ok && atag.Value() != "" {
		if _, ok := d.ByProject(atag.Value()); ok {
			return atag.Value(), true
		}
	}
	for _, ptag := range ev.TagsNamed("p") {
		if coord, ok := d.coordinateForAgent(ptag.Value()); ok {
			return coord, true
		}
	}
	if coord, ok := d.coordinateForAgent(ev.PubKey); ok {
		return coord, true
	}
	return "", false
}

func (d *Daemon) coordinateForAgent(pubkey string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	coord, ok := d.byAgent[pubkey]
	return coord, ok
}

func (d *Daemon) queueFor(ctx context.Context, coordinate string) *workQueue {
	d.mu.Lock()
	q, ok := d.queues[coordinate]
	if !ok {
		q = newWorkQueue(d.queueCapacity)
		d.queues[coordinate] = q
		d.wg.Add(1)
		go d.runWorker(ctx, coordinate, q)
	}
	d.mu.Unlock()
	return q
}

func (d *Daemon) runWorker(ctx context.Context, coordinate string, q *workQueue) {
	defer d.wg.Done()
	for {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			d.process(ctx, coordinate, ev)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (d *Daemon) process(ctx context.Context, coordinate string, ev relay.Event) {
	d.mu.RLock()
	rt := d.byCoord[coordinate]
	d.mu.RUnlock()
	if rt == nil {
		return
	}
	ctx = telemetry.WithProjectID(ctx, coordinate)
	if _, err := d.router.Route(ctx, ev); err != nil {
		d.log.Warn(ctx, "route event failed", "event", ev.ID, "error", err)
	}
}

// dispatch implements router.Dispatch: it fans out one parallel
// AgentExecutor turn per recipient (spec.md §4.8's reply fan-out),
// tracked so Shutdown can wait for them to flush their replies.
func (d *Daemon) dispatch(ctx context.Context, rt *project.Runtime, ev relay.Event, recipients []string) error {
	rootID, err := rt.Conversations().Ingest(ctx, ev)
	if err != nil {
		return err
	}
	qtag := ""
	if t, ok := ev.FirstTag("q"); ok {
		qtag = t.Value()
	}

	for _, recipient := range recipients {
		recipient := recipient
		d.turnWG.Add(1)
		go func() {
			defer d.turnWG.Done()
			turnCtx := telemetry.WithAgentPubkey(ctx, recipient)
			in := executor.TurnInput{
				AgentPubkey:    recipient,
				ConversationID: rootID,
				TriggerEventID: ev.ID,
				QTag:           qtag,
			}
			if _, err := d.exec.Run(turnCtx, rt, in); err != nil {
				d.log.Warn(turnCtx, "executor turn failed", "error", err)
			}
		}()
	}
	return nil
}

// reap tears down every ProjectRuntime whose inactivity window has
// elapsed (spec.md §4.10: "idle runtimes are reaped every 60s").
func (d *Daemon) reap(ctx context.Context) {
	d.mu.RLock()
	runtimes := make([]*project.Runtime, 0, len(d.byCoord))
	for _, rt := range d.byCoord {
		runtimes = append(runtimes, rt)
	}
	d.mu.RUnlock()

	for _, rt := range runtimes {
		if rt.IsIdle() {
			d.teardownRuntime(ctx, rt)
		}
	}
}

func (d *Daemon) teardownRuntime(ctx context.Context, rt *project.Runtime) {
	if d.cluster != nil {
		d.cluster.Stop(rt.ID())
	}
	if err := rt.Teardown(ctx); err != nil {
		d.log.Error(ctx, "project teardown failed", "project", rt.ID(), "error", err)
	}

	d.mu.Lock()
	delete(d.byCoord, rt.ID())
	for pk, coord := range d.byAgent {
		if coord == rt.ID() {
			delete(d.byAgent, pk)
		}
	}
	delete(d.queues, rt.ID())
	d.mu.Unlock()
}

// ensureRuntime looks up or creates the ProjectRuntime named by def.
func (d *Daemon) ensureRuntime(def project.Definition) (*project.Runtime, error) {
	if rt, ok := d.ByProject(def.Coordinate); ok {
		return rt, nil
	}
	dir := filepath.Join(d.projectsDir, sanitizeDir(def.Coordinate))
	return d.ensureRuntimeAt(dir, def)
}

func (d *Daemon) ensureRuntimeAt(dir string, def project.Definition) (*project.Runtime, error) {
	if rt, ok := d.ByProject(def.Coordinate); ok {
		return rt, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errs.FatalError{Reason: fmt.Sprintf("create project dir %q", dir), Err: err}
	}
	st, err := d.stores(def.Coordinate, dir)
	if err != nil {
		return nil, err
	}

	rt, err := project.New(def.Coordinate, def, project.Options{
		Dir:          dir,
		IdleTimeout:  d.idleTimeout,
		MaxTokens:    d.maxConvTokens,
		Log:          d.log,
		GlobalLoader: d.loader,
		Store:        st,
		ExtraTools:   d.extraTools,
	})
	if rt == nil {
		return nil, err
	}

	d.mu.Lock()
	d.byCoord[def.Coordinate] = rt
	for _, pk := range def.AgentPubkeys {
		d.byAgent[pk] = def.Coordinate
	}
	d.mu.Unlock()

	if err != nil {
		// rt is in StateFailed; registering it keeps ingest from
		// retrying construction on every subsequent event for this
		// project, per project.New's own doc comment.
		return rt, err
	}

	if d.cluster != nil {
		d.cluster.Watch(context.Background(), rt)
	}
	return rt, nil
}

// restoreCachedProjects rehydrates every project with a cached
// project.json under projectsDir, so a restart doesn't wait for a fresh
// relay replay before routing resumes (spec.md §4.7).
func (d *Daemon) restoreCachedProjects(ctx context.Context) {
	entries, err := os.ReadDir(d.projectsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(d.projectsDir, entry.Name())
		def, ok := project.LoadMetadata(dir)
		if !ok {
			continue
		}
		if _, err := d.ensureRuntimeAt(dir, def); err != nil {
			d.log.Warn(ctx, "failed to restore cached project", "dir", dir, "error", err)
		}
	}
}

// sanitizeDir turns a project coordinate ("31933:owner:slug") into a
// filesystem-safe directory name.
func sanitizeDir(coordinate string) string {
	var b strings.Builder
	for _, r := range coordinate {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// isReplyEvent reports whether ev is a threaded conversation event
// (spec.md §5's backpressure policy never drops these, only root/other
// traffic).
func isReplyEvent(ev relay.Event) bool {
	if ev.Kind != router.KindConversationMessage {
		return false
	}
	if _, ok := ev.FirstTag("e"); ok {
		return true
	}
	_, ok := ev.FirstTag("E")
	return ok
}

// workQueue is a bounded, single-project backlog of inbound events
// (spec.md §5: "per-runtime work queue is bounded (default 256);
// overflow drops the oldest non-reply event with a warning").
type workQueue struct {
	mu       sync.Mutex
	items    []relay.Event
	capacity int
	wake     chan struct{}
}

func newWorkQueue(capacity int) *workQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &workQueue{capacity: capacity, wake: make(chan struct{}, 1)}
}

func (q *workQueue) push(ev relay.Event, log telemetry.Logger) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		dropped := false
		for i, item := range q.items {
			if !isReplyEvent(item) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				log.Warn(context.Background(), "work queue overflow, dropped oldest non-reply event", "dropped_event", item.ID, "incoming_event", ev.ID)
				break
			}
		}
		if !dropped {
			q.mu.Unlock()
			log.Warn(context.Background(), "work queue full of reply events, dropping incoming event", "event", ev.ID)
			return
		}
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *workQueue) pop() (relay.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return relay.Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}
