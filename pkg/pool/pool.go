// Package pool shares network connections between independent consumers of the same remote realm.
//
// A Pool keeps a registry of Handlers. Acquire returns an unlocked handler whose realm and credentials match the
// requested location, creating one through a ConnectionHandlerFactory when none matches. A background monitor
// goroutine, running only while the registry is non-empty, closes handlers idle past their TTL and pings the rest
// at their keep-alive interval. Close and ping I/O runs in supervised worker goroutines, never under pool locks.
//
// Lock ordering: Pool.mu is always taken before Handler.mu. Handler.openMu is never taken while holding
// Pool.mu or Handler.mu. A handler retired while it was opening is never handed out.
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/realm"
	"github.com/objectfs/realmpool/pkg/utils"
)

const (
	DefaultMonitorPeriod         = time.Second
	DefaultMaxMaintenanceWorkers = 8
	DefaultMaintenanceTimeout    = 30 * time.Second
	DefaultOpenTimeout           = 30 * time.Second

	// maxAcquireAttempts bounds how often acquire starts over after its handler was retired mid-open.
	maxAcquireAttempts = 3
)

// PoolStats tracks pool activity.
type PoolStats struct {
	Handlers        int       `json:"handlers"`
	Locked          int       `json:"locked"`
	MonitorRunning  bool      `json:"monitor_running"`
	Hits            int64     `json:"hits"`
	Misses          int64     `json:"misses"`
	Created         int64     `json:"created"`
	CreateErrors    int64     `json:"create_errors"`
	OpenErrors      int64     `json:"open_errors"`
	Evicted         int64     `json:"evicted"`
	Closed          int64     `json:"closed"`
	CloseErrors     int64     `json:"close_errors"`
	KeepAlives      int64     `json:"keep_alives"`
	KeepAliveErrors int64     `json:"keep_alive_errors"`
	MonitorStarts   int64     `json:"monitor_starts"`
	LastCreated     time.Time `json:"last_created"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at"`
}

type counters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	created       atomic.Int64
	createErrors  atomic.Int64
	openErrors    atomic.Int64
	evicted       atomic.Int64
	closed        atomic.Int64
	closeErrors   atomic.Int64
	keepAlives    atomic.Int64
	keepAliveErrs atomic.Int64
	monitorStarts atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The pool logs under component "pool".
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.WithComponent("pool")
		}
	}
}

// WithObserver registers an observer for pool events.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithMonitorPeriod sets the interval between monitor passes.
func WithMonitorPeriod(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithClock replaces time.Now for activity timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMaxMaintenanceWorkers bounds how many close and keep-alive calls run at once.
func WithMaxMaintenanceWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxWorkers = n
		}
	}
}

// WithMaintenanceTimeout bounds each keep-alive call.
func WithMaintenanceTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.maintenanceTimeout = d
		}
	}
}

// WithOpenTimeout bounds the open performed during Acquire. Zero disables the bound.
func WithOpenTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.openTimeout = d
		}
	}
}

// Pool is a registry of connection handlers shared by realm and credentials.
type Pool struct {
	mu       sync.Mutex
	handlers []*Handler // newest first
	closed   bool
	nextID   uint64

	monitorRunning bool
	monitorStop    chan struct{}

	period             time.Duration
	now                func() time.Time
	maxWorkers         int
	maintenanceTimeout time.Duration
	openTimeout        time.Duration

	logger   *utils.StructuredLogger
	observer Observer

	// ctx is cancelled by Shutdown; pending keep-alives give up, closes still run.
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	monitors conc.WaitGroup
	workers  conc.WaitGroup

	stats       counters
	lastCreated atomic.Value // time.Time
	lastError   atomic.Value // lastErr
}

type lastErr struct {
	msg string
	at  time.Time
}

// New creates an empty pool. The monitor starts with the first registered handler.
func New(opts ...Option) *Pool {
	p := &Pool{
		period:             DefaultMonitorPeriod,
		now:                time.Now,
		maxWorkers:         DefaultMaxMaintenanceWorkers,
		maintenanceTimeout: DefaultMaintenanceTimeout,
		openTimeout:        DefaultOpenTimeout,
		logger:             utils.NewNopLogger(),
		observer:           nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.sem = semaphore.NewWeighted(int64(p.maxWorkers))
	return p
}

// Acquire returns a shared handler for loc, creating and opening one if needed.
func (p *Pool) Acquire(ctx context.Context, factory ConnectionHandlerFactory, loc *realm.Location) (*Handler, error) {
	return p.acquire(ctx, factory, loc, false)
}

// AcquireLocked returns a handler for loc that no other caller can acquire until Release.
func (p *Pool) AcquireLocked(ctx context.Context, factory ConnectionHandlerFactory, loc *realm.Location) (*Handler, error) {
	return p.acquire(ctx, factory, loc, true)
}

// AcquireURL parses raw and acquires a handler for it.
func (p *Pool) AcquireURL(ctx context.Context, factory ConnectionHandlerFactory, raw string, lock bool) (*Handler, error) {
	loc, err := realm.ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	return p.acquire(ctx, factory, loc, lock)
}

func (p *Pool) acquire(ctx context.Context, factory ConnectionHandlerFactory, loc *realm.Location, lock bool) (*Handler, error) {
	if factory == nil || loc == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "factory and location are required").
			WithComponent("pool").
			WithOperation("acquire").
			WithStack()
	}

	for attempt := 1; ; attempt++ {
		h, created, err := p.findOrCreate(ctx, factory, loc, lock)
		if err != nil {
			return nil, p.acquireFailed(loc, err)
		}

		err = p.open(ctx, h, created)
		if err == nil || stderrors.Is(err, errHandlerRetired) {
			// The handler may have been evicted, discarded or shut down while it was opening. Its close
			// worker owns it now, so start over with a fresh lookup.
			if err == nil && h.handOut(p.now()) {
				p.observer.HandlerAcquired(h, !created)
				return h, nil
			}
			if lock {
				h.ReleaseLock()
			}
			p.logger.Debug("Handler retired while opening", map[string]interface{}{
				"handler": h.id,
				"attempt": attempt,
			})
			if attempt >= maxAcquireAttempts {
				return nil, p.acquireFailed(loc, errors.NewError(errors.ErrCodeConnectionPool, "handler was retired while opening").
					WithComponent("pool").
					WithOperation("acquire").
					WithContext("realm", loc.Realm.String()).
					WithDetail("attempts", attempt))
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, p.acquireFailed(loc, p.openError(h, ctxErr))
			}
			continue
		}

		p.stats.openErrors.Add(1)
		if created {
			p.discard(h)
		}
		if lock {
			h.ReleaseLock()
		}
		return nil, p.acquireFailed(loc, p.openError(h, err))
	}
}

// open runs EnsureOpen bounded by the open timeout. A handler created by this caller is retired if its
// first open fails.
func (p *Pool) open(ctx context.Context, h *Handler, created bool) error {
	if p.openTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.openTimeout)
		defer cancel()
	}
	return h.ensureOpen(ctx, created)
}

func (p *Pool) acquireFailed(loc *realm.Location, err error) error {
	p.recordError(err)
	p.observer.AcquireFailed(loc, err)
	return err
}

// findOrCreate holds the registry lock for the whole lookup and creation so two callers cannot both create a
// handler for the same realm and credentials. Factories only construct; opening happens after unlock.
func (p *Pool) findOrCreate(ctx context.Context, factory ConnectionHandlerFactory, loc *realm.Location, lock bool) (*Handler, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, errors.NewError(errors.ErrCodeShutdownInProgress, "pool is shut down").
			WithComponent("pool").
			WithOperation("acquire")
	}

	now := p.now()
	if h := p.findLocked(loc, lock, now); h != nil {
		p.stats.hits.Add(1)
		p.logger.Trace("Reusing handler", map[string]interface{}{"handler": h.String(), "locked": lock})
		return h, false, nil
	}
	p.stats.misses.Add(1)

	h, err := factory.CreateConnectionHandler(ctx, loc)
	if err != nil {
		p.stats.createErrors.Add(1)
		if errors.CodeOf(err) != "" {
			return nil, false, err
		}
		return nil, false, errors.NewError(errors.ErrCodeConnectionFailed, "cannot create connection handler").
			WithComponent("pool").
			WithOperation("acquire").
			WithContext("realm", loc.Realm.String()).
			WithCause(err)
	}
	if h == nil || !loc.Matches(h.realm, h.credentials) {
		p.stats.createErrors.Add(1)
		return nil, false, errors.NewError(errors.ErrCodeConnectionPool, "factory returned a handler for a different realm or credentials").
			WithComponent("pool").
			WithOperation("acquire").
			WithContext("realm", loc.Realm.String())
	}

	p.nextID++
	h.id = p.nextID
	h.logger = p.logger.WithFields(map[string]interface{}{"handler": h.id, "realm": h.realm.String()})

	h.mu.Lock()
	h.locked = lock
	h.touchLocked(now)
	h.mu.Unlock()

	p.handlers = append([]*Handler{h}, p.handlers...)
	p.stats.created.Add(1)
	p.lastCreated.Store(now)
	p.observer.HandlerCreated(h)
	p.notifyRegistryLocked()
	p.logger.Info("Connection handler created", map[string]interface{}{
		"handler":     h.id,
		"realm":       h.realm.String(),
		"credentials": h.credentials.String(),
		"handlers":    len(p.handlers),
	})

	p.startMonitorLocked()
	return h, true, nil
}

// findLocked returns the first unlocked handler matching loc, locking it if asked. Caller holds p.mu.
func (p *Pool) findLocked(loc *realm.Location, lock bool, now time.Time) *Handler {
	for _, h := range p.handlers {
		h.mu.Lock()
		ok := !h.locked && !h.retired && loc.Matches(h.realm, h.credentials)
		if ok {
			if lock {
				h.locked = true
			}
			h.touchLocked(now)
		}
		h.mu.Unlock()
		if ok {
			return h
		}
	}
	return nil
}

// Release clears the handler's lock. It does not reset the idle clock.
func (p *Pool) Release(h *Handler) {
	if h == nil {
		return
	}
	h.ReleaseLock()

	p.mu.Lock()
	p.notifyRegistryLocked()
	p.mu.Unlock()
}

// discard removes a handler whose first open failed and closes whatever was half built.
func (p *Pool) discard(h *Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.removeLocked(h) {
		return
	}
	p.spawnClose(h, "open failed")
	if len(p.handlers) == 0 {
		p.stopMonitorLocked()
	}
}

// removeLocked unlinks h from the registry and marks it retired. Caller holds p.mu.
func (p *Pool) removeLocked(h *Handler) bool {
	for i, candidate := range p.handlers {
		if candidate != h {
			continue
		}
		p.handlers = append(p.handlers[:i:i], p.handlers[i+1:]...)
		h.mu.Lock()
		h.retired = true
		h.mu.Unlock()
		p.notifyRegistryLocked()
		return true
	}
	return false
}

func (p *Pool) openError(h *Handler, err error) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	code := errors.ErrCodeConnectionFailed
	if isTimeout(err) {
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.NewError(code, "cannot open connection").
		WithComponent("pool").
		WithOperation("acquire").
		WithContext("realm", h.realm.String()).
		WithCause(err)
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}

func (p *Pool) recordError(err error) {
	p.lastError.Store(lastErr{msg: err.Error(), at: time.Now()})
}

func (p *Pool) notifyRegistryLocked() {
	locked := 0
	for _, h := range p.handlers {
		h.mu.Lock()
		if h.locked {
			locked++
		}
		h.mu.Unlock()
	}
	p.observer.RegistryChanged(len(p.handlers), locked)
}

// Len returns the number of registered handlers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// Handlers returns a snapshot of the registry, newest first.
func (p *Pool) Handlers() []*Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handler, len(p.handlers))
	copy(out, p.handlers)
	return out
}

// Dump returns one diagnostic line per registered handler. The output is for logging only.
// Connector liveness is queried after the registry lock is released.
func (p *Pool) Dump() []string {
	handlers := p.Handlers()

	now := p.now()
	lines := make([]string, 0, len(handlers))
	for _, h := range handlers {
		lines = append(lines, h.describe(now))
	}
	return lines
}

// String renders Dump as a single block.
func (p *Pool) String() string {
	lines := p.Dump()
	if len(lines) == 0 {
		return "connection pool: empty"
	}
	return fmt.Sprintf("connection pool: %d handler(s)\n  %s", len(lines), strings.Join(lines, "\n  "))
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{
		Handlers:       len(p.handlers),
		MonitorRunning: p.monitorRunning,
	}
	for _, h := range p.handlers {
		h.mu.Lock()
		if h.locked {
			stats.Locked++
		}
		h.mu.Unlock()
	}
	p.mu.Unlock()

	stats.Hits = p.stats.hits.Load()
	stats.Misses = p.stats.misses.Load()
	stats.Created = p.stats.created.Load()
	stats.CreateErrors = p.stats.createErrors.Load()
	stats.OpenErrors = p.stats.openErrors.Load()
	stats.Evicted = p.stats.evicted.Load()
	stats.Closed = p.stats.closed.Load()
	stats.CloseErrors = p.stats.closeErrors.Load()
	stats.KeepAlives = p.stats.keepAlives.Load()
	stats.KeepAliveErrors = p.stats.keepAliveErrs.Load()
	stats.MonitorStarts = p.stats.monitorStarts.Load()
	if t, ok := p.lastCreated.Load().(time.Time); ok {
		stats.LastCreated = t
	}
	if le, ok := p.lastError.Load().(lastErr); ok {
		stats.LastError = le.msg
		stats.LastErrorAt = le.at
	}
	return stats
}

// Shutdown stops the monitor, removes and closes every handler, and waits for outstanding maintenance work.
// Locked handlers are closed too. Acquire fails once Shutdown has been called.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	p.stopMonitorLocked()

	handlers := p.handlers
	p.handlers = nil
	for _, h := range handlers {
		h.mu.Lock()
		h.retired = true
		h.mu.Unlock()
		p.spawnClose(h, "shutdown")
	}
	p.notifyRegistryLocked()
	p.mu.Unlock()

	p.logger.Info("Shutting down connection pool", map[string]interface{}{"handlers": len(handlers)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.monitors.Wait()
		if r := p.workers.WaitAndRecover(); r != nil {
			p.logger.Error("Maintenance worker panicked", map[string]interface{}{"panic": r.String()})
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewError(errors.ErrCodeOperationTimeout, "shutdown did not finish").
			WithComponent("pool").
			WithOperation("shutdown").
			WithCause(ctx.Err())
	}
}
