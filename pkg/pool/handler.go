package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/realmpool/pkg/realm"
	"github.com/objectfs/realmpool/pkg/utils"
)

// errHandlerRetired is returned by EnsureOpen once the pool has removed the handler.
var errHandlerRetired = stderrors.New("connection handler retired")

// Connector is the protocol side of a connection handler. Each wire protocol implements it once.
//
// A handler acquired without a lock is shared, so a Connector must tolerate KeepAlive being called
// while consumers use the connection.
type Connector interface {
	// Open establishes the physical connection. It blocks until connected or failed.
	Open(ctx context.Context) error
	// Close tears the connection down. Errors are reported but the connection is considered gone.
	Close() error
	// IsConnected is a non-blocking liveness check.
	IsConnected() bool
	// KeepAlive pings the remote end. It is only called on connected handlers.
	KeepAlive(ctx context.Context) error
}

// Policy controls how long an idle handler lives and how often it is pinged.
// A zero or negative duration means never close / never ping.
type Policy struct {
	CloseOnInactivity time.Duration `yaml:"close_on_inactivity"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// ClosesOnInactivity reports whether idle eviction is enabled.
func (p Policy) ClosesOnInactivity() bool { return p.CloseOnInactivity > 0 }

// KeepsAlive reports whether keep-alive pings are enabled.
func (p Policy) KeepsAlive() bool { return p.KeepAliveInterval > 0 }

// Handler wraps one physical connection to a realm together with the bookkeeping the pool needs.
type Handler struct {
	id          uint64
	realm       realm.Realm
	credentials *realm.Credentials
	policy      Policy
	conn        Connector
	logger      *utils.StructuredLogger

	// openMu serializes Open and Close. mu may be taken while holding it, never the reverse.
	openMu        sync.Mutex
	openAttempted bool

	mu            sync.Mutex
	locked        bool
	retired       bool
	lastActivity  time.Time
	lastKeepAlive time.Time
}

// NewHandler builds a handler for loc. The realm and credentials are taken from loc so they match what the
// pool derives from the same location.
func NewHandler(loc *realm.Location, conn Connector, policy Policy) *Handler {
	var creds *realm.Credentials
	if loc.Credentials != nil {
		c := *loc.Credentials
		creds = &c
	}
	return &Handler{
		realm:       loc.Realm,
		credentials: creds,
		policy:      policy,
		conn:        conn,
		logger:      utils.NewNopLogger(),
	}
}

// ID is assigned when the pool registers the handler. Zero means unregistered.
func (h *Handler) ID() uint64 { return h.id }

// Realm returns the realm the handler connects to.
func (h *Handler) Realm() realm.Realm { return h.realm }

// Credentials returns the credentials the handler was created with, or nil.
func (h *Handler) Credentials() *realm.Credentials { return h.credentials }

// Policy returns the TTL and keep-alive policy.
func (h *Handler) Policy() Policy { return h.policy }

// Connector returns the protocol connector, for callers that need protocol specific operations.
func (h *Handler) Connector() Connector { return h.conn }

// IsConnected reports whether the underlying connection is alive.
func (h *Handler) IsConnected() bool { return h.conn.IsConnected() }

// Open establishes the physical connection unconditionally.
func (h *Handler) Open(ctx context.Context) error {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	return h.openLocked(ctx)
}

func (h *Handler) openLocked(ctx context.Context) error {
	h.openAttempted = true
	if err := h.conn.Open(ctx); err != nil {
		h.logger.Warn("Open failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	h.logger.Debug("Connection opened")
	return nil
}

// EnsureOpen opens the connection if it is not connected. A dead earlier attempt is closed first.
func (h *Handler) EnsureOpen(ctx context.Context) error {
	return h.ensureOpen(ctx, false)
}

// ensureOpen with retireOnFailure marks the handler retired before openMu is released, so a caller waiting
// on the same handler cannot reopen one that is about to be discarded.
func (h *Handler) ensureOpen(ctx context.Context, retireOnFailure bool) error {
	h.openMu.Lock()
	defer h.openMu.Unlock()

	// A retired handler is closed, or about to be; reopening it would leak the connection.
	if h.isRetired() {
		return errHandlerRetired
	}
	if h.conn.IsConnected() {
		return nil
	}
	if h.openAttempted {
		h.logger.Debug("Connection lost, reopening")
		if err := h.conn.Close(); err != nil {
			h.logger.Debug("Close of dead connection failed", map[string]interface{}{"error": err.Error()})
		}
	}
	err := h.openLocked(ctx)
	if err != nil && retireOnFailure {
		h.mu.Lock()
		h.retired = true
		h.mu.Unlock()
	}
	return err
}

// Close closes the connection. Errors are logged, not returned.
func (h *Handler) Close() {
	_ = h.close()
}

func (h *Handler) close() error {
	h.openMu.Lock()
	defer h.openMu.Unlock()

	err := h.conn.Close()
	if err != nil {
		h.logger.Warn("Close failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	h.logger.Debug("Connection closed")
	return nil
}

// KeepAlive pings the remote end if connected. Failures are logged; the handler then simply ages out.
func (h *Handler) KeepAlive(ctx context.Context) {
	_ = h.keepAlive(ctx)
}

func (h *Handler) keepAlive(ctx context.Context) error {
	if !h.conn.IsConnected() {
		return nil
	}
	if err := h.conn.KeepAlive(ctx); err != nil {
		h.logger.Warn("Keep-alive failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	h.logger.Trace("Keep-alive sent")
	return nil
}

// AcquireLock sets the lock flag. It returns false if the handler was already locked.
func (h *Handler) AcquireLock() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		return false
	}
	h.locked = true
	return true
}

// ReleaseLock clears the lock flag. Releasing an unlocked handler is a no-op.
func (h *Handler) ReleaseLock() {
	h.mu.Lock()
	h.locked = false
	h.mu.Unlock()
}

// IsLocked reports whether the handler is held exclusively.
func (h *Handler) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// LastActivity returns the time of the last successful acquisition.
func (h *Handler) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// LastKeepAlive returns the time the last keep-alive was scheduled, or the zero time.
func (h *Handler) LastKeepAlive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastKeepAlive
}

// touchLocked advances lastActivity. Caller holds h.mu.
func (h *Handler) touchLocked(now time.Time) {
	if now.After(h.lastActivity) {
		h.lastActivity = now
	}
}

func (h *Handler) isRetired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retired
}

// handOut re-checks a freshly opened handler and restarts its idle clock. It fails if the handler was
// retired while opening.
func (h *Handler) handOut(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.touchLocked(now)
	return true
}

// keepAliveStillWanted re-validates a scheduled ping right before it is sent.
func (h *Handler) keepAliveStillWanted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.locked && !h.retired
}

// String identifies the handler in logs without exposing the secret.
func (h *Handler) String() string {
	return fmt.Sprintf("#%d %s (%s)", h.id, h.realm, h.credentials)
}

func (h *Handler) describe(now time.Time) string {
	h.mu.Lock()
	locked := h.locked
	idle := now.Sub(h.lastActivity)
	h.mu.Unlock()

	return fmt.Sprintf("%s locked=%t connected=%t idle=%s ttl=%s keepalive=%s",
		h, locked, h.conn.IsConnected(), idle.Truncate(time.Millisecond),
		policyString(h.policy.CloseOnInactivity), policyString(h.policy.KeepAliveInterval))
}

func policyString(d time.Duration) string {
	if d <= 0 {
		return "never"
	}
	return d.String()
}
