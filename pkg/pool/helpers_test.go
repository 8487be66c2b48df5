package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/realmpool/pkg/realm"
)

// fakeConn is an in-memory Connector that records every call.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	openErr   error
	closeErr  error
	pingErr   error
	openHook  func() error

	opens  atomic.Int32
	closes atomic.Int32
	pings  atomic.Int32
}

func (c *fakeConn) Open(ctx context.Context) error {
	c.opens.Add(1)
	if c.openHook != nil {
		if err := c.openHook(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.closeErr
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) KeepAlive(ctx context.Context) error {
	c.pings.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// fakeFactory builds handlers around fakeConns with a fixed policy.
type fakeFactory struct {
	mu      sync.Mutex
	policy  Policy
	err     error
	openErr error
	conns   []*fakeConn
	calls   atomic.Int32

	// openHook runs at the start of every Open of every conn this factory builds.
	openHook func() error
}

func (f *fakeFactory) CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*Handler, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeConn{openErr: f.openErr, openHook: f.openHook}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return NewHandler(loc, conn, f.policy), nil
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func connOf(h *Handler) *fakeConn {
	return h.Connector().(*fakeConn)
}

// gatedOpen returns an open hook whose first call signals entered, then blocks until release is closed and
// returns firstErr. Later calls succeed at once.
func gatedOpen(firstErr error) (hook func() error, entered <-chan struct{}, release chan<- struct{}) {
	in := make(chan struct{})
	out := make(chan struct{})
	var calls atomic.Int32
	return func() error {
		if calls.Add(1) != 1 {
			return nil
		}
		close(in)
		<-out
		return firstErr
	}, in, out
}
