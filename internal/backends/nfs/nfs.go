// Package nfs provides pooled ONC RPC connections to NFS servers.
//
// One handler holds one TCP connection to the server's NFS port. Opening the handler performs the NFS NULL
// procedure so a server that accepts TCP but does not speak NFS is rejected early. The same call serves as
// keep-alive. Consumers issue their own procedures through Call.
package nfs

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/realm"
	"github.com/objectfs/realmpool/pkg/utils"
)

const (
	Scheme = "nfs"

	ProgramNFS = 100003
	ProcNull   = 0
)

var errMalformedReply = stderrors.New("malformed rpc reply")

// Config holds NFS connection settings.
type Config struct {
	Program     uint32        `yaml:"program"`
	Version     uint32        `yaml:"version"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Policy      pool.Policy   `yaml:",inline"`
}

// NewDefaultConfig returns settings for NFSv3 over TCP.
func NewDefaultConfig() *Config {
	return &Config{
		Program:     ProgramNFS,
		Version:     3,
		DialTimeout: 10 * time.Second,
		CallTimeout: 10 * time.Second,
		Policy: pool.Policy{
			CloseOnInactivity: 15 * time.Minute,
			KeepAliveInterval: time.Minute,
		},
	}
}

// Factory creates NFS connection handlers.
type Factory struct {
	config *Config
	logger *utils.StructuredLogger
}

// NewFactory creates a factory. A nil config selects the defaults.
func NewFactory(cfg *Config, logger *utils.StructuredLogger) *Factory {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Factory{config: cfg, logger: logger.WithComponent("nfs")}
}

// CreateConnectionHandler builds an unopened handler for loc.
func (f *Factory) CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*pool.Handler, error) {
	if loc.Realm.Scheme != Scheme {
		return nil, errors.NewError(errors.ErrCodeUnsupportedScheme, "not an nfs location").
			WithComponent("nfs").
			WithContext("scheme", loc.Realm.Scheme)
	}
	conn := &Connector{
		config:  f.config,
		address: loc.Realm.Address(),
		logger:  f.logger.WithField("realm", loc.Realm.String()),
	}
	conn.xid.Store(uint32(time.Now().UnixNano()))
	return pool.NewHandler(loc, conn, f.config.Policy), nil
}

// Connector is one RPC connection. Calls are serialized on ioMu; connection state lives under stateMu so
// IsConnected never waits for a call in flight.
type Connector struct {
	config  *Config
	address string
	logger  *utils.StructuredLogger
	xid     atomic.Uint32

	ioMu sync.Mutex

	stateMu   sync.Mutex
	conn      net.Conn
	connected atomic.Bool
}

// Open dials the server and checks it answers NULL.
func (c *Connector) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return errors.NewError(errors.ErrCodeNetworkError, "nfs dial failed").
			WithComponent("nfs").
			WithOperation("open").
			WithContext("address", c.address).
			WithCause(err)
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.stateMu.Lock()
	old := c.conn
	c.conn = conn
	c.connected.Store(false)
	c.stateMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := c.roundTrip(ctx, conn, ProcNull, nil, nil); err != nil {
		c.detach(conn)
		return c.wrap(err, "open")
	}

	c.stateMu.Lock()
	attached := c.conn == conn
	if attached {
		c.connected.Store(true)
	}
	c.stateMu.Unlock()
	if !attached {
		return errors.NewError(errors.ErrCodeConnectionFailed, "nfs connection closed while opening").
			WithComponent("nfs").
			WithOperation("open").
			WithContext("address", c.address)
	}

	c.logger.Debug("NFS server answered NULL", map[string]interface{}{
		"address": c.address,
		"program": c.config.Program,
		"version": c.config.Version,
	})
	return nil
}

// Close closes the TCP connection. A call in flight fails with a network error.
func (c *Connector) Close() error {
	c.stateMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.stateMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// IsConnected reports whether the connection is open and no call has failed at the transport level.
func (c *Connector) IsConnected() bool {
	return c.connected.Load()
}

// KeepAlive performs the NULL procedure.
func (c *Connector) KeepAlive(ctx context.Context) error {
	return c.Call(ctx, ProcNull, nil, nil)
}

// Call performs one procedure. args and result are XDR encoded with go-xdr; either may be nil.
func (c *Connector) Call(ctx context.Context, procedure uint32, args, result interface{}) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.stateMu.Lock()
	conn := c.conn
	c.stateMu.Unlock()

	if conn == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "nfs connection is closed").
			WithComponent("nfs").
			WithOperation("call")
	}
	if err := c.roundTrip(ctx, conn, procedure, args, result); err != nil {
		return c.wrap(err, "call")
	}
	return nil
}

// roundTrip sends one call on conn and reads its reply. Caller holds ioMu.
func (c *Connector) roundTrip(ctx context.Context, conn net.Conn, procedure uint32, args, result interface{}) error {
	xid := c.xid.Add(1)
	msg, err := encodeCall(xid, c.config.Program, c.config.Version, procedure, args)
	if err != nil {
		return err
	}

	deadline := time.Time{}
	if c.config.CallTimeout > 0 {
		deadline = time.Now().Add(c.config.CallTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(msg); err != nil {
		c.markBroken(conn)
		return err
	}
	record, err := readRecord(conn)
	if err != nil {
		c.markBroken(conn)
		return err
	}
	if err := decodeReply(record, xid, result); err != nil {
		var rpcErr *RPCError
		if !stderrors.As(err, &rpcErr) {
			c.markBroken(conn)
			return fmt.Errorf("%w: %v", errMalformedReply, err)
		}
		return err
	}
	return nil
}

// markBroken flags conn as unusable if it is still the current connection.
func (c *Connector) markBroken(conn net.Conn) {
	c.stateMu.Lock()
	if c.conn == conn {
		c.connected.Store(false)
	}
	c.stateMu.Unlock()
}

// detach drops and closes conn after a failed handshake.
func (c *Connector) detach(conn net.Conn) {
	c.stateMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected.Store(false)
	}
	c.stateMu.Unlock()
	_ = conn.Close()
}

func (c *Connector) wrap(err error, operation string) error {
	code := errors.ErrCodeNetworkError
	var rpcErr *RPCError
	var netErr net.Error
	switch {
	case stderrors.As(err, &rpcErr), stderrors.Is(err, errMalformedReply):
		code = errors.ErrCodeProtocolError
	case stderrors.As(err, &netErr) && netErr.Timeout():
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.NewError(code, "nfs rpc failed").
		WithComponent("nfs").
		WithOperation(operation).
		WithContext("address", c.address).
		WithCause(err)
}
