package nfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/realm"
)

type echoArgs struct {
	Name  string
	Count uint32
}

type echoResult struct {
	Greeting string
	Count    uint32
}

// rpcServer answers NULL and an echo procedure (1) for one program and version.
type rpcServer struct {
	listener net.Listener
	program  uint32
	version  uint32
	calls    atomic.Int32
	deny     atomic.Bool
	stall    atomic.Bool
	received atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newRPCServer(t *testing.T, program, version uint32) *rpcServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &rpcServer{listener: l, program: program, version: version}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *rpcServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			for {
				record, err := readRecord(conn)
				if err != nil {
					return
				}
				s.received.Add(1)
				if s.stall.Load() {
					continue
				}
				if _, err := conn.Write(s.reply(record)); err != nil {
					return
				}
			}
		}()
	}
}

func (s *rpcServer) reply(record []byte) []byte {
	s.calls.Add(1)
	r := bytes.NewReader(record)
	var call callHeader
	if _, err := xdr.Unmarshal(r, &call); err != nil {
		return nil
	}

	var body bytes.Buffer
	body.Write(make([]byte, 4))
	if s.deny.Load() {
		_, _ = xdr.Marshal(&body, &replyHeader{XID: call.XID, MsgType: msgReply, ReplyStat: replyDenied})
		_, _ = xdr.Marshal(&body, &mismatchInfo{}) // rejected reply payload, ignored by clients
	} else {
		_, _ = xdr.Marshal(&body, &replyHeader{XID: call.XID, MsgType: msgReply, ReplyStat: replyAccepted})
		verf := opaqueAuth{Flavor: authNone, Body: []byte{}}
		switch {
		case call.Program != s.program:
			_, _ = xdr.Marshal(&body, &acceptedReply{Verf: verf, Stat: uint32(ProgUnavail)})
		case call.Version != s.version:
			_, _ = xdr.Marshal(&body, &acceptedReply{Verf: verf, Stat: uint32(ProgMismatch)})
			_, _ = xdr.Marshal(&body, &mismatchInfo{Low: s.version, High: s.version})
		case call.Procedure == ProcNull:
			_, _ = xdr.Marshal(&body, &acceptedReply{Verf: verf, Stat: uint32(Success)})
		case call.Procedure == 1:
			var args echoArgs
			if _, err := xdr.Unmarshal(r, &args); err != nil {
				_, _ = xdr.Marshal(&body, &acceptedReply{Verf: verf, Stat: uint32(GarbageArgs)})
				break
			}
			_, _ = xdr.Marshal(&body, &acceptedReply{Verf: verf, Stat: uint32(Success)})
			_, _ = xdr.Marshal(&body, &echoResult{Greeting: "hello " + args.Name, Count: args.Count + 1})
		default:
			_, _ = xdr.Marshal(&body, &acceptedReply{Verf: verf, Stat: uint32(ProcUnavail)})
		}
	}

	msg := body.Bytes()
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)-4)|lastFragment)
	return msg
}

func (s *rpcServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *rpcServer) close() {
	_ = s.listener.Close()
	s.dropAll()
	s.wg.Wait()
}

func (s *rpcServer) location() *realm.Location {
	return realm.MustParseLocation("nfs://" + s.listener.Addr().String() + "/export")
}

func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func TestEncodeCallRecordMark(t *testing.T) {
	msg, err := encodeCall(7, ProgramNFS, 3, ProcNull, nil)
	require.NoError(t, err)

	// xid, type, rpcvers, prog, vers, proc, cred(flavor,len), verf(flavor,len)
	require.Len(t, msg, 4+10*4)
	header := binary.BigEndian.Uint32(msg[:4])
	assert.Equal(t, uint32(lastFragment|40), header)
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(msg[4:8]))
	assert.Equal(t, uint32(ProgramNFS), binary.BigEndian.Uint32(msg[16:20]))

	record, err := readRecord(bytes.NewReader(msg))
	require.NoError(t, err)
	assert.Equal(t, msg[4:], record)
}

func TestReadRecordJoinsFragments(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(3))
	buf.WriteString("abc")
	_ = binary.Write(&buf, binary.BigEndian, uint32(2|lastFragment))
	buf.WriteString("de")

	record, err := readRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), record)
}

func TestOpenKeepAliveAndCall(t *testing.T) {
	server := newRPCServer(t, ProgramNFS, 3)
	f := NewFactory(testConfig(), nil)

	h, err := f.CreateConnectionHandler(context.Background(), server.location())
	require.NoError(t, err)
	require.NoError(t, h.EnsureOpen(context.Background()))
	assert.True(t, h.IsConnected())
	assert.Equal(t, int32(1), server.calls.Load())

	h.KeepAlive(context.Background())
	assert.Equal(t, int32(2), server.calls.Load())

	conn := h.Connector().(*Connector)
	var result echoResult
	require.NoError(t, conn.Call(context.Background(), 1, &echoArgs{Name: "filer", Count: 41}, &result))
	assert.Equal(t, echoResult{Greeting: "hello filer", Count: 42}, result)

	err = conn.Call(context.Background(), 99, nil, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ProcUnavail, rpcErr.Stat)
	assert.Equal(t, errors.ErrCodeProtocolError, errors.CodeOf(err))
	assert.True(t, h.IsConnected(), "an RPC level failure keeps the connection")

	h.Close()
	assert.False(t, h.IsConnected())
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(conn.Call(context.Background(), ProcNull, nil, nil)))
}

func TestOpenRejectsWrongProgram(t *testing.T) {
	ctx := context.Background()

	t.Run("program unavailable", func(t *testing.T) {
		server := newRPCServer(t, 100005, 3)
		h, err := NewFactory(testConfig(), nil).CreateConnectionHandler(ctx, server.location())
		require.NoError(t, err)

		err = h.EnsureOpen(ctx)
		assert.Equal(t, errors.ErrCodeProtocolError, errors.CodeOf(err))
		assert.False(t, h.IsConnected())
	})

	t.Run("version mismatch", func(t *testing.T) {
		server := newRPCServer(t, ProgramNFS, 4)
		h, err := NewFactory(testConfig(), nil).CreateConnectionHandler(ctx, server.location())
		require.NoError(t, err)

		err = h.EnsureOpen(ctx)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, uint32(4), rpcErr.Low)
		assert.Contains(t, err.Error(), "4-4")
	})

	t.Run("denied", func(t *testing.T) {
		server := newRPCServer(t, ProgramNFS, 3)
		server.deny.Store(true)
		h, err := NewFactory(testConfig(), nil).CreateConnectionHandler(ctx, server.location())
		require.NoError(t, err)

		var rpcErr *RPCError
		require.ErrorAs(t, h.EnsureOpen(ctx), &rpcErr)
		assert.True(t, rpcErr.Denied)
	})
}

func TestDroppedConnectionIsDetected(t *testing.T) {
	server := newRPCServer(t, ProgramNFS, 3)
	h, err := NewFactory(testConfig(), nil).CreateConnectionHandler(context.Background(), server.location())
	require.NoError(t, err)
	require.NoError(t, h.EnsureOpen(context.Background()))

	server.dropAll()
	err = h.Connector().KeepAlive(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNetworkError, errors.CodeOf(err))
	assert.False(t, h.IsConnected())

	require.NoError(t, h.EnsureOpen(context.Background()))
	assert.True(t, h.IsConnected())
	h.Close()
}

func TestPoolKeepsNFSConnectionAlive(t *testing.T) {
	server := newRPCServer(t, ProgramNFS, 3)
	cfg := testConfig()
	cfg.Policy = pool.Policy{KeepAliveInterval: 20 * time.Millisecond}
	p := pool.New(pool.WithMonitorPeriod(5 * time.Millisecond))
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, err := p.Acquire(context.Background(), NewFactory(cfg, nil), server.location())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return p.Stats().KeepAlives >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, server.calls.Load(), int32(3))
	assert.Zero(t, p.Stats().KeepAliveErrors)
}

func TestIsConnectedDoesNotWaitForCallInFlight(t *testing.T) {
	server := newRPCServer(t, ProgramNFS, 3)
	cfg := testConfig()
	cfg.CallTimeout = 3 * time.Second
	h, err := NewFactory(cfg, nil).CreateConnectionHandler(context.Background(), server.location())
	require.NoError(t, err)
	require.NoError(t, h.EnsureOpen(context.Background()))
	defer h.Close()

	server.stall.Store(true)
	done := make(chan error, 1)
	go func() { done <- h.Connector().KeepAlive(context.Background()) }()
	require.Eventually(t, func() bool { return server.received.Load() >= 2 }, time.Second, time.Millisecond)

	begin := time.Now()
	assert.True(t, h.IsConnected())
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	// Closing interrupts the stalled call.
	h.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled call was not interrupted by Close")
	}
	assert.False(t, h.IsConnected())
}

func TestPoolDumpDuringStalledKeepAlive(t *testing.T) {
	server := newRPCServer(t, ProgramNFS, 3)
	cfg := testConfig()
	cfg.CallTimeout = 3 * time.Second
	p := pool.New()
	defer func() { _ = p.Shutdown(context.Background()) }()

	h, err := p.Acquire(context.Background(), NewFactory(cfg, nil), server.location())
	require.NoError(t, err)

	server.stall.Store(true)
	go h.KeepAlive(context.Background())
	require.Eventually(t, func() bool { return server.received.Load() >= 2 }, time.Second, time.Millisecond)

	begin := time.Now()
	lines := p.Dump()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "connected=true")
	_, err = p.Acquire(context.Background(), NewFactory(cfg, nil), server.location())
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
}
