package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/realm"
)

type stubConn struct {
	connected bool
	pingErr   error
}

func (c *stubConn) Open(context.Context) error { c.connected = true; return nil }
func (c *stubConn) Close() error { c.connected = false; return nil }
func (c *stubConn) IsConnected() bool { return c.connected }
func (c *stubConn) KeepAlive(context.Context) error { return c.pingErr }

func stubFactory(policy pool.Policy) pool.ConnectionHandlerFactory {
	return pool.FactoryFunc(func(_ context.Context, loc *realm.Location) (*pool.Handler, error) {
		return pool.NewHandler(loc, &stubConn{}, policy), nil
	})
}

func testCollector(t *testing.T) *Collector {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	c, err := NewCollector(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 9464, c.config.Port)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "realmpool", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector ignores events", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		c.RegistryChanged(3, 1)
		c.MonitorStateChanged(true)
		c.RecordError("acquire", errors.NewError(errors.ErrCodeNetworkError, "x"))
		require.NoError(t, c.Start(context.Background()))
		assert.Empty(t, c.Addr())
		require.NoError(t, c.Stop(context.Background()))
	})
}

func TestCollectorObservesPool(t *testing.T) {
	c := testCollector(t)
	p := pool.New(pool.WithObserver(c), pool.WithMonitorPeriod(time.Hour))
	factory := stubFactory(pool.Policy{})

	loc := realm.MustParseLocation("sftp://bob:pw@files.example.com/home")
	locked, err := p.AcquireLocked(context.Background(), factory, loc)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), factory, loc)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), factory, loc)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.acquisitions.WithLabelValues("sftp", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.acquisitions.WithLabelValues("sftp", "miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.handlersCreated.WithLabelValues("sftp")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.registryHandlers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockedHandlers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.monitorRunning))

	p.Release(locked)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.lockedHandlers))

	_, err = p.Acquire(context.Background(), factory, realm.MustParseLocation("nfs://filer/export"))
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), pool.SchemeFactories{}, realm.MustParseLocation("ftp://ftp.example.com/"))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.acquisitions.WithLabelValues("ftp", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("acquire", string(errors.ErrCodeUnsupportedScheme))))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.handlersClosed.WithLabelValues("sftp", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlersClosed.WithLabelValues("nfs", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.registryHandlers))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.monitorRunning))

	realms := c.GetRealmMetrics()
	sftp := realms["sftp://files.example.com:22"]
	assert.Equal(t, int64(3), sftp.Acquisitions)
	assert.Equal(t, int64(1), sftp.Reused)
	assert.Equal(t, int64(2), sftp.Created)
	assert.Equal(t, int64(2), sftp.Closed)
	assert.Equal(t, int64(1), realms["ftp://ftp.example.com:21"].Failures)
}

func TestCollectorKeepAliveOutcomes(t *testing.T) {
	c := testCollector(t)
	h := pool.NewHandler(realm.MustParseLocation("s3://bucket.example.com/"), &stubConn{}, pool.Policy{})

	c.KeepAliveSent(h, nil)
	c.KeepAliveSent(h, errors.NewError(errors.ErrCodeConnectionTimeout, "slow"))
	c.KeepAliveSent(h, io.EOF)
	c.HandlerEvicted(h)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.keepAlives.WithLabelValues("s3", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.keepAlives.WithLabelValues("s3", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("keepalive", "CONNECTION_TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("keepalive", "OTHER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlersEvicted.WithLabelValues("s3")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.idleAtEviction))

	m := c.GetRealmMetrics()["s3://bucket.example.com:443"]
	assert.Equal(t, int64(3), m.KeepAlives)
	assert.Equal(t, int64(2), m.KeepAliveErrors)
	assert.Equal(t, io.EOF.Error(), m.LastError)

	c.ResetMetrics()
	assert.Empty(t, c.GetRealmMetrics())
}

func TestCollectorServesEndpoints(t *testing.T) {
	c := testCollector(t)
	p := pool.New(pool.WithObserver(c), pool.WithMonitorPeriod(time.Hour))
	defer func() { _ = p.Shutdown(context.Background()) }()

	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()
	base := "http://" + c.Addr()

	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, _ := get("/debug/pool")
	assert.Equal(t, http.StatusNotFound, status)

	_, err := p.AcquireURL(context.Background(), stubFactory(pool.Policy{}), "nfs://filer/export", false)
	require.NoError(t, err)
	c.AttachPool(p)

	status, body := get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `realmpool_acquisitions_total{result="miss",scheme="nfs"} 1`)
	assert.Contains(t, body, "realmpool_registry_handlers 1")

	status, body = get("/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "healthy")

	_, body = get("/debug/realms")
	assert.Contains(t, body, "nfs://filer:2049")

	status, body = get("/debug/pool")
	assert.Equal(t, http.StatusOK, status)
	var dump struct {
		Stats    pool.PoolStats `json:"stats"`
		Handlers []string       `json:"handlers"`
	}
	require.NoError(t, json.NewDecoder(strings.NewReader(body)).Decode(&dump))
	assert.Equal(t, 1, dump.Stats.Handlers)
	require.Len(t, dump.Handlers, 1)
	assert.Contains(t, dump.Handlers[0], "nfs://filer:2049")
}

func TestStartReportsBindFailure(t *testing.T) {
	first := testCollector(t)
	require.NoError(t, first.Start(context.Background()))
	defer func() { _ = first.Stop(context.Background()) }()

	_, port, _ := strings.Cut(first.Addr(), ":")
	cfg := NewDefaultConfig()
	cfg.Address = "127.0.0.1"
	require.NoError(t, json.Unmarshal([]byte(port), &cfg.Port))

	second, err := NewCollector(cfg, nil)
	require.NoError(t, err)
	err = second.Start(context.Background())
	assert.Equal(t, errors.ErrCodeNetworkError, errors.CodeOf(err))
}
