package commands

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/realmpool/internal/config"
)

// nullServer answers every ONC RPC call on the connection with an accepted, successful, empty reply.
func nullServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				for {
					var mark [4]byte
					if _, err := io.ReadFull(conn, mark[:]); err != nil {
						return
					}
					record := make([]byte, binary.BigEndian.Uint32(mark[:])&^0x80000000)
					if _, err := io.ReadFull(conn, record); err != nil {
						return
					}
					reply := make([]byte, 4+24)
					binary.BigEndian.PutUint32(reply[0:], 0x80000000|24)
					copy(reply[4:8], record[:4]) // xid
					binary.BigEndian.PutUint32(reply[8:], 1)
					if _, err := conn.Write(reply); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() {
		_ = l.Close()
		wg.Wait()
	})
	return l.Addr().String()
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REALMPOOL_METRICS_ENABLED", "false")
	t.Setenv("REALMPOOL_SFTP_KNOWN_HOSTS_FILE", filepath.Join(t.TempDir(), "known_hosts"))
	t.Setenv("REALMPOOL_LOG_LEVEL", "DEBUG")
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestProbeSharesHandlers(t *testing.T) {
	isolateEnv(t)
	addr := nullServer(t)

	out, logs, err := execute(t, "probe", "nfs://"+addr+"/export/a", "nfs://"+addr+"/export/b")
	require.NoError(t, err)

	assert.Contains(t, out, "OK   nfs://"+addr+"/export/a -> handler #1")
	assert.Contains(t, out, "OK   nfs://"+addr+"/export/b -> handler #1")
	assert.Contains(t, out, "connection pool: 1 handler(s)")
	assert.Contains(t, out, "hits=1 misses=1 created=1")
	assert.Contains(t, logs, "Connection handler created")
}

func TestProbeLockedGetsOwnHandlers(t *testing.T) {
	isolateEnv(t)
	addr := nullServer(t)

	out, _, err := execute(t, "probe", "--lock", "nfs://"+addr+"/a", "nfs://"+addr+"/b")
	require.NoError(t, err)
	assert.Contains(t, out, "connection pool: 2 handler(s)")
	assert.Contains(t, out, "hits=0 misses=2 created=2")
	assert.Contains(t, out, "locked=false", "handlers are released before the dump")
}

func TestProbeReportsFailures(t *testing.T) {
	isolateEnv(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := l.Addr().String()
	require.NoError(t, l.Close())

	out, _, err := execute(t, "probe", "nfs://"+closed+"/x", "gopher://host:70/", "not a location")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 of 3 locations failed")

	assert.Contains(t, out, "FAIL nfs://"+closed+"/x")
	assert.Contains(t, out, "UNSUPPORTED_SCHEME")
	assert.Contains(t, out, "INVALID_LOCATION")
	assert.Contains(t, out, "hint:")
	assert.Contains(t, out, "connection pool: empty")
}

func TestProbeRequiresLocation(t *testing.T) {
	isolateEnv(t)
	_, _, err := execute(t, "probe")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "realmpool.yaml")

	out, _, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, _, err = execute(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
	_, _, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)

	t.Setenv("REALMPOOL_MONITOR_PERIOD", "7s")
	out, _, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "monitor_period: 7s")

	loaded := config.NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, config.NewDefault().Pool, loaded.Pool)

	out, _, err = execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_maintenance_workers: 0\n"), 0600))
	_, _, err = execute(t, "config", "validate", "--config", path)
	assert.ErrorContains(t, err, "pool.max_maintenance_workers")
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "realmpool dev")
}
