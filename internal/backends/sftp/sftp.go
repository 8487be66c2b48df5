// Package sftp provides pooled SSH connections for sftp:// and ssh:// locations.
//
// The handler owns one authenticated *ssh.Client. Consumers open SFTP subsystems or exec sessions on it; the pool
// only manages the transport. Keep-alives use the OpenSSH global request, which every server answers.
package sftp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/realm"
	"github.com/objectfs/realmpool/pkg/utils"
)

const keepAliveRequest = "keepalive@openssh.com"

// Config holds SSH connection settings.
type Config struct {
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	PrivateKeyFile        string        `yaml:"private_key_file"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ClientVersion         string        `yaml:"client_version"`
	Policy                pool.Policy   `yaml:",inline"`
}

// NewDefaultConfig returns default SSH settings. Host keys are checked against ~/.ssh/known_hosts.
func NewDefaultConfig() *Config {
	knownHosts := ""
	if home, err := os.UserHomeDir(); err == nil {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	return &Config{
		KnownHostsFile: knownHosts,
		DialTimeout:    15 * time.Second,
		ClientVersion:  "SSH-2.0-realmpool",
		Policy: pool.Policy{
			CloseOnInactivity: 5 * time.Minute,
			KeepAliveInterval: 30 * time.Second,
		},
	}
}

// Factory creates SSH connection handlers.
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
	return &Factory{config: cfg, logger: logger.WithComponent("sftp")}
}

// Schemes lists the location schemes this factory serves.
func (f *Factory) Schemes() []string {
	return []string{"sftp", "ssh"}
}

// CreateConnectionHandler builds an unopened handler for loc. A login is required.
func (f *Factory) CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*pool.Handler, error) {
	if loc.Realm.Scheme != "sftp" && loc.Realm.Scheme != "ssh" {
		return nil, errors.NewError(errors.ErrCodeUnsupportedScheme, "not an sftp location").
			WithComponent("sftp").
			WithContext("scheme", loc.Realm.Scheme)
	}
	if loc.Credentials == nil || loc.Credentials.Login == "" {
		return nil, errors.NewError(errors.ErrCodeCredentialsMissing, "sftp locations need a login").
			WithComponent("sftp").
			WithContext("realm", loc.Realm.String())
	}

	conn := &Connector{
		config:  f.config,
		address: loc.Realm.Address(),
		login:   loc.Credentials.Login,
		secret:  loc.Credentials.Secret,
		logger:  f.logger.WithField("realm", loc.Realm.String()),
	}
	return pool.NewHandler(loc, conn, f.config.Policy), nil
}

// Connector is one SSH client connection.
type Connector struct {
	config  *Config
	address string
	login   string
	secret  string
	logger  *utils.StructuredLogger

	mu     sync.Mutex
	client *ssh.Client
	dead   chan struct{}
}

// Open dials and authenticates. The context bounds the TCP dial and the SSH handshake.
func (c *Connector) Open(ctx context.Context) error {
	clientConfig, err := c.clientConfig()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return errors.NewError(errors.ErrCodeNetworkError, "ssh dial failed").
			WithComponent("sftp").
			WithOperation("open").
			WithContext("address", c.address).
			WithCause(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return errors.NewError(errors.ErrCodeAuthenticationFailed, "ssh handshake failed").
			WithComponent("sftp").
			WithOperation("open").
			WithContext("address", c.address).
			WithContext("login", c.login).
			WithCause(err)
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	dead := make(chan struct{})
	go func() {
		err := client.Wait()
		close(dead)
		c.logger.Debug("SSH connection ended", map[string]interface{}{"reason": errString(err)})
	}()

	c.mu.Lock()
	c.client = client
	c.dead = dead
	c.mu.Unlock()

	c.logger.Debug("SSH connection established", map[string]interface{}{
		"address":        c.address,
		"login":          c.login,
		"server_version": string(sshConn.ServerVersion()),
	})
	return nil
}

func (c *Connector) clientConfig() (*ssh.ClientConfig, error) {
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	if c.config.PrivateKeyFile != "" {
		signer, err := loadSigner(c.config.PrivateKeyFile, c.secret)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.secret != "" {
		auth = append(auth,
			ssh.Password(c.secret),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.secret
				}
				return answers, nil
			}))
	}

	return &ssh.ClientConfig{
		User:            c.login,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.DialTimeout,
		ClientVersion:   c.config.ClientVersion,
	}, nil
}

func (c *Connector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.config.InsecureIgnoreHostKey {
		c.logger.Warn("Host key verification disabled", map[string]interface{}{"address": c.address})
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if c.config.KnownHostsFile == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "no known_hosts file configured").
			WithComponent("sftp").
			WithOperation("open")
	}
	callback, err := knownhosts.New(c.config.KnownHostsFile)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "cannot read known_hosts").
			WithComponent("sftp").
			WithOperation("open").
			WithContext("file", c.config.KnownHostsFile).
			WithCause(err)
	}
	return callback, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "cannot read private key").
			WithComponent("sftp").
			WithContext("file", path).
			WithCause(err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if _, encrypted := err.(*ssh.PassphraseMissingError); encrypted && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cannot parse private key").
			WithComponent("sftp").
			WithContext("file", path).
			WithCause(err)
	}
	return signer, nil
}

// Close closes the SSH client.
func (c *Connector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// IsConnected reports whether the SSH transport is still up.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return false
	}
	select {
	case <-c.dead:
		return false
	default:
		return true
	}
}

// KeepAlive sends keepalive@openssh.com and waits for the reply. A refusal still proves the link is alive.
func (c *Connector) KeepAlive(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepAliveRequest, true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.NewError(errors.ErrCodeNetworkError, "ssh keep-alive failed").
				WithComponent("sftp").
				WithOperation("keepalive").
				WithContext("address", c.address).
				WithCause(err)
		}
		return nil
	case <-ctx.Done():
		return errors.NewError(errors.ErrCodeOperationTimeout, "ssh keep-alive timed out").
			WithComponent("sftp").
			WithOperation("keepalive").
			WithContext("address", c.address).
			WithCause(ctx.Err())
	}
}

// Client returns the SSH client, or nil when not connected.
func (c *Connector) Client() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
