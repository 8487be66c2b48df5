// Package s3 provides pooled connection handlers for S3-compatible object stores.
//
// A location such as s3://ACCESS_KEY:SECRET@minio.local:9000/bucket/key maps to one handler per endpoint and key
// pair. The handler owns an *s3.Client; opening it loads the AWS configuration and probes the endpoint with
// ListBuckets, which is also the keep-alive request.
package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/realm"
	"github.com/objectfs/realmpool/pkg/utils"
)

// Scheme is the location scheme served by this backend.
const Scheme = "s3"

// Config holds S3 connection settings. A non-empty Endpoint pins every handler to one gateway; locations must
// then name that gateway's host and port.
type Config struct {
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	UseHTTP        bool          `yaml:"use_http"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Policy         pool.Policy   `yaml:",inline"`
}

// NewDefaultConfig returns default S3 settings.
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		ForcePathStyle: true,
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		Policy: pool.Policy{
			CloseOnInactivity: 10 * time.Minute,
			KeepAliveInterval: 2 * time.Minute,
		},
	}
}

// Factory creates S3 connection handlers.
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
	return &Factory{config: cfg, logger: logger.WithComponent("s3")}
}

// CreateConnectionHandler builds an unopened handler for loc.
func (f *Factory) CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*pool.Handler, error) {
	if loc.Realm.Scheme != Scheme {
		return nil, errors.NewError(errors.ErrCodeUnsupportedScheme, "not an s3 location").
			WithComponent("s3").
			WithContext("scheme", loc.Realm.Scheme)
	}

	endpoint, err := f.endpointFor(loc.Realm)
	if err != nil {
		return nil, err
	}
	conn := &Connector{
		config:      f.config,
		endpoint:    endpoint,
		credentials: loc.Credentials,
		logger:      f.logger.WithField("realm", loc.Realm.String()),
	}
	return pool.NewHandler(loc, conn, f.config.Policy), nil
}

// endpointFor derives the endpoint URL from the realm. With a configured endpoint the realm must address it,
// so one realm always identifies one physical target.
func (f *Factory) endpointFor(r realm.Realm) (string, error) {
	if f.config.Endpoint == "" {
		scheme := "https"
		if f.config.UseHTTP {
			scheme = "http"
		}
		return scheme + "://" + r.Address(), nil
	}

	u, err := url.Parse(f.config.Endpoint)
	if err != nil || u.Hostname() == "" {
		return "", errors.NewError(errors.ErrCodeInvalidConfig, "invalid s3 endpoint").
			WithComponent("s3").
			WithContext("endpoint", f.config.Endpoint).
			WithCause(err)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	if !strings.EqualFold(u.Hostname(), r.Host) || port != strconv.Itoa(r.Port) {
		return "", errors.NewError(errors.ErrCodeInvalidLocation, "location does not address the configured s3 endpoint").
			WithComponent("s3").
			WithContext("realm", r.String()).
			WithContext("endpoint", net.JoinHostPort(u.Hostname(), port))
	}
	return f.config.Endpoint, nil
}

// Connector holds an S3 client for one endpoint and key pair.
type Connector struct {
	config      *Config
	endpoint    string
	credentials *realm.Credentials
	logger      *utils.StructuredLogger

	mu     sync.RWMutex
	client *s3.Client
}

// Open loads the AWS configuration and checks the endpoint answers ListBuckets.
func (c *Connector) Open(ctx context.Context) error {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(c.config.Region),
		config.WithRetryMaxAttempts(c.config.MaxRetries),
	}
	if c.credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.credentials.Login, c.credentials.Secret, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("s3").
			WithOperation("open").
			WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(c.endpoint)
		o.UsePathStyle = c.config.ForcePathStyle
	})

	buckets, err := c.listBuckets(ctx, client)
	if err != nil {
		return classify(err, "open", c.endpoint)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Debug("S3 endpoint reachable", map[string]interface{}{
		"endpoint": c.endpoint,
		"buckets":  buckets,
	})
	return nil
}

// Close drops the client. The SDK keeps no per-client sockets that need explicit teardown.
func (c *Connector) Close() error {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether Open succeeded and Close has not been called since.
func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// KeepAlive issues a ListBuckets request, keeping the HTTP connection warm.
func (c *Connector) KeepAlive(ctx context.Context) error {
	client := c.Client()
	if client == nil {
		return nil
	}
	if _, err := c.listBuckets(ctx, client); err != nil {
		return classify(err, "keepalive", c.endpoint)
	}
	return nil
}

// Client returns the S3 client, or nil when not connected.
func (c *Connector) Client() *s3.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Endpoint returns the URL requests are sent to.
func (c *Connector) Endpoint() string {
	return c.endpoint
}

func (c *Connector) listBuckets(ctx context.Context, client *s3.Client) (int, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	out, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return 0, err
	}
	return len(out.Buckets), nil
}

var authErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
}

func classify(err error, operation, endpoint string) error {
	code := errors.ErrCodeConnectionFailed
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code = errors.ErrCodeProtocolError
		if authErrorCodes[apiErr.ErrorCode()] {
			code = errors.ErrCodeAuthenticationFailed
		}
	} else if stderrors.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.NewError(code, fmt.Sprintf("s3 %s failed", operation)).
		WithComponent("s3").
		WithOperation(operation).
		WithContext("endpoint", endpoint).
		WithCause(err)
}
