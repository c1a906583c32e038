package upscale

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prethora/xprim-upscale/weights"
)

// Tiling defaults.
const (
	// DefaultTileSize is the default tile edge length in source pixels.
	DefaultTileSize = 512

	// DefaultTilePadding is the default context margin around each tile.
	DefaultTilePadding = 32
)

// Download constants.
const (
	// DownloadChunkSize is the read size used when streaming weights.
	DownloadChunkSize = 8 * 1024

	// MaxAttempts is the number of download attempts before giving up.
	MaxAttempts = 3

	// InitialBackoff is the wait before the first retry.
	InitialBackoff = 2 * time.Second

	// MaxBackoff caps the wait between retries.
	MaxBackoff = 30 * time.Second

	// DefaultLockTimeout bounds the wait for another process's download
	// of the same file.
	DefaultLockTimeout = 10 * time.Minute
)

// RetryConfig controls download retries.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each failed attempt.
	BackoffFactor float64
}

// DefaultRetryConfig returns 3 attempts, 2s initial backoff doubling up to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    MaxAttempts,
		InitialBackoff: InitialBackoff,
		MaxBackoff:     MaxBackoff,
		BackoffFactor:  2,
	}
}

// Validate checks the retry parameters.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MaxAttempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("BackoffFactor must be at least 1, got %v", c.BackoffFactor)
	}
	return nil
}

// backoff returns the wait after the given failed attempt (1-based).
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return min(time.Duration(d), c.MaxBackoff)
}

// Option configures a ModelManager or Upscaler.
type Option func(*managerConfig)

// managerConfig holds the dependencies shared by the manager, downloader
// and upscaler.
type managerConfig struct {
	// httpClient is used for weight downloads.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// device overrides the configured device preference.
	device Device

	// retry controls download retries.
	retry RetryConfig

	// archs maps architecture kinds to executors.
	archs map[ArchKind]Architecture

	// openWeights reads a weight file.
	openWeights func(path string) (*weights.File, error)
}

// newManagerConfig returns a managerConfig with default values.
func newManagerConfig() *managerConfig {
	return &managerConfig{
		httpClient:  http.DefaultClient,
		logger:      slog.New(slog.DiscardHandler),
		retry:       DefaultRetryConfig(),
		archs:       builtinArchitectures(),
		openWeights: weights.Open,
	}
}

func applyOptions(opts []Option) *managerConfig {
	cfg := newManagerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithHTTPClient sets a custom HTTP client for weight downloads.
// If not set, http.DefaultClient is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *managerConfig) {
		c.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) Option {
	return func(c *managerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDevice places models on d instead of the configured device.
func WithDevice(d Device) Option {
	return func(c *managerConfig) {
		c.device = d
	}
}

// WithRetryConfig overrides the download retry policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *managerConfig) {
		c.retry = rc
	}
}

// WithArchitecture registers or replaces the executor for kind.
func WithArchitecture(kind ArchKind, arch Architecture) Option {
	return func(c *managerConfig) {
		c.archs[kind] = arch
	}
}

// withWeightOpener replaces the weight file reader.
func withWeightOpener(open func(path string) (*weights.File, error)) Option {
	return func(c *managerConfig) {
		c.openWeights = open
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// *slog.Logger satisfies it, as do most structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}
