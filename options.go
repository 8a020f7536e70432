package models

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultLockTimeout is the default time a mutation waits for the index lock.
const DefaultLockTimeout = 10 * time.Second

// Concurrency constants for file downloads.
const (
	// DefaultConcurrency is the default number of concurrent file downloads.
	DefaultConcurrency = 4

	// MaxConcurrency is the maximum allowed concurrent file downloads.
	MaxConcurrency = 16

	// DefaultRequestTimeout is the default timeout for hub metadata requests.
	DefaultRequestTimeout = 30 * time.Second
)

// Retry configuration constants for failed HTTP requests.
const (
	// MaxRetries is the maximum number of retry attempts for failed requests.
	MaxRetries = 3

	// InitialBackoff is the initial backoff duration before first retry.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the maximum backoff duration between retries.
	MaxBackoff = 4 * time.Second
)

// HashPolicy controls whether content hashes are computed and checked.
type HashPolicy string

const (
	// HashOff never computes hashes; hub-supplied hashes are still recorded.
	HashOff HashPolicy = "off"

	// HashRecord computes hashes on Register; Verify checks them only when
	// WithContentCheck() is passed.
	HashRecord HashPolicy = "record"

	// HashStrict computes hashes on Register and checks them on every Verify.
	HashStrict HashPolicy = "strict"
)

// ParseHashPolicy parses "off", "record" or "strict" (case-insensitive).
func ParseHashPolicy(s string) (HashPolicy, error) {
	switch p := HashPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case HashOff, HashRecord, HashStrict:
		return p, nil
	case "":
		return HashOff, nil
	default:
		return "", fmt.Errorf("models: unknown hash policy %q (want off, record or strict)", s)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// managerConfig holds configuration for Manager construction.
type managerConfig struct {
	// logger receives diagnostic log messages.
	logger Logger

	// lockTimeout bounds how long mutations wait for the index lock.
	lockTimeout time.Duration

	// hashPolicy controls content hashing.
	hashPolicy HashPolicy
}

// newManagerConfig returns a managerConfig with default values.
func newManagerConfig() *managerConfig {
	return &managerConfig{
		logger:      nopLogger{},
		lockTimeout: DefaultLockTimeout,
		hashPolicy:  HashOff,
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) ManagerOption {
	return func(c *managerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLockTimeout sets how long Register and Remove wait for the index lock
// before failing with ErrIndexLocked. Negative values are treated as zero.
func WithLockTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d < 0 {
			d = 0
		}
		c.lockTimeout = d
	}
}

// WithHashPolicy sets the content hashing policy. Default is HashOff.
func WithHashPolicy(p HashPolicy) ManagerOption {
	return func(c *managerConfig) {
		c.hashPolicy = p
	}
}

// MutateOption configures a Register or Remove call.
type MutateOption func(*mutateConfig)

// mutateConfig holds per-call settings for mutating operations.
type mutateConfig struct {
	// overwrite allows Register to replace an existing entry.
	overwrite bool

	// noWait fails immediately with ErrIndexLocked instead of waiting.
	noWait bool
}

// WithOverwrite lets Register replace an already registered model.
// Remove ignores it.
func WithOverwrite() MutateOption {
	return func(c *mutateConfig) {
		c.overwrite = true
	}
}

// NoWait makes the call fail fast with ErrIndexLocked if the index lock is
// held instead of waiting up to the lock timeout.
func NoWait() MutateOption {
	return func(c *mutateConfig) {
		c.noWait = true
	}
}

// VerifyOption configures a Verify call.
type VerifyOption func(*verifyConfig)

// verifyConfig holds per-call settings for Verify.
type verifyConfig struct {
	// content forces hash checks for files with a recorded hash.
	content bool
}

// WithContentCheck makes Verify compare content hashes for every file that
// has one recorded, regardless of the manager's HashPolicy.
func WithContentCheck() VerifyOption {
	return func(c *verifyConfig) {
		c.content = true
	}
}

// PullOption configures a pull operation.
type PullOption func(*pullConfig)

// pullConfig holds configuration for a pull operation.
type pullConfig struct {
	// force causes re-download even if model is already registered.
	force bool

	// revision is the hub revision (branch, tag or commit) to fetch.
	revision string

	// concurrency is the number of concurrent file downloads.
	concurrency int

	// progressFn is called with progress updates during download.
	progressFn func(PullProgress)
}

// newPullConfig returns a pullConfig with default values.
func newPullConfig() *pullConfig {
	return &pullConfig{
		revision:    "main",
		concurrency: DefaultConcurrency,
	}
}

// WithForce forces re-download even if the model is already registered.
func WithForce() PullOption {
	return func(c *pullConfig) {
		c.force = true
	}
}

// WithRevision selects the hub revision to download. Default is "main".
func WithRevision(rev string) PullOption {
	return func(c *pullConfig) {
		if rev != "" {
			c.revision = rev
		}
	}
}

// WithConcurrency sets the number of concurrent file downloads.
// Values are clamped to the range [1, MaxConcurrency].
// Default is DefaultConcurrency (4).
func WithConcurrency(n int) PullOption {
	return func(c *pullConfig) {
		if n < 1 {
			n = 1
		}
		if n > MaxConcurrency {
			n = MaxConcurrency
		}
		c.concurrency = n
	}
}

// WithProgress sets a callback for progress updates during download.
// The callback is invoked from download worker goroutines and must be thread-safe.
func WithProgress(fn func(PullProgress)) PullOption {
	return func(c *pullConfig) {
		c.progressFn = fn
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap, logrus, and other structured loggers.
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

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
