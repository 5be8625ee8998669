package orchestrator

import (
	"log"
	"net/http"
	"time"

	"github.com/oterolabs/reqorch/adapter"
	rerrors "github.com/oterolabs/reqorch/errors"
)

// Config holds the construction-time settings of a Client. All fields
// are optional except Adapter; a field no option sets keeps the default
// documented on its With* option, and an out-of-range value set by an
// option is rejected with KindConfig.
type Config struct {
	Adapter                   adapter.Adapter
	BaseURL                   string
	DefaultHeaders            http.Header
	ConcurrentRequests        int
	Timeout                   time.Duration
	MaxRetries                int
	RetryDelay                time.Duration
	RetryDelayJitter          float64
	EnableCache               bool
	DefaultCacheTTL           time.Duration
	EnableConditionalRequests bool
	EnableMetrics             bool
	ValidateStatus            func(status int) bool
	Logger                    *log.Logger
}

// Option configures a Client at construction, in the functional-options
// style.
type Option func(*Config)

// WithAdapter sets the transport adapter. Required.
func WithAdapter(a adapter.Adapter) Option {
	return func(c *Config) { c.Adapter = a }
}

// WithBaseURL sets the base URL joined with relative request paths.
func WithBaseURL(base string) Option {
	return func(c *Config) { c.BaseURL = base }
}

// WithDefaultHeaders sets headers merged into every request, overridden
// by per-request headers of the same (lowercased) name.
func WithDefaultHeaders(h http.Header) Option {
	return func(c *Config) { c.DefaultHeaders = h }
}

// WithConcurrentRequests sets the bounded queue's capacity. Default 10.
func WithConcurrentRequests(n int) Option {
	return func(c *Config) { c.ConcurrentRequests = n }
}

// WithTimeout sets the default per-request timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithMaxRetries sets the default retry ceiling. Default 3.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryDelay sets the backoff base delay. Default 1s.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) { c.RetryDelay = d }
}

// WithRetryDelayJitter sets the jitter fraction in [0,1]. Default 0.3.
func WithRetryDelayJitter(j float64) Option {
	return func(c *Config) { c.RetryDelayJitter = j }
}

// WithCache enables or disables the cache layer. Default true.
func WithCache(enabled bool) Option {
	return func(c *Config) { c.EnableCache = enabled }
}

// WithDefaultCacheTTL sets the TTL used when a response carries no
// explicit max-age. Default 5 minutes.
func WithDefaultCacheTTL(d time.Duration) Option {
	return func(c *Config) { c.DefaultCacheTTL = d }
}

// WithConditionalRequests enables If-None-Match/If-Modified-Since
// revalidation of stale cache entries. Default false.
func WithConditionalRequests(enabled bool) Option {
	return func(c *Config) { c.EnableConditionalRequests = enabled }
}

// WithMetrics enables the 30s metrics:collect ticker. Default false. The
// metrics collector's counters are updated, and GetMetrics reports them,
// whether or not this is enabled.
func WithMetrics(enabled bool) Option {
	return func(c *Config) { c.EnableMetrics = enabled }
}

// WithValidateStatus overrides the default 2xx-is-success classifier.
func WithValidateStatus(fn func(status int) bool) Option {
	return func(c *Config) { c.ValidateStatus = fn }
}

// WithLogger overrides the default log.Default() logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func defaultValidateStatus(status int) bool { return status >= 200 && status < 300 }

func newConfig(opts ...Option) (Config, error) {
	cfg := Config{
		ConcurrentRequests: 10,
		Timeout:            30 * time.Second,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		RetryDelayJitter:   0.3,
		EnableCache:        true,
		DefaultCacheTTL:    5 * time.Minute,
		ValidateStatus:     defaultValidateStatus,
		Logger:             log.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Adapter == nil {
		return cfg, rerrors.New(rerrors.KindConfig, "adapter is required")
	}
	if cfg.ConcurrentRequests <= 0 {
		return cfg, rerrors.New(rerrors.KindConfig, "concurrentRequests must be > 0")
	}
	if cfg.Timeout <= 0 {
		return cfg, rerrors.New(rerrors.KindConfig, "timeout must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return cfg, rerrors.New(rerrors.KindConfig, "maxRetries must be >= 0")
	}
	if cfg.RetryDelayJitter < 0 || cfg.RetryDelayJitter > 1 {
		return cfg, rerrors.New(rerrors.KindConfig, "retryDelayJitter must be in [0,1]")
	}
	if cfg.ValidateStatus == nil {
		cfg.ValidateStatus = defaultValidateStatus
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return cfg, nil
}
