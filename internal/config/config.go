// Package config loads and hot-reloads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Top-level config structs
// ---------------------------------------------------------------------------

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Routes  []RouteConfig `yaml:"routes"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type RouteConfig struct {
	// Path prefix to match, e.g. /api/users
	PathPrefix string `yaml:"path_prefix"`

	// Upstream backends
	Backends []BackendConfig `yaml:"backends"`

	// Default selection algorithm for this route: one of roundRobin,
	// weightedRoundRobin, leastConnections, leastResponseTime, ipHash,
	// consistentHashing. Overridable per-request via the "algorithm" query
	// parameter.
	DefaultAlgorithm string `yaml:"default_algorithm"`

	// Optional per-route rate limiting
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Optional circuit breaker, one instance per backend
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`

	// Outbound application-request timeout
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// Health probe cadence and timeout
	HealthProbeIntervalMs int `yaml:"health_probe_interval_ms"`
	HealthTimeoutMs       int `yaml:"health_timeout_ms"`

	// Consistent-hashing virtual nodes per backend
	VirtualNodesPerBackend int `yaml:"virtual_nodes_per_backend"`

	// Least-response-time EWMA smoothing factor
	EWMAAlpha float64 `yaml:"ewma_alpha"`

	// Rolling window size for each backend's raw latency average
	LatencyWindowSize int `yaml:"latency_window_size"`

	// Strip the path prefix before forwarding
	StripPrefix bool `yaml:"strip_prefix"`
}

type BackendConfig struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"` // used by weighted algorithm; default 1
}

type RateLimitConfig struct {
	// Algorithm: token_bucket | sliding_window
	Algorithm string `yaml:"algorithm"`

	// Requests per second (token_bucket) or per window (sliding_window)
	Rate int `yaml:"rate"`

	// Burst size for token_bucket
	Burst int `yaml:"burst"`

	// Window duration for sliding_window, e.g. "1m"
	Window string `yaml:"window"`

	// Key: ip | user | api_key
	KeyBy string `yaml:"key_by"`

	// Optional Redis URL for distributed limiting; if empty, in-process
	RedisURL string `yaml:"redis_url,omitempty"`
}

type CircuitBreakerConfig struct {
	// Percentage of failures to trip breaker (0-100)
	FailureThreshold int `yaml:"failure_threshold"`

	// Minimum number of requests in the rolling window
	MinRequests int `yaml:"min_requests"`

	// How long to stay open before transitioning to half-open
	OpenDurationSeconds int `yaml:"open_duration_seconds"`

	// Number of probe requests in half-open state
	HalfOpenRequests int `yaml:"half_open_requests"`
}

// ---------------------------------------------------------------------------
// Loader + file watcher
// ---------------------------------------------------------------------------

// Watcher emits new configs when the file changes on disk.
type Watcher struct {
	updates chan *Config
	done    chan struct{}
	once    sync.Once
	fsw     *fsnotify.Watcher
}

func (w *Watcher) Updates() <-chan *Config { return w.updates }

func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

// LoadAndWatch reads the config file, starts watching for changes, and
// returns the initial config plus a Watcher whose channel delivers reloads.
func LoadAndWatch(path string, log *zap.SugaredLogger) (*Config, *Watcher, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		return nil, nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{
		updates: make(chan *Config, 1),
		done:    make(chan struct{}),
		fsw:     fsw,
	}

	go func() {
		// debounce rapid saves
		var debounce <-chan time.Time
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					debounce = time.After(200 * time.Millisecond)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnw("fsnotify error", "err", err)
			case <-debounce:
				debounce = nil
				newCfg, err := load(path)
				if err != nil {
					log.Warnw("config reload failed, keeping old config", "err", err)
					continue
				}
				// non-blocking send; drop if nobody is consuming fast enough
				select {
				case w.updates <- newCfg:
				default:
				}
			}
		}
	}()

	return cfg, w, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validAlgorithmNames mirrors internal/strategy's six names. Duplicated here
// (rather than imported) to keep config free of a dependency on strategy.
var validAlgorithmNames = map[string]bool{
	"roundRobin":         true,
	"weightedRoundRobin": true,
	"leastConnections":   true,
	"leastResponseTime":  true,
	"ipHash":             true,
	"consistentHashing":  true,
}

func validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9090"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 30
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.PathPrefix == "" {
			return fmt.Errorf("route[%d]: path_prefix is required", i)
		}
		if len(r.Backends) == 0 {
			return fmt.Errorf("route %q: at least one backend required", r.PathPrefix)
		}
		for j := range r.Backends {
			b := &r.Backends[j]
			if b.URL == "" {
				return fmt.Errorf("route %q: backend[%d].url is required", r.PathPrefix, j)
			}
			if b.ID == "" {
				b.ID = b.URL
			}
			if b.Weight == 0 {
				b.Weight = 1
			}
		}
		if r.DefaultAlgorithm == "" {
			r.DefaultAlgorithm = "roundRobin"
		}
		if !validAlgorithmNames[r.DefaultAlgorithm] {
			return fmt.Errorf("route %q: unknown default_algorithm %q", r.PathPrefix, r.DefaultAlgorithm)
		}
		if r.RequestTimeoutMs == 0 {
			r.RequestTimeoutMs = 10000
		}
		if r.HealthProbeIntervalMs == 0 {
			r.HealthProbeIntervalMs = 5000
		}
		if r.HealthTimeoutMs == 0 {
			r.HealthTimeoutMs = 3000
		}
		if r.VirtualNodesPerBackend == 0 {
			r.VirtualNodesPerBackend = 150
		}
		if r.EWMAAlpha == 0 {
			r.EWMAAlpha = 0.3
		}
		if r.LatencyWindowSize == 0 {
			r.LatencyWindowSize = 10
		}
	}
	return nil
}
