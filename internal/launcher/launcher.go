// Package launcher owns the process-wide shared engine endpoint. The
// first acquisition spawns a local engine subprocess (unless an explicit
// remote endpoint is configured) and discovers its listen address; later
// acquisitions reuse it. The lifetime is reference-counted: the last
// release terminates the spawned subprocess.
//
// The registry is an explicit value rather than package state so callers
// can inject a private one in tests; Default is the process-wide instance.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Defaults for engine startup and readiness polling.
const (
	defaultStartTimeout   = 30 * time.Second
	defaultHealthInterval = 100 * time.Millisecond
	defaultHealthTries    = 50
)

// ErrNoEndpoint indicates spawning is disabled and no remote endpoint
// was configured.
var ErrNoEndpoint = errors.New("launcher: no endpoint configured and local spawn is disabled")

// ErrReleaseWithoutAcquire indicates Release was called more times than
// Acquire.
var ErrReleaseWithoutAcquire = errors.New("launcher: release without acquire")

// Config carries everything needed to reach or start an engine.
type Config struct {
	// BinPath is the engine binary. Required unless URL is set.
	BinPath string

	// URL is an explicit remote endpoint; when set no subprocess is
	// spawned.
	URL string

	// DisableSpawn suppresses local subprocess startup entirely. URL
	// must then be set.
	DisableSpawn bool

	// Env is extra environment appended to the spawned subprocess.
	Env []string

	// Logger receives spawn lifecycle and relayed engine diagnostics.
	// Nil means no logging.
	Logger *zap.Logger

	// StartTimeout bounds waiting for the subprocess to announce its
	// listen address. Zero means the default.
	StartTimeout time.Duration

	// HealthInterval is the fixed backoff between health-check polls.
	// Zero means the default.
	HealthInterval time.Duration

	// HealthTries bounds the health-check polling. Zero means the
	// default.
	HealthTries uint

	// HTTPClient performs health checks. Nil means a short-timeout
	// default client.
	HTTPClient *http.Client
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Registry is the reference-counted holder of one engine endpoint.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	refs     int
	endpoint string
	cmd      *exec.Cmd
}

// Default is the process-wide registry shared by all clients that do
// not inject their own.
var Default = &Registry{}

// Acquire returns the shared endpoint, starting the engine on first use.
// The first caller's Config decides how the endpoint is established;
// subsequent callers reuse it regardless of their own Config. Every
// successful Acquire must be paired with one Release.
func (r *Registry) Acquire(ctx context.Context, cfg Config) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs > 0 {
		r.refs++
		return r.endpoint, nil
	}

	endpoint, cmd, err := r.establish(ctx, cfg)
	if err != nil {
		return "", err
	}

	if err := waitHealthy(ctx, cfg, endpoint); err != nil {
		if cmd != nil {
			killAndReap(cmd)
		}
		return "", fmt.Errorf("launcher: engine at %s never became healthy: %w", endpoint, err)
	}

	r.endpoint = endpoint
	r.cmd = cmd
	r.refs = 1
	cfg.logger().Debug("engine ready", zap.String("endpoint", endpoint))
	return endpoint, nil
}

// Release decrements the reference count, terminating the spawned
// subprocess when it reaches zero. Releasing a remote endpoint is only
// bookkeeping.
func (r *Registry) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs <= 0 {
		return ErrReleaseWithoutAcquire
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}

	r.endpoint = ""
	if r.cmd != nil {
		killAndReap(r.cmd)
		r.cmd = nil
	}
	return nil
}

// establish resolves the endpoint: explicit remote, or a fresh local
// subprocess.
func (r *Registry) establish(ctx context.Context, cfg Config) (string, *exec.Cmd, error) {
	if cfg.URL != "" {
		return normalizeEndpoint(cfg.URL), nil, nil
	}
	if cfg.DisableSpawn {
		return "", nil, ErrNoEndpoint
	}
	return spawn(ctx, cfg)
}

// spawn starts the engine subprocess listening on an ephemeral local
// address and reads that address back from its first non-empty stderr
// line. Remaining stderr output is relayed to the logger.
func spawn(ctx context.Context, cfg Config) (string, *exec.Cmd, error) {
	if cfg.BinPath == "" {
		return "", nil, errors.New("launcher: no engine binary configured")
	}
	resolved, err := exec.LookPath(cfg.BinPath)
	if err != nil {
		return "", nil, fmt.Errorf("launcher: %s: %w", cfg.BinPath, err)
	}

	cmd := exec.Command(resolved, "sdkserver", "--listen-address", "127.0.0.1:0")
	cmd.Env = append(os.Environ(), cfg.Env...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", nil, fmt.Errorf("launcher: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("launcher: start %s: %w", resolved, err)
	}
	cfg.logger().Debug("engine spawned", zap.String("binary", resolved), zap.Int("pid", cmd.Process.Pid))

	addrCh := make(chan string, 1)
	go relayStderr(stderr, addrCh, cfg.logger())

	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	select {
	case addr, ok := <-addrCh:
		if !ok || addr == "" {
			killAndReap(cmd)
			return "", nil, errors.New("launcher: engine exited before announcing a listen address")
		}
		return normalizeEndpoint(addr), cmd, nil
	case <-time.After(timeout):
		killAndReap(cmd)
		return "", nil, errors.New("launcher: timed out waiting for engine listen address")
	case <-ctx.Done():
		killAndReap(cmd)
		return "", nil, ctx.Err()
	}
}

// relayStderr delivers the first non-empty stderr line as the listen
// address, then forwards the rest to the logger at debug level.
func relayStderr(r io.Reader, addrCh chan<- string, log *zap.Logger) {
	defer close(addrCh)
	scanner := bufio.NewScanner(r)
	sentAddr := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sentAddr {
			sentAddr = true
			addrCh <- line
			continue
		}
		log.Debug("engine stderr", zap.String("line", line))
	}
}

// waitHealthy polls the health-check endpoint with a bounded count and
// fixed backoff. Exhausting the retry count is a fatal setup error.
func waitHealthy(ctx context.Context, cfg Config, endpoint string) error {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	tries := cfg.HealthTries
	if tries == 0 {
		tries = defaultHealthTries
	}

	check := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/healthz", nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("health check: HTTP %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(tries))
	return err
}

// killAndReap forcibly terminates a subprocess and reaps it.
func killAndReap(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

// normalizeEndpoint turns a bare host:port announcement into an HTTP URL.
func normalizeEndpoint(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}
