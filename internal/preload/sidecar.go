package preload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/model"
)

// ErrSidecarUnavailable is returned when the helper process cannot be
// reached or started.
var ErrSidecarUnavailable = errors.New("preload helper unavailable")

// State is the lifecycle of the helper process as seen by the daemon.
type State int

const (
	StateUnknown State = iota
	StateProbing
	StateStarting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// PreloadRequest is the body of POST /preload_all.
type PreloadRequest struct {
	SecretID      string `json:"secret_id"`
	SecretKey     string `json:"secret_key"`
	DefaultRegion string `json:"default_region"`
}

// PreloadResponse is the helper's answer to POST /preload_all.
type PreloadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HelperError is a preload the helper ran and reported as failed.
type HelperError struct {
	Message string
}

func (e *HelperError) Error() string { return "helper preload failed: " + e.Message }

// Launcher starts the helper process.
type Launcher interface {
	Launch(ctx context.Context) error
}

// ExecLauncher runs the helper binary. The process lives until the context
// given to NewExecLauncher is cancelled.
type ExecLauncher struct {
	ctx    context.Context
	binary string
	args   []string
	logger zerolog.Logger

	mu     sync.Mutex
	exited chan struct{}
}

func NewExecLauncher(ctx context.Context, binary string, args []string, logger zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{ctx: ctx, binary: binary, args: args, logger: logger}
}

func (l *ExecLauncher) Launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exited != nil {
		select {
		case <-l.exited:
		default:
			// Still running from an earlier launch.
			return nil
		}
	}

	cmd := exec.CommandContext(l.ctx, l.binary, l.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", l.binary, err)
	}
	exited := make(chan struct{})
	l.exited = exited
	pid := cmd.Process.Pid
	l.logger.Info().Str("binary", l.binary).Int("pid", pid).Msg("preload helper started")

	go func() {
		err := cmd.Wait()
		close(exited)
		l.logger.Info().Err(err).Int("pid", pid).Msg("preload helper exited")
	}()
	return nil
}

type SidecarConfig struct {
	Addr         string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Sidecar talks to the helper process over loopback HTTP and starts it when
// it is not running. It moves Unknown → Probing → Ready when the helper is
// already up, or Probing → Starting → Ready | Failed when it has to be
// launched.
type Sidecar struct {
	baseURL      string
	readyTimeout time.Duration
	pollInterval time.Duration
	client       *http.Client
	launcher     Launcher
	logger       zerolog.Logger

	mu    sync.Mutex
	state State
}

func NewSidecar(cfg SidecarConfig, launcher Launcher, logger zerolog.Logger) *Sidecar {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		// A full preload can take minutes.
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Sidecar{
		baseURL:      "http://" + cfg.Addr,
		readyTimeout: cfg.ReadyTimeout,
		pollInterval: cfg.PollInterval,
		client:       cfg.HTTPClient,
		launcher:     launcher,
		logger:       logger.With().Str("component", "sidecar").Logger(),
	}
}

func (s *Sidecar) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sidecar) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("helper state")
	}
}

// Preload makes sure the helper runs and asks it to preload with creds. A
// post that fails in transit is retried once after probing again.
func (s *Sidecar) Preload(ctx context.Context, creds model.Credentials) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}

	err := s.post(ctx, creds)
	var helperErr *HelperError
	if err == nil || errors.As(err, &helperErr) || ctx.Err() != nil {
		return err
	}

	s.logger.Warn().Err(err).Msg("preload request failed, probing helper again")
	s.setState(StateUnknown)
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if err := s.post(ctx, creds); err != nil {
		if errors.As(err, &helperErr) {
			return err
		}
		s.setState(StateFailed)
		return fmt.Errorf("%w: %w", ErrSidecarUnavailable, err)
	}
	return nil
}

func (s *Sidecar) ensureReady(ctx context.Context) error {
	s.setState(StateProbing)
	if s.healthy(ctx) {
		s.setState(StateReady)
		return nil
	}

	s.setState(StateStarting)
	if s.launcher == nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: helper is not running", ErrSidecarUnavailable)
	}
	if err := s.launcher.Launch(ctx); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %w", ErrSidecarUnavailable, err)
	}

	deadline := time.NewTimer(s.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.setState(StateFailed)
			return ctx.Err()
		case <-deadline.C:
			s.setState(StateFailed)
			return fmt.Errorf("%w: not healthy after %s", ErrSidecarUnavailable, s.readyTimeout)
		case <-ticker.C:
			if s.healthy(ctx) {
				s.setState(StateReady)
				return nil
			}
		}
	}
}

func (s *Sidecar) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (s *Sidecar) post(ctx context.Context, creds model.Credentials) error {
	body, err := json.Marshal(PreloadRequest{
		SecretID:      creds.SecretID,
		SecretKey:     creds.SecretKey,
		DefaultRegion: creds.Region,
	})
	if err != nil {
		return fmt.Errorf("marshal preload request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/preload_all", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create preload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST /preload_all: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read preload response: %w", err)
	}
	var out PreloadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("POST /preload_all: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if !out.Success {
		return &HelperError{Message: out.Message}
	}
	return nil
}
