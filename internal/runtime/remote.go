package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/detect"
	"phobos.org.uk/harness/internal/fault"
	"phobos.org.uk/harness/internal/logging"
	"phobos.org.uk/harness/internal/retry"
)

// remoteConn abstracts the authenticated connection so the exchange
// protocol is testable without a live SSH endpoint. The production
// implementation is sshConn (remote_ssh.go).
type remoteConn interface {
	// OpenShell opens the persistent interactive channel.
	OpenShell() (shellChannel, error)
	// OpenTransfer opens the secondary file-transfer sub-channel.
	OpenTransfer() (transferChannel, error)
	// Ping performs a trivial round-trip bounded by timeout.
	Ping(timeout time.Duration) error
	Close() error
}

// shellChannel is one interactive channel: prompts go in as text lines,
// output is drained from the reader.
type shellChannel interface {
	io.Writer
	Reader() io.Reader
	// Interrupt makes a best-effort attempt to stop the agent's current
	// work (the interrupt byte over the channel).
	Interrupt() error
	Close() error
}

// transferChannel is the file-operation sub-channel.
type transferChannel interface {
	List(dir string) ([]FileInfo, error)
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Close() error
}

type dialFunc func(cfg config.RemoteConfig) (remoteConn, error)

// RemoteRuntime drives an agent through a persistent interactive shell
// on a remote host. Completion is decided from the accumulated text
// buffer by the detector; there is no structured protocol on this path.
type RemoteRuntime struct {
	cfg  config.RemoteConfig
	det  *detect.Detector
	log  *logging.Logger
	dial dialFunc

	reconnector *retry.Manager

	mu sync.Mutex // serializes SendPrompt, file ops, IsHealthy, Cleanup

	stateMu   sync.Mutex
	state     ProcessState
	sessionID string
	startedAt time.Time
	connected bool

	conn     remoteConn
	shell    shellChannel
	transfer transferChannel
	buf      *byteBuffer
	stop     chan struct{}
}

// NewRemote creates an uninitialized remote runtime.
func NewRemote(cfg config.RemoteConfig, det *detect.Detector, log *logging.Logger) *RemoteRuntime {
	if det == nil {
		det = detect.New()
	}
	if log == nil {
		log = logging.New(logging.Config{Component: "remote-runtime"})
	}
	return &RemoteRuntime{
		cfg:   cfg,
		det:   det,
		log:   log,
		dial:  dialSSH,
		state: StateStopped,
		reconnector: retry.New(retry.Config{
			MaxAttempts:    cfg.MaxReconnectAttempts,
			BaseDelay:      cfg.ReconnectDelay,
			MaxDelay:       cfg.MaxReconnectDelay,
			Multiplier:     2.0,
			JitterFraction: 0,
			RetryableKinds: []fault.Kind{fault.ConnectionFailure},
		}),
	}
}

// Initialize validates configuration, opens the connection and the
// interactive channel, and waits for the initial ready marker.
func (r *RemoteRuntime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Validate(); err != nil {
		return fault.Wrap(fault.ConfigInvalid, "invalid remote runtime config", err).
			WithHint("fix the configuration and re-initialize")
	}

	if s := r.getState(); s != StateStopped {
		return fault.Newf(fault.NotReady, "initialize called in state %s", s).
			WithHint("call Cleanup before re-initializing")
	}
	r.setState(StateStarting)

	r.sessionID = uuid.New().String()
	r.startedAt = time.Now()

	if err := r.connect(ctx); err != nil {
		r.closeConn()
		r.setState(StateError)
		return err
	}

	r.setState(StateReady)
	r.log.WithSession(r.sessionID).Info("remote runtime ready", map[string]any{
		"host": r.cfg.Host,
		"user": r.cfg.User,
	})
	return nil
}

// connect opens the connection and shell and waits for the ready
// marker. Callers hold r.mu.
func (r *RemoteRuntime) connect(ctx context.Context) error {
	conn, err := r.dial(r.cfg)
	if err != nil {
		return fault.Wrap(fault.ConnectionFailure, "connecting to remote host", err).
			WithContext("host", r.cfg.Host).
			WithContext("user", r.cfg.User).
			WithHint("check host, credentials, and network reachability")
	}

	shell, err := conn.OpenShell()
	if err != nil {
		conn.Close()
		return fault.Wrap(fault.ConnectionFailure, "opening interactive channel", err).
			WithContext("host", r.cfg.Host)
	}

	r.conn = conn
	r.shell = shell
	r.buf = newByteBuffer()
	r.stop = make(chan struct{})
	r.setConnected(true)

	go r.drainShell(shell.Reader(), r.buf, r.stop)
	go r.keepAlive(conn, r.stop)

	if err := r.awaitReady(ctx); err != nil {
		return err
	}
	return nil
}

// drainShell continuously reads the channel into the shared buffer.
func (r *RemoteRuntime) drainShell(reader io.Reader, buf *byteBuffer, stop chan struct{}) {
	chunk := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := reader.Read(chunk)
		if n > 0 {
			buf.write(chunk[:n])
		}
		if err != nil {
			buf.markDone()
			r.demote(stop)
			return
		}
	}
}

// demote flips the connected flag, unless stop is already closed: a
// reader or pinger that outlived its connection must not mark the
// replacement connection as lost.
func (r *RemoteRuntime) demote(stop chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	r.setConnected(false)
}

// keepAlive pings the connection periodically; a failed ping demotes
// the connection state so the next prompt reconnects.
func (r *RemoteRuntime) keepAlive(conn remoteConn, stop chan struct{}) {
	if r.cfg.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(r.cfg.ConnectTimeout); err != nil {
				r.log.Warn("keepalive failed", map[string]any{"error": err.Error()})
				r.demote(stop)
				return
			}
		}
	}
}

// awaitReady polls the buffer for the initial ready marker.
func (r *RemoteRuntime) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.ReadyTimeout)
	for {
		if done, _ := r.det.IsComplete(r.buf.stringFrom(0)); done {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.Newf(fault.Timeout, "channel not ready within %v", r.cfg.ReadyTimeout).
				WithContext("buffer", truncate(r.buf.stringFrom(0), 2000)).
				WithHint("check that the agent shell starts on connect")
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Timeout, "startup cancelled", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// SendPrompt writes one prompt and polls the accumulated buffer until a
// completion marker, an idle window with a non-empty buffer, a
// rate-limit marker, channel loss, or the response timeout.
func (r *RemoteRuntime) SendPrompt(ctx context.Context, text string, opts PromptOptions) (*TurnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.getState(); s != StateReady {
		return nil, fault.Newf(fault.NotReady, "runtime is %s, not ready", s).
			WithContext("state", string(s)).
			WithHint("initialize the runtime before sending prompts")
	}
	r.setState(StateBusy)

	result, err := r.exchange(ctx, text, opts)
	r.setState(StateReady)
	return result, err
}

func (r *RemoteRuntime) exchange(ctx context.Context, text string, opts PromptOptions) (*TurnResult, error) {
	if !r.isConnected() {
		if err := r.reconnect(ctx); err != nil {
			return nil, err
		}
	}

	timeout := r.cfg.ResponseTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	sessionLog := r.log.WithSession(r.sessionID)
	mark := r.buf.total()
	started := time.Now()
	lastTotal := mark
	lastGrowth := started

	if _, err := io.WriteString(r.shell, strings.TrimRight(text, "\n")+"\n"); err != nil {
		r.setConnected(false)
		return nil, fault.Wrap(fault.ConnectionFailure, "writing prompt to channel", err).
			WithHint("the connection was lost; the next prompt will reconnect")
	}

	deadline := started.Add(timeout)
	for {
		buffer := r.buf.stringFrom(mark)

		// Rate limiting anywhere in the buffer classifies the exchange
		// immediately, ahead of completion or timeout.
		if r.det.IsRateLimited(buffer) {
			sessionLog.Warn("exchange rate limited")
			return nil, fault.New(fault.RateLimited, "channel output reports rate limiting").
				WithContext("output", truncate(buffer, 2000)).
				WithHint("back off before submitting further prompts")
		}

		if done, failed := r.det.IsComplete(buffer); done {
			return r.finish(buffer, failed, started, sessionLog), nil
		}

		// Idle fallback: output arrived and then stopped without a
		// marker. Treat the quiet channel as end of turn.
		if total := r.buf.total(); total != lastTotal {
			lastTotal = total
			lastGrowth = time.Now()
		} else if total > mark && time.Since(lastGrowth) >= r.cfg.IdleWindow {
			return r.finish(buffer, false, started, sessionLog), nil
		}

		if r.buf.isDone() || !r.isConnected() {
			return nil, fault.New(fault.ConnectionFailure, "channel closed mid-exchange").
				WithContext("partial_output", truncate(buffer, 2000)).
				WithHint("the next prompt will reconnect")
		}

		if time.Now().After(deadline) {
			sessionLog.Warn("exchange timed out", map[string]any{
				"timeout_seconds": timeout.Seconds(),
			})
			return nil, fault.Newf(fault.Timeout, "no completion within %v", timeout).
				WithContext("partial_output", truncate(buffer, 2000)).
				WithHint("increase the response timeout or split the task")
		}

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Timeout, "exchange cancelled", ctx.Err()).
				WithContext("partial_output", truncate(buffer, 2000))
		case <-time.After(pollInterval):
		}
	}
}

func (r *RemoteRuntime) finish(buffer string, failed bool, started time.Time, sessionLog *logging.SessionLogger) *TurnResult {
	result := &TurnResult{
		Content:   strings.TrimSpace(buffer),
		SessionID: r.sessionID,
		IsError:   failed,
		Duration:  time.Since(started),
	}
	sessionLog.Info("turn completed", map[string]any{
		"duration_seconds": result.Duration.Seconds(),
		"is_error":         failed,
	})
	return result
}

// reconnect closes any stale connection and retries the connect
// sequence with exponential backoff. Exhaustion is a ConnectionFailure
// wrapping the last underlying error.
func (r *RemoteRuntime) reconnect(ctx context.Context) error {
	r.closeConn()

	err := r.reconnector.Execute(ctx, func(ctx context.Context) error {
		r.closeConn()
		return r.connect(ctx)
	})
	if err == nil {
		r.log.Info("reconnected", map[string]any{"host": r.cfg.Host})
		return nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fault.Wrap(fault.ConnectionFailure, "reconnect attempts exhausted", exhausted.LastErr).
			WithContext("attempts", len(exhausted.Attempts)).
			WithContext("host", r.cfg.Host).
			WithHint("check network reachability and the remote agent shell")
	}
	return err
}

// ListFiles lists the remote working directory over the transfer
// sub-channel.
func (r *RemoteRuntime) ListFiles() ([]FileInfo, error) {
	return r.FileChangesSince(time.Time{})
}

// FileChangesSince returns remote files modified after the timestamp.
// File operations share the exchange lock and never interleave with an
// in-flight prompt.
func (r *RemoteRuntime) FileChangesSince(since time.Time) ([]FileInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, err := r.transferChannel()
	if err != nil {
		return nil, err
	}
	files, err := tc.List(r.cfg.RemoteWorkDir)
	if err != nil {
		return nil, fmt.Errorf("listing remote files: %w", err)
	}
	if since.IsZero() {
		return files, nil
	}
	changed := files[:0]
	for _, f := range files {
		if f.ModTime.After(since) {
			changed = append(changed, f)
		}
	}
	return changed, nil
}

// ReadFile reads a file relative to the remote working directory.
func (r *RemoteRuntime) ReadFile(path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, err := r.transferChannel()
	if err != nil {
		return nil, err
	}
	full, err := r.resolveRemote(path)
	if err != nil {
		return nil, err
	}
	return tc.Read(full)
}

// WriteFile writes a file relative to the remote working directory.
func (r *RemoteRuntime) WriteFile(path string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, err := r.transferChannel()
	if err != nil {
		return err
	}
	full, err := r.resolveRemote(path)
	if err != nil {
		return err
	}
	return tc.Write(full, content)
}

func (r *RemoteRuntime) resolveRemote(path string) (string, error) {
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return "", fmt.Errorf("path %q escapes the remote work directory", path)
	}
	return r.cfg.RemoteWorkDir + "/" + path, nil
}

// transferChannel returns the cached transfer sub-channel, opening it on
// first use. Callers hold r.mu.
func (r *RemoteRuntime) transferChannel() (transferChannel, error) {
	if !r.isConnected() || r.conn == nil {
		return nil, fault.New(fault.NotReady, "not connected").
			WithHint("send a prompt or re-initialize to reconnect")
	}
	if r.transfer != nil {
		return r.transfer, nil
	}
	tc, err := r.conn.OpenTransfer()
	if err != nil {
		return nil, fault.Wrap(fault.ConnectionFailure, "opening transfer channel", err)
	}
	r.transfer = tc
	return tc, nil
}

// IsHealthy checks connection liveness with a short round-trip. A
// failed check demotes the connection state.
func (r *RemoteRuntime) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.getState() {
	case StateStopped, StateStopping, StateError:
		return false
	}
	if !r.isConnected() || r.conn == nil {
		return false
	}
	if err := r.conn.Ping(2 * time.Second); err != nil {
		r.log.Warn("health check failed", map[string]any{"error": err.Error()})
		r.setConnected(false)
		return false
	}
	return true
}

// Status returns a snapshot without taking the exchange lock.
func (r *RemoteRuntime) Status() Status {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return Status{
		State:     r.state,
		SessionID: r.sessionID,
		Healthy:   r.connected && (r.state == StateReady || r.state == StateBusy),
		StartedAt: r.startedAt,
	}
}

// Cleanup interrupts the remote agent best-effort, then unconditionally
// closes the channel and connection. Never returns an error.
func (r *RemoteRuntime) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setState(StateStopping)
	if r.shell != nil {
		r.shell.Interrupt()
	}
	r.closeConn()
	r.setState(StateStopped)
	r.log.Info("remote runtime stopped")
	return nil
}

// closeConn tears down channel and connection handles. Callers hold r.mu.
func (r *RemoteRuntime) closeConn() {
	if r.stop != nil {
		select {
		case <-r.stop:
		default:
			close(r.stop)
		}
		r.stop = nil
	}
	if r.transfer != nil {
		r.transfer.Close()
		r.transfer = nil
	}
	if r.shell != nil {
		r.shell.Close()
		r.shell = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.setConnected(false)
}

func (r *RemoteRuntime) isConnected() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.connected
}

func (r *RemoteRuntime) setConnected(v bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.connected = v
}

func (r *RemoteRuntime) getState() ProcessState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *RemoteRuntime) setState(s ProcessState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.state = s
}

var _ AgentRuntime = (*RemoteRuntime)(nil)
