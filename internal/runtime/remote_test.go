package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/fault"
)

// fakeShell is an in-memory shellChannel. Each prompt write triggers the
// respond callback; its return value is streamed back through the pipe
// the runtime drains.
type fakeShell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu         sync.Mutex
	prompts    []string
	respond    func(prompt string) string
	interrupts int
}

func newFakeShell(banner string, respond func(string) string) *fakeShell {
	pr, pw := io.Pipe()
	s := &fakeShell{pr: pr, pw: pw, respond: respond}
	if banner != "" {
		go s.pw.Write([]byte(banner))
	}
	return s
}

func (s *fakeShell) Write(p []byte) (int, error) {
	prompt := strings.TrimSpace(string(p))
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		go func() {
			if out := respond(prompt); out != "" {
				s.pw.Write([]byte(out))
			}
		}()
	}
	return len(p), nil
}

func (s *fakeShell) Reader() io.Reader { return s.pr }

func (s *fakeShell) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

// breakPipe simulates channel loss: the drain loop sees EOF.
func (s *fakeShell) breakPipe() { s.pw.Close() }

func (s *fakeShell) Close() error {
	s.pw.Close()
	return s.pr.Close()
}

func (s *fakeShell) interruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// fakeTransfer is a map-backed transferChannel.
type fakeTransfer struct {
	mu    sync.Mutex
	files map[string]fakeFile
}

type fakeFile struct {
	data    []byte
	modTime time.Time
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{files: make(map[string]fakeFile)}
}

func (t *fakeTransfer) List(dir string) ([]FileInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []FileInfo
	for path, f := range t.files {
		if strings.HasPrefix(path, prefix) {
			out = append(out, FileInfo{
				Path:    strings.TrimPrefix(path, prefix),
				Size:    int64(len(f.data)),
				ModTime: f.modTime,
			})
		}
	}
	return out, nil
}

func (t *fakeTransfer) Read(path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return f.data, nil
}

func (t *fakeTransfer) Write(path string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = fakeFile{data: data, modTime: time.Now()}
	return nil
}

func (t *fakeTransfer) Close() error { return nil }

// fakeConn bundles the fake channels behind the remoteConn seam.
type fakeConn struct {
	shell    *fakeShell
	transfer *fakeTransfer
	pingErr  error

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) OpenShell() (shellChannel, error)       { return c.shell, nil }
func (c *fakeConn) OpenTransfer() (transferChannel, error) { return c.transfer, nil }

func (c *fakeConn) Ping(time.Duration) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stuckReader emits the banner once and then blocks until released,
// mimicking an SSH read stuck on a dead TCP connection that only errors
// out long after the connection was torn down.
type stuckReader struct {
	banner  string
	sent    bool
	release chan struct{}
}

func (r *stuckReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.banner), nil
	}
	<-r.release
	return 0, io.EOF
}

// stuckShell is a shellChannel whose reader survives Close.
type stuckShell struct {
	release chan struct{}
}

func (s *stuckShell) Write(p []byte) (int, error) { return len(p), nil }
func (s *stuckShell) Reader() io.Reader {
	return &stuckReader{banner: readyBanner, release: s.release}
}
func (s *stuckShell) Interrupt() error { return nil }
func (s *stuckShell) Close() error     { return nil }

// stuckConn wraps any shellChannel behind the remoteConn seam.
type stuckConn struct {
	shell shellChannel
}

func (c *stuckConn) OpenShell() (shellChannel, error)       { return c.shell, nil }
func (c *stuckConn) OpenTransfer() (transferChannel, error) { return newFakeTransfer(), nil }
func (c *stuckConn) Ping(time.Duration) error               { return nil }
func (c *stuckConn) Close() error                           { return nil }

func testRemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{
		Host:                 "agent-host",
		Port:                 22,
		User:                 "dev",
		KeyPath:              "/home/dev/.ssh/id_ed25519",
		RemoteWorkDir:        "/work",
		ConnectTimeout:       time.Second,
		ReadyTimeout:         2 * time.Second,
		ResponseTimeout:      5 * time.Second,
		IdleWindow:           200 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectDelay:    50 * time.Millisecond,
	}
}

const readyBanner = "agent shell started\n✓ ready\n"

// newTestRemote wires a RemoteRuntime to a fake connection.
func newTestRemote(t *testing.T, cfg config.RemoteConfig, conn *fakeConn) *RemoteRuntime {
	t.Helper()
	rt := NewRemote(cfg, nil, nil)
	rt.dial = func(config.RemoteConfig) (remoteConn, error) { return conn, nil }
	return rt
}

func TestRemoteLifecycle(t *testing.T) {
	shell := newFakeShell(readyBanner, func(prompt string) string {
		return "working on " + prompt + "\n✓ finished\n"
	})
	conn := &fakeConn{shell: shell, transfer: newFakeTransfer()}
	rt := newTestRemote(t, testRemoteConfig(), conn)

	require.NoError(t, rt.Initialize(context.Background()))
	st := rt.Status()
	require.Equal(t, StateReady, st.State)
	require.NotEmpty(t, st.SessionID)
	require.True(t, rt.IsHealthy())

	result, err := rt.SendPrompt(context.Background(), "fix the bug", PromptOptions{})
	require.NoError(t, err)
	require.Contains(t, result.Content, "working on fix the bug")
	require.False(t, result.IsError)
	require.Equal(t, st.SessionID, result.SessionID)

	require.NoError(t, rt.Cleanup())
	require.Equal(t, StateStopped, rt.Status().State)
	require.Equal(t, 1, shell.interruptCount(), "cleanup interrupts the remote agent best-effort")
	require.True(t, conn.isClosed())
}

func TestRemoteInitializeRejectsInvalidConfig(t *testing.T) {
	rt := NewRemote(config.RemoteConfig{}, nil, nil)
	err := rt.Initialize(context.Background())
	require.True(t, fault.IsKind(err, fault.ConfigInvalid))
}

func TestRemoteInitializeDialFailure(t *testing.T) {
	rt := NewRemote(testRemoteConfig(), nil, nil)
	rt.dial = func(config.RemoteConfig) (remoteConn, error) {
		return nil, errors.New("connection refused")
	}
	err := rt.Initialize(context.Background())
	require.True(t, fault.IsKind(err, fault.ConnectionFailure))
	require.Equal(t, StateError, rt.Status().State)
}

func TestRemoteReadyTimeout(t *testing.T) {
	cfg := testRemoteConfig()
	cfg.ReadyTimeout = 300 * time.Millisecond
	shell := newFakeShell("booting, no marker yet\n", nil)
	rt := newTestRemote(t, cfg, &fakeConn{shell: shell})

	err := rt.Initialize(context.Background())
	require.True(t, fault.IsKind(err, fault.Timeout))
	require.Equal(t, StateError, rt.Status().State)
}

func TestRemotePromptTimeoutAfterOneSecond(t *testing.T) {
	shell := newFakeShell(readyBanner, nil) // never responds
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell})
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	started := time.Now()
	_, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{Timeout: time.Second})
	elapsed := time.Since(started)

	require.True(t, fault.IsKind(err, fault.Timeout))
	require.GreaterOrEqual(t, elapsed, time.Second)
	require.Less(t, elapsed, 2*time.Second)
	require.Equal(t, StateReady, rt.Status().State)
}

func TestRemoteIdleWindowCompletesTurn(t *testing.T) {
	shell := newFakeShell(readyBanner, func(string) string {
		return "output with no completion marker\n"
	})
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell})
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	started := time.Now()
	result, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.NoError(t, err)
	require.Contains(t, result.Content, "output with no completion marker")
	require.False(t, result.IsError)
	require.Less(t, time.Since(started), 2*time.Second,
		"a quiet channel with buffered output ends the turn at the idle window")
}

func TestRemoteErrorMarker(t *testing.T) {
	shell := newFakeShell(readyBanner, func(string) string {
		return "Traceback (most recent call last)\n  boom\n"
	})
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell})
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	result, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestRemoteRateLimited(t *testing.T) {
	shell := newFakeShell(readyBanner, func(string) string {
		return "upstream replied: Too Many Requests\n"
	})
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell})
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	started := time.Now()
	_, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.True(t, fault.IsKind(err, fault.RateLimited))
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestRemoteChannelLossMidExchange(t *testing.T) {
	var shell *fakeShell
	shell = newFakeShell(readyBanner, func(string) string {
		shell.breakPipe()
		return ""
	})
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell})
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	_, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.True(t, fault.IsKind(err, fault.ConnectionFailure))
	require.Equal(t, StateReady, rt.Status().State, "channel loss is recoverable via reconnect")
}

func TestRemoteReconnectOnNextPrompt(t *testing.T) {
	first := newFakeShell(readyBanner, nil)
	second := newFakeShell(readyBanner, func(prompt string) string {
		return "recovered: " + prompt + "\n✓\n"
	})

	dials := 0
	rt := NewRemote(testRemoteConfig(), nil, nil)
	rt.dial = func(config.RemoteConfig) (remoteConn, error) {
		dials++
		if dials == 1 {
			return &fakeConn{shell: first}, nil
		}
		return &fakeConn{shell: second}, nil
	}

	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	first.breakPipe()
	require.Eventually(t, func() bool { return !rt.isConnected() },
		time.Second, 10*time.Millisecond)

	result, err := rt.SendPrompt(context.Background(), "retry me", PromptOptions{})
	require.NoError(t, err)
	require.Contains(t, result.Content, "recovered: retry me")
	require.Equal(t, 2, dials)
}

func TestRemoteStaleReaderDoesNotDemoteReplacement(t *testing.T) {
	release := make(chan struct{})
	second := newFakeShell(readyBanner, func(prompt string) string {
		return "recovered: " + prompt + "\n✓\n"
	})

	dials := 0
	rt := NewRemote(testRemoteConfig(), nil, nil)
	rt.dial = func(config.RemoteConfig) (remoteConn, error) {
		dials++
		if dials == 1 {
			return &stuckConn{shell: &stuckShell{release: release}}, nil
		}
		return &fakeConn{shell: second}, nil
	}

	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	// Drop the first connection; the next prompt reconnects while its
	// reader stays wedged in Read.
	rt.setConnected(false)
	result, err := rt.SendPrompt(context.Background(), "retry me", PromptOptions{})
	require.NoError(t, err)
	require.Contains(t, result.Content, "recovered: retry me")
	require.Equal(t, 2, dials)
	require.True(t, rt.isConnected())

	// The wedged reader errors out long after the replacement is live.
	close(release)
	time.Sleep(100 * time.Millisecond)
	require.True(t, rt.isConnected(),
		"a reader from a torn-down connection must not demote its replacement")
}

func TestRemoteReconnectExhaustion(t *testing.T) {
	shell := newFakeShell(readyBanner, nil)
	dials := 0
	rt := NewRemote(testRemoteConfig(), nil, nil)
	rt.dial = func(config.RemoteConfig) (remoteConn, error) {
		dials++
		if dials == 1 {
			return &fakeConn{shell: shell}, nil
		}
		return nil, errors.New("host unreachable")
	}

	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	shell.breakPipe()
	require.Eventually(t, func() bool { return !rt.isConnected() },
		time.Second, 10*time.Millisecond)

	_, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.True(t, fault.IsKind(err, fault.ConnectionFailure))
	require.Contains(t, err.Error(), "exhausted")
	require.ErrorContains(t, err, "host unreachable")
	require.Equal(t, 3, dials, "one initial dial plus the configured reconnect attempts")
}

func TestRemoteHealthCheckDemotesOnPingFailure(t *testing.T) {
	shell := newFakeShell(readyBanner, nil)
	conn := &fakeConn{shell: shell}
	rt := newTestRemote(t, testRemoteConfig(), conn)
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	require.True(t, rt.IsHealthy())

	conn.pingErr = errors.New("broken pipe")
	require.False(t, rt.IsHealthy())
	require.False(t, rt.isConnected())
}

func TestRemoteFileOperations(t *testing.T) {
	shell := newFakeShell(readyBanner, nil)
	transfer := newFakeTransfer()
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell, transfer: transfer})
	require.NoError(t, rt.Initialize(context.Background()))
	defer rt.Cleanup()

	require.NoError(t, rt.WriteFile("src/lib.rs", []byte("fn main() {}\n")))

	data, err := rt.ReadFile("src/lib.rs")
	require.NoError(t, err)
	require.Equal(t, "fn main() {}\n", string(data))

	files, err := rt.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "src/lib.rs", files[0].Path)

	changed, err := rt.FileChangesSince(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, changed)

	_, err = rt.ReadFile("../escape")
	require.Error(t, err)
	_, err = rt.ReadFile("/etc/passwd")
	require.Error(t, err)
}

func TestRemoteCleanupIdempotent(t *testing.T) {
	shell := newFakeShell(readyBanner, nil)
	rt := newTestRemote(t, testRemoteConfig(), &fakeConn{shell: shell})
	require.NoError(t, rt.Initialize(context.Background()))

	require.NoError(t, rt.Cleanup())
	require.NoError(t, rt.Cleanup())
	require.Equal(t, StateStopped, rt.Status().State)

	_, err := rt.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.True(t, fault.IsKind(err, fault.NotReady))
}
