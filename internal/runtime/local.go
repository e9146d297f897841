package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/detect"
	"phobos.org.uk/harness/internal/fault"
	"phobos.org.uk/harness/internal/logging"
)

// completionMarker is the literal the agent appends to its signal file
// on turn completion. The runtime only counts occurrences; the content
// of the turn itself never flows through the signal file.
const completionMarker = "TURN_COMPLETE"

// pollInterval bounds cancellation responsiveness of the wait loops.
const pollInterval = 50 * time.Millisecond

const (
	interruptGrace = 5 * time.Second
	terminateGrace = 3 * time.Second
	readerJoinWait = 2 * time.Second
)

// LocalRuntime supervises one co-located agent CLI child process. It
// exchanges one prompt/response per SendPrompt call, detects completion
// through a hook-written signal file, and guarantees release of the
// process on Cleanup.
type LocalRuntime struct {
	cfg config.LocalConfig
	det *detect.Detector
	log *logging.Logger

	mu sync.Mutex // serializes SendPrompt, file ops, IsHealthy, Cleanup

	stateMu   sync.Mutex
	state     ProcessState
	sessionID string
	startedAt time.Time

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *lineBuffer
	stderr     *lineBuffer
	stop       chan struct{} // signals readers to stop
	readers    sync.WaitGroup
	exited     chan struct{} // closed after the process has been reaped
	exitErr    error
	signalPath string
	hookPath   string

	cleaned bool
}

// NewLocal creates an uninitialized local runtime.
func NewLocal(cfg config.LocalConfig, det *detect.Detector, log *logging.Logger) *LocalRuntime {
	if det == nil {
		det = detect.New()
	}
	if log == nil {
		log = logging.New(logging.Config{Component: "local-runtime"})
	}
	return &LocalRuntime{
		cfg:   cfg,
		det:   det,
		log:   log,
		state: StateStopped,
	}
}

func detectorFromConfig(dc config.DetectConfig) *detect.Detector {
	det := detect.New()
	if len(dc.SuccessMarkers) > 0 {
		det.SuccessMarkers = dc.SuccessMarkers
	}
	if len(dc.ErrorMarkers) > 0 {
		det.ErrorMarkers = dc.ErrorMarkers
	}
	if len(dc.RateLimitPatterns) > 0 {
		det.RateLimitPatterns = dc.RateLimitPatterns
	}
	return det
}

// Initialize validates configuration, installs the completion hook,
// spawns the agent process, and watches for a premature exit over the
// stability window. On success the runtime is Ready.
func (r *LocalRuntime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Validate(); err != nil {
		return fault.Wrap(fault.ConfigInvalid, "invalid local runtime config", err).
			WithHint("fix the configuration and re-initialize")
	}

	if s := r.getState(); s != StateStopped {
		return fault.Newf(fault.NotReady, "initialize called in state %s", s).
			WithHint("call Cleanup before re-initializing")
	}
	r.setState(StateStarting)

	if err := r.start(ctx); err != nil {
		r.teardown()
		r.setState(StateError)
		return err
	}

	r.setState(StateReady)
	r.log.WithSession(r.sessionID).Info("local runtime ready", map[string]any{
		"executable": r.cfg.Executable,
		"work_dir":   r.cfg.WorkDir,
	})
	return nil
}

func (r *LocalRuntime) start(ctx context.Context) error {
	bin, err := exec.LookPath(r.cfg.Executable)
	if err != nil {
		return fault.Wrap(fault.ConnectionFailure, "agent executable not found", err).
			WithContext("executable", r.cfg.Executable).
			WithHint("install the agent CLI or set the executable path")
	}

	if err := os.MkdirAll(r.cfg.WorkDir, 0755); err != nil {
		return fault.Wrap(fault.ConfigInvalid, "creating work directory", err).
			WithContext("work_dir", r.cfg.WorkDir)
	}

	r.sessionID = uuid.New().String()
	r.startedAt = time.Now()
	r.signalPath = filepath.Join(r.cfg.WorkDir, fmt.Sprintf(".turn-signal-%d", os.Getpid()))
	os.Remove(r.signalPath)

	if err := r.installHook(); err != nil {
		return err
	}

	cmd := exec.Command(bin, r.buildArgs()...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = os.Environ()
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fault.Wrap(fault.ProcessCrash, "opening stdin pipe", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fault.Wrap(fault.ProcessCrash, "opening stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fault.Wrap(fault.ProcessCrash, "opening stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return fault.Wrap(fault.ProcessCrash, "starting agent process", err).
			WithContext("executable", bin)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = newLineBuffer()
	r.stderr = newLineBuffer()
	r.stop = make(chan struct{})
	r.exited = make(chan struct{})

	r.readers.Add(2)
	go r.drain(stdoutPipe, r.stdout)
	go r.drain(stderrPipe, r.stderr)

	go func() {
		r.readers.Wait()
		err := cmd.Wait()
		r.stateMu.Lock()
		r.exitErr = err
		r.stateMu.Unlock()
		close(r.exited)
	}()

	// Stability check: a process that dies right after spawn (bad flags,
	// missing credentials) must fail initialize, not the first prompt.
	return r.stabilityCheck(ctx)
}

func (r *LocalRuntime) stabilityCheck(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StabilityWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Timeout, "startup cancelled", ctx.Err())
		case <-r.exited:
			err := fault.Wrap(fault.ProcessCrash, "process exited during startup", r.exitError()).
				WithContext("executable", r.cfg.Executable).
				WithContext("stderr", r.stderr.tail(10)).
				WithHint("check agent CLI flags and credentials")
			return err
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// buildArgs constructs the agent CLI invocation: working directory is
// set on the command, the session identifier and machine-readable output
// format are passed as flags, plus the optional safety bypass and turn
// budget.
func (r *LocalRuntime) buildArgs() []string {
	args := []string{
		"--output-format", "json",
		"--session-id", r.sessionID,
	}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if r.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if r.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.cfg.MaxTurns))
	}
	return args
}

// installHook writes the completion-hook artifact: a settings file
// instructing the agent to append the completion marker to the signal
// file at the end of every turn.
func (r *LocalRuntime) installHook() error {
	hookDir := filepath.Join(r.cfg.WorkDir, ".claude")
	if err := os.MkdirAll(hookDir, 0755); err != nil {
		return fault.Wrap(fault.ConfigInvalid, "creating hook directory", err)
	}

	hook := map[string]any{
		"hooks": map[string]any{
			"Stop": []map[string]any{
				{
					"hooks": []map[string]any{
						{
							"type":    "command",
							"command": fmt.Sprintf("printf '%s\\n' >> %s", completionMarker, r.signalPath),
						},
					},
				},
			},
		},
	}
	data, err := json.MarshalIndent(hook, "", "  ")
	if err != nil {
		return fault.Wrap(fault.ConfigInvalid, "encoding hook settings", err)
	}

	r.hookPath = filepath.Join(hookDir, "settings.json")
	if err := os.WriteFile(r.hookPath, data, 0644); err != nil {
		return fault.Wrap(fault.ConfigInvalid, "writing hook settings", err).
			WithContext("path", r.hookPath)
	}
	return nil
}

// drain reads lines from a pipe into a bounded buffer until EOF or stop.
func (r *LocalRuntime) drain(pipe io.Reader, buf *lineBuffer) {
	defer r.readers.Done()
	defer buf.markDone()

	scanner := newLineScanner(pipe)
	for scanner.Scan() {
		select {
		case <-r.stop:
			return
		default:
		}
		buf.append(scanner.Text())
	}
}

// signalCount counts completion markers in the signal file. A missing
// file means no turn has completed yet.
func (r *LocalRuntime) signalCount() int {
	data, err := os.ReadFile(r.signalPath)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), completionMarker)
}

// SendPrompt writes one prompt to the agent and waits for the turn to
// complete: the signal counter advancing, an error or rate-limit marker
// in the output, process loss, or the response timeout.
func (r *LocalRuntime) SendPrompt(ctx context.Context, text string, opts PromptOptions) (*TurnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.getState(); s != StateReady {
		return nil, fault.Newf(fault.NotReady, "runtime is %s, not ready", s).
			WithContext("state", string(s)).
			WithHint("initialize the runtime before sending prompts")
	}
	r.setState(StateBusy)

	result, err := r.exchange(ctx, text, opts)
	if fault.IsKind(err, fault.ProcessCrash) {
		r.setState(StateError)
	} else {
		r.setState(StateReady)
	}
	return result, err
}

func (r *LocalRuntime) exchange(ctx context.Context, text string, opts PromptOptions) (*TurnResult, error) {
	timeout := r.cfg.ResponseTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	sessionLog := r.log.WithSession(r.sessionID)
	signalBefore := r.signalCount()
	outputStart := r.stdout.len()
	stderrStart := r.stderr.len()
	started := time.Now()

	if _, err := io.WriteString(r.stdin, strings.TrimRight(text, "\n")+"\n"); err != nil {
		return nil, fault.Wrap(fault.ProcessCrash, "writing prompt to agent", err)
	}

	deadline := started.Add(timeout)
	for {
		if r.signalCount() > signalBefore {
			break
		}

		output := r.stdout.joinFrom(outputStart)

		if r.det.IsRateLimited(output) || r.det.IsRateLimited(r.stderr.joinFrom(stderrStart)) {
			sessionLog.Warn("exchange rate limited")
			return nil, fault.New(fault.RateLimited, "agent output reports rate limiting").
				WithContext("output", truncate(output, 2000)).
				WithHint("back off before submitting further prompts")
		}

		// An error marker without a completion signal means the agent
		// failed before its stop hook could fire. The turn is finished,
		// just failed.
		if done, failed := r.det.IsComplete(output); done && failed {
			sessionLog.Warn("error marker in agent output")
			result := r.parseResult(r.stdout.linesFrom(outputStart))
			result.Duration = time.Since(started)
			result.IsError = true
			return result, nil
		}

		select {
		case <-r.exited:
			return nil, fault.Wrap(fault.ProcessCrash, "agent process exited mid-exchange", r.exitError()).
				WithContext("stderr", r.stderr.tail(10)).
				WithHint("re-initialize the runtime")
		default:
		}

		if time.Now().After(deadline) {
			sessionLog.Warn("exchange timed out", map[string]any{
				"timeout_seconds": timeout.Seconds(),
			})
			return nil, fault.Newf(fault.Timeout, "no completion within %v", timeout).
				WithContext("partial_output", truncate(output, 2000)).
				WithHint("increase the response timeout or split the task")
		}

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Timeout, "exchange cancelled", ctx.Err()).
				WithContext("partial_output", truncate(output, 2000))
		case <-time.After(pollInterval):
		}
	}

	result := r.parseResult(r.stdout.linesFrom(outputStart))
	result.Duration = time.Since(started)

	// A turn that burned its whole budget is not a success, even when
	// the agent exits zero.
	if result.Subtype == "error_max_turns" {
		sessionLog.Warn("turn budget exhausted", map[string]any{
			"max_turns": r.cfg.MaxTurns,
			"num_turns": result.NumTurns,
		})
		return result, fault.Newf(fault.MaxTurnsExceeded, "turn budget of %d exhausted", r.cfg.MaxTurns).
			WithContext("num_turns", result.NumTurns).
			WithHint("retry with a larger turn budget or a smaller task")
	}

	fields := map[string]any{"duration_seconds": result.Duration.Seconds()}
	if result.Usage != nil {
		fields["input_tokens"] = result.Usage.InputTokens
		fields["output_tokens"] = result.Usage.OutputTokens
		fields["cache_hit_rate"] = result.Usage.CacheHitRate()
	}
	sessionLog.Info("turn completed", fields)
	return result, nil
}

// agentResponse is the structured single-JSON-object output emitted by
// the agent CLI per turn.
type agentResponse struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	IsError  bool   `json:"is_error"`
	Result   string `json:"result"`
	NumTurns int    `json:"num_turns"`
	Usage    struct {
		InputTokens         int `json:"input_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		OutputTokens        int `json:"output_tokens"`
	} `json:"usage"`
	SessionID         string             `json:"session_id"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	DurationAPIMS     int                `json:"duration_api_ms"`
	PermissionDenials []PermissionDenial `json:"permission_denials"`
}

// parseResult extracts the structured response from the drained output.
// The last parseable JSON object wins; non-JSON output is returned raw.
func (r *LocalRuntime) parseResult(lines []string) *TurnResult {
	var resp *agentResponse
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var candidate agentResponse
		if err := json.Unmarshal([]byte(trimmed), &candidate); err == nil {
			resp = &candidate
		}
	}

	if resp == nil {
		return &TurnResult{
			Content:   strings.Join(lines, "\n"),
			SessionID: r.sessionID,
		}
	}

	result := &TurnResult{
		Content:           resp.Result,
		SessionID:         resp.SessionID,
		IsError:           resp.IsError,
		Subtype:           resp.Subtype,
		NumTurns:          resp.NumTurns,
		CostUSD:           resp.TotalCostUSD,
		APIDuration:       time.Duration(resp.DurationAPIMS) * time.Millisecond,
		PermissionDenials: resp.PermissionDenials,
	}
	if result.SessionID == "" {
		result.SessionID = r.sessionID
	}
	u := Usage{
		InputTokens:         resp.Usage.InputTokens,
		OutputTokens:        resp.Usage.OutputTokens,
		CacheCreationTokens: resp.Usage.CacheCreationTokens,
		CacheReadTokens:     resp.Usage.CacheReadTokens,
	}
	if u != (Usage{}) {
		result.Usage = &u
	}
	return result
}

// ListFiles returns the files under the working directory.
func (r *LocalRuntime) ListFiles() ([]FileInfo, error) {
	return r.FileChangesSince(time.Time{})
}

// FileChangesSince returns files modified after the given timestamp.
func (r *LocalRuntime) FileChangesSince(since time.Time) ([]FileInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var files []FileInfo
	err := filepath.WalkDir(r.cfg.WorkDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".claude" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !since.IsZero() && !info.ModTime().After(since) {
			return nil
		}
		rel, err := filepath.Rel(r.cfg.WorkDir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(rel), ".turn-signal-") {
			return nil
		}
		files = append(files, FileInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking work directory: %w", err)
	}
	return files, nil
}

// ReadFile reads a file relative to the working directory.
func (r *LocalRuntime) ReadFile(path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	full, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// WriteFile writes a file relative to the working directory.
func (r *LocalRuntime) WriteFile(path string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	full, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	return os.WriteFile(full, content, 0644)
}

// resolve maps a workspace-relative path, rejecting escapes.
func (r *LocalRuntime) resolve(path string) (string, error) {
	if filepath.IsAbs(path) || strings.Contains(path, "..") {
		return "", fmt.Errorf("path %q escapes the work directory", path)
	}
	return filepath.Join(r.cfg.WorkDir, path), nil
}

// IsHealthy reports whether the runtime can accept prompts. A dead
// process or a dead reader demotes the runtime to the error state.
func (r *LocalRuntime) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.getState() {
	case StateStopped, StateStopping, StateError:
		return false
	}
	if r.cmd == nil || r.stdout == nil || r.stderr == nil {
		return false
	}

	select {
	case <-r.exited:
		r.setState(StateError)
		return false
	default:
	}

	if r.stdout.done() || r.stderr.done() {
		r.setState(StateError)
		return false
	}
	return true
}

// Status returns a snapshot without taking the exchange lock.
func (r *LocalRuntime) Status() Status {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return Status{
		State:     r.state,
		SessionID: r.sessionID,
		Healthy:   r.state == StateReady || r.state == StateBusy,
		StartedAt: r.startedAt,
	}
}

// Cleanup shuts the process down with escalation: interrupt, bounded
// wait, terminate, bounded wait, kill. Idempotent; always ends Stopped.
func (r *LocalRuntime) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cleaned {
		r.setState(StateStopped)
		return nil
	}
	r.cleaned = true
	r.setState(StateStopping)
	r.teardown()
	r.setState(StateStopped)
	r.log.Info("local runtime stopped")
	return nil
}

// teardown releases all resources. Safe to call with a partially
// started process.
func (r *LocalRuntime) teardown() {
	if r.stop != nil {
		select {
		case <-r.stop:
		default:
			close(r.stop)
		}
	}
	if r.stdin != nil {
		r.stdin.Close()
	}

	if r.cmd != nil && r.cmd.Process != nil {
		if !r.waitExit(0) {
			interruptProcess(r.cmd)
			if !r.waitExit(interruptGrace) {
				terminateProcess(r.cmd)
				if !r.waitExit(terminateGrace) {
					killProcess(r.cmd)
					r.waitExit(terminateGrace)
				}
			}
		}
	}

	// Join readers with a bounded timeout. A stuck reader is logged and
	// abandoned; process termination is the true resource release.
	if r.stop != nil {
		joined := make(chan struct{})
		go func() {
			r.readers.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(readerJoinWait):
			r.log.Warn("output readers did not stop in time")
		}
	}

	if r.hookPath != "" {
		os.Remove(r.hookPath)
	}
	if r.signalPath != "" {
		os.Remove(r.signalPath)
	}
}

// waitExit waits up to d for the process to be reaped. d == 0 is a
// non-blocking check.
func (r *LocalRuntime) waitExit(d time.Duration) bool {
	if r.exited == nil {
		return true
	}
	if d <= 0 {
		select {
		case <-r.exited:
			return true
		default:
			return false
		}
	}
	select {
	case <-r.exited:
		return true
	case <-time.After(d):
		return false
	}
}

func (r *LocalRuntime) exitError() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.exitErr
}

func (r *LocalRuntime) getState() ProcessState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *LocalRuntime) setState(s ProcessState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.state = s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ AgentRuntime = (*LocalRuntime)(nil)
