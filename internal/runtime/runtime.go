// Package runtime manages the lifecycle of a single coding agent across
// two deployment topologies: a co-located child process (LocalRuntime)
// and a remote interactive shell over SSH (RemoteRuntime). Both expose
// the same contract: send a prompt, get a complete response, detect
// failure, clean up.
package runtime

import (
	"context"
	"time"
)

// ProcessState represents the lifecycle state of a runtime instance.
type ProcessState string

const (
	StateStopped  ProcessState = "stopped"
	StateStarting ProcessState = "starting"
	StateReady    ProcessState = "ready"
	StateBusy     ProcessState = "busy"
	StateError    ProcessState = "error"
	StateStopping ProcessState = "stopping"
)

// PromptOptions carries per-exchange overrides.
type PromptOptions struct {
	Timeout time.Duration // overrides the configured response timeout when > 0
}

// Usage holds token accounting for one exchange.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// CacheHitRate returns the fraction of prompt-side tokens served from
// cache, or 0 when no prompt tokens were counted.
func (u Usage) CacheHitRate() float64 {
	total := u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
	if total == 0 {
		return 0
	}
	return float64(u.CacheReadTokens) / float64(total)
}

// PermissionDenial records a tool call the agent was not allowed to make.
type PermissionDenial struct {
	ToolName string `json:"tool_name"`
}

// TurnResult is the outcome of one prompt/response exchange.
type TurnResult struct {
	Content           string             `json:"content"`
	SessionID         string             `json:"session_id,omitempty"`
	IsError           bool               `json:"is_error,omitempty"` // agent-reported turn failure
	Subtype           string             `json:"subtype,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	CostUSD           float64            `json:"cost_usd,omitempty"`
	Duration          time.Duration      `json:"duration,omitempty"`     // wall-clock for the exchange
	APIDuration       time.Duration      `json:"api_duration,omitempty"` // API latency as reported by the agent
	Usage             *Usage             `json:"usage,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// FileInfo describes one file in the agent workspace.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Status is a point-in-time snapshot of a runtime instance.
type Status struct {
	State     ProcessState `json:"state"`
	SessionID string       `json:"session_id,omitempty"`
	Healthy   bool         `json:"healthy"`
	StartedAt time.Time    `json:"started_at,omitempty"`
}

// AgentRuntime is the uniform contract consumed by the orchestrator.
// Implementations own exactly one agent process or channel for their
// full lifetime; SendPrompt, IsHealthy, file operations, and Cleanup are
// serialized per instance.
type AgentRuntime interface {
	// Initialize validates configuration and brings the agent to Ready.
	Initialize(ctx context.Context) error

	// SendPrompt submits one prompt and blocks until the turn completes,
	// fails, or times out. A non-nil TurnResult may accompany a
	// classified error (partial output is preserved).
	SendPrompt(ctx context.Context, text string, opts PromptOptions) (*TurnResult, error)

	// File operations against the agent workspace. They share the
	// exchange lock and never interleave with an in-flight prompt.
	ListFiles() ([]FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, content []byte) error
	FileChangesSince(since time.Time) ([]FileInfo, error)

	// IsHealthy reports liveness; a negative check may demote the
	// runtime to the error state as a side effect.
	IsHealthy() bool

	// Status returns a snapshot without blocking on the exchange lock.
	Status() Status

	// Cleanup releases the process or channel. Idempotent and callable
	// from any state; the runtime always ends Stopped.
	Cleanup() error
}
