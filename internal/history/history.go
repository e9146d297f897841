// Package history persists completed prompt exchanges: one JSON file per
// exchange plus an in-memory cache for listing and lookup.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store manages exchange history persistence.
type Store struct {
	dir string // Base directory for history files

	mu      sync.RWMutex
	entries map[string]*Entry // In-memory cache keyed by exchange ID
}

// Entry represents one completed exchange.
type Entry struct {
	ExchangeID      string      `json:"exchange_id"`
	SessionID       string      `json:"session_id"`
	State           string      `json:"state"` // "completed" or "failed"
	Prompt          string      `json:"prompt"`
	PromptPreview   string      `json:"prompt_preview"` // First 200 chars
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	Content         string      `json:"content,omitempty"`
	ContentPreview  string      `json:"content_preview,omitempty"` // First 200 chars
	Error           *EntryError `json:"error,omitempty"`
	NumTurns        int         `json:"num_turns,omitempty"`
	CostUSD         float64     `json:"cost_usd,omitempty"`
	TokenUsage      *TokenUsage `json:"token_usage,omitempty"`
}

// EntryError captures the failure classification.
type EntryError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TokenUsage captures token consumption.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ListOptions controls pagination for List.
type ListOptions struct {
	Page  int // 1-indexed page number
	Limit int // Items per page (max 100)
}

// ListResult contains paginated history entries.
type ListResult struct {
	Entries    []EntrySummary `json:"entries"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// EntrySummary is a lightweight version of Entry for list responses.
type EntrySummary struct {
	ExchangeID      string      `json:"exchange_id"`
	SessionID       string      `json:"session_id"`
	State           string      `json:"state"`
	PromptPreview   string      `json:"prompt_preview"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	Error           *EntryError `json:"error,omitempty"`
	NumTurns        int         `json:"num_turns,omitempty"`
}

// Retention limits
const (
	MaxEntries    = 200
	PreviewLength = 200
)

// NewStore creates a history store at the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		entries: make(map[string]*Entry),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return s, nil
}

// Save persists an exchange entry and prunes past the retention limit.
func (s *Store) Save(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.PromptPreview = truncate(entry.Prompt, PreviewLength)
	entry.ContentPreview = truncate(entry.Content, PreviewLength)

	if err := writeJSON(s.entryPath(entry.ExchangeID), entry); err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}

	s.entries[entry.ExchangeID] = entry
	s.pruneUnlocked()
	return nil
}

// Get retrieves an exchange entry by ID.
func (s *Store) Get(exchangeID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[exchangeID]
	if !ok {
		return nil, fmt.Errorf("%s not found in history", exchangeID)
	}
	return entry, nil
}

// List returns paginated history entries, newest first.
func (s *Store) List(opts ListOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	sorted := s.sortedUnlocked()
	total := len(sorted)
	totalPages := (total + opts.Limit - 1) / opts.Limit

	start := (opts.Page - 1) * opts.Limit
	end := start + opts.Limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	entries := make([]EntrySummary, 0, end-start)
	for _, e := range sorted[start:end] {
		entries = append(entries, EntrySummary{
			ExchangeID:      e.ExchangeID,
			SessionID:       e.SessionID,
			State:           e.State,
			PromptPreview:   e.PromptPreview,
			StartedAt:       e.StartedAt,
			CompletedAt:     e.CompletedAt,
			DurationSeconds: e.DurationSeconds,
			Error:           e.Error,
			NumTurns:        e.NumTurns,
		})
	}

	return ListResult{
		Entries:    entries,
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

// load reads all existing entries from disk.
func (s *Store) load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip unreadable files
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue // Skip invalid JSON
		}
		s.entries[entry.ExchangeID] = &entry
	}

	return nil
}

// pruneUnlocked removes the oldest entries past the retention limit.
// Must be called with lock held.
func (s *Store) pruneUnlocked() {
	sorted := s.sortedUnlocked()
	for i := MaxEntries; i < len(sorted); i++ {
		id := sorted[i].ExchangeID
		os.Remove(s.entryPath(id))
		delete(s.entries, id)
	}
}

// sortedUnlocked returns the entries newest first. Callers hold the lock.
func (s *Store) sortedUnlocked() []*Entry {
	sorted := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})
	return sorted
}

func (s *Store) entryPath(exchangeID string) string {
	return filepath.Join(s.dir, exchangeID+".json")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
