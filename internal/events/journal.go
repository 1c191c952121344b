package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const journalFileName = "last-login.json"

// Entry is one recorded event.
type Entry struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	EntityID string    `json:"entity_id"`
	Payload  any       `json:"payload,omitempty"`
}

// Record is the journal of one login as written to disk.
type Record struct {
	SessionID string  `json:"session_id"`
	TraceID   string  `json:"trace_id,omitempty"`
	Started   string  `json:"started"`
	Events    []Entry `json:"events"`
}

// Journal keeps the event stream of a login so that it can be inspected
// after the process has exited.
type Journal struct {
	mu     sync.Mutex
	record Record
}

// DefaultJournalPath returns ~/.gcauth/last-login.json.
func DefaultJournalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".gcauth", journalFileName), nil
}

// NewJournal starts an empty journal for a session.
func NewJournal(sessionID, traceID string) *Journal {
	return &Journal{record: Record{
		SessionID: sessionID,
		TraceID:   traceID,
		Started:   time.Now().UTC().Format(time.RFC3339),
		Events:    make([]Entry, 0),
	}}
}

// Record appends event. It is a Handler.
func (j *Journal) Record(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record.Events = append(j.record.Events, Entry{
		Time:     event.Timestamp,
		Type:     event.Type,
		Severity: event.Severity,
		EntityID: event.EntityID,
		Payload:  event.Payload,
	})
}

// Entries returns a copy of the recorded events.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.record.Events...)
}

// WriteFile replaces path with the journal.
func (j *Journal) WriteFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("journal path is required")
	}
	j.mu.Lock()
	data, err := json.MarshalIndent(j.record, "", "  ")
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// ReadJournal loads a journal written by WriteFile.
func ReadJournal(path string) (Record, error) {
	// #nosec G304 -- path is the gcauth journal location.
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decode journal %s: %w", path, err)
	}
	return record, nil
}
