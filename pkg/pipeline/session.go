// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
)

// SessionStatus is the lifecycle status of a session or a run within it
// (session/run lifecycle status).
type SessionStatus string

const (
	SessionRunning SessionStatus = "RUNNING"
	SessionComplete SessionStatus = "COMPLETE"
	SessionError   SessionStatus = "ERROR"
	SessionPaused  SessionStatus = "PAUSED"
	SessionUnknown SessionStatus = "UNKNOWN"
)

// SessionHistoryEntry is one row returned by GetSessionHistory.
type SessionHistoryEntry struct {
	SessionID string
	RunID     string
	Status    SessionStatus
	Start     int64
	End       int64
	Duration  int64
}

// StatusRecord is upserted by SetStatus, tracking a single step's outcome
// within a run and, for branching/fork steps, the next step ids it fanned
// out to.
type StatusRecord struct {
	SessionID string
	Date      int64
	RunID     string
	ResultKey string // canonical StateKey
	Status    SessionStatus
	NextSteps []string
}

// ResultRecord is the persisted shape of one StepResponse field (either the
// primary return, under name "primaryKey", or one named-return entry).
type ResultRecord struct {
	SessionID string
	Date      int64
	RunID     string
	State     []byte
	Converter string
	ResultKey string
	Name      string
}

const primaryResultName = "primaryKey"

// GlobalRecord is the persisted shape of one global value.
type GlobalRecord struct {
	SessionID string
	Date      int64
	RunID     string
	State     []byte
	Converter string
	Name      string
}

// AuditRecord is the persisted shape of one ExecutionAudit.
type AuditRecord struct {
	SessionID string
	Date      int64
	RunID     string
	ResultKey string
	AuditType AuditType
	Start     int64
	End       *int64
	Metrics   map[string]any
}

// SessionStore is the façade the executor depends on. Implementations must
// be safe for concurrent use; all writes are upserts keyed by the tuple
// named in each method's doc, and across runs the maximum RunID wins.
type SessionStore interface {
	StartSession(sessionID, runID string, startMs int64, status SessionStatus) error
	CompleteSession(sessionID string, endMs int64, status SessionStatus) error
	GetSessionHistory(sessionID string) ([]SessionHistoryEntry, error)

	SetStatus(rec StatusRecord) error
	LoadStatus(sessionID string) ([]StatusRecord, error)

	SaveStepResult(rec ResultRecord) error
	LoadStepResults(sessionID string) ([]ResultRecord, error)

	SaveAudit(rec AuditRecord) error
	LoadAudits(sessionID string) ([]AuditRecord, error)

	SaveGlobal(rec GlobalRecord) error
	LoadGlobals(sessionID string) ([]GlobalRecord, error)
}

// Converter is a named, ordered serialization strategy for values persisted
// by the Session Store. CanConvert is consulted in registration
// order; the last registered converter is the universal default.
type Converter interface {
	Name() string
	CanConvert(value any) bool
	Serialize(value any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// ConverterRegistry selects a Converter for a value and locates one by name
// for deserialization.
type ConverterRegistry struct {
	converters []Converter
}

// NewConverterRegistry builds a registry trying converters in the given
// order; the last one should accept everything (a universal default).
func NewConverterRegistry(converters ...Converter) *ConverterRegistry {
	return &ConverterRegistry{converters: converters}
}

// DefaultConverterRegistry returns the registry supplemented in SPEC_FULL.md:
// stringConverter, hashstructureConverter, then jsonConverter as the
// universal default.
func DefaultConverterRegistry() *ConverterRegistry {
	return NewConverterRegistry(stringConverter{}, hashstructureConverter{}, jsonConverter{})
}

// Select returns the first converter whose CanConvert accepts value.
func (r *ConverterRegistry) Select(value any) (Converter, bool) {
	for _, c := range r.converters {
		if c.CanConvert(value) {
			return c, true
		}
	}
	return nil, false
}

// ByName locates a registered converter by name, for deserialization.
func (r *ConverterRegistry) ByName(name string) (Converter, bool) {
	for _, c := range r.converters {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// stringConverter is a fast path for bare strings.
type stringConverter struct{}

func (stringConverter) Name() string { return "string" }
func (stringConverter) CanConvert(v any) bool {
	_, ok := v.(string)
	return ok
}
func (stringConverter) Serialize(v any) ([]byte, error) {
	s, _ := v.(string)
	return []byte(s), nil
}
func (stringConverter) Deserialize(data []byte) (any, error) { return string(data), nil }

// hashstructureConverter persists the stable structural hash of a value
// rather than the value itself; used for step/pipeline identity-hash
// artifacts (DOMAIN STACK: restart/fork comparison), never selected for
// ordinary step results since it cannot round-trip a value back.
type hashstructureConverter struct{}

func (hashstructureConverter) Name() string { return "hashstructure" }
func (hashstructureConverter) CanConvert(v any) bool {
	_, ok := v.(IdentityHashable)
	return ok
}
func (hashstructureConverter) Serialize(v any) ([]byte, error) {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hashstructureConverter: %w", err)
	}
	return []byte(fmt.Sprintf("%d", h)), nil
}
func (hashstructureConverter) Deserialize(data []byte) (any, error) {
	return string(data), nil
}

// IdentityHashable marks values the hashstructureConverter may claim; the
// Pipeline and FlowStep identity-hash helpers (see identity.go) produce values
// implementing this so they are never accidentally round-tripped as plain
// JSON.
type IdentityHashable interface {
	identityHashable()
}

// jsonConverter is the universal default: anything JSON-marshalable.
type jsonConverter struct{}

func (jsonConverter) Name() string             { return "json" }
func (jsonConverter) CanConvert(v any) bool     { return true }
func (jsonConverter) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}
func (jsonConverter) Deserialize(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MemorySessionStore is an in-memory reference SessionStore, sufficient for
// tests and for embedding applications with no durable store configured.
type MemorySessionStore struct {
	mu sync.Mutex

	sessions map[string]sessionRow
	history  map[string][]SessionHistoryEntry
	status   map[string][]StatusRecord
	results  map[string][]ResultRecord
	audits   map[string][]AuditRecord
	globals  map[string][]GlobalRecord
}

type sessionRow struct {
	runID  string
	start  int64
	status SessionStatus
}

// NewMemorySessionStore builds an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: map[string]sessionRow{},
		history:  map[string][]SessionHistoryEntry{},
		status:   map[string][]StatusRecord{},
		results:  map[string][]ResultRecord{},
		audits:   map[string][]AuditRecord{},
		globals:  map[string][]GlobalRecord{},
	}
}

func (m *MemorySessionStore) StartSession(sessionID, runID string, startMs int64, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, exists := m.sessions[sessionID]; exists {
		m.history[sessionID] = append(m.history[sessionID], SessionHistoryEntry{
			SessionID: sessionID, RunID: prior.runID, Status: prior.status, Start: prior.start,
		})
	}
	m.sessions[sessionID] = sessionRow{runID: runID, start: startMs, status: status}
	return nil
}

func (m *MemorySessionStore) CompleteSession(sessionID string, endMs int64, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: not started", sessionID)
	}
	row.status = status
	m.sessions[sessionID] = row
	m.history[sessionID] = append(m.history[sessionID], SessionHistoryEntry{
		SessionID: sessionID, RunID: row.runID, Status: status, Start: row.start, End: endMs, Duration: endMs - row.start,
	})
	return nil
}

func (m *MemorySessionStore) GetSessionHistory(sessionID string) ([]SessionHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]SessionHistoryEntry(nil), m.history[sessionID]...)
	return out, nil
}

func (m *MemorySessionStore) SetStatus(rec StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.status[rec.SessionID]
	for i, r := range rows {
		if r.RunID == rec.RunID && r.ResultKey == rec.ResultKey {
			if maxRunID(r.RunID, rec.RunID) == r.RunID && r.RunID != rec.RunID {
				return nil // an existing higher runId already wins
			}
			rows[i] = rec
			m.status[rec.SessionID] = rows
			return nil
		}
	}
	m.status[rec.SessionID] = append(rows, rec)
	return nil
}

func (m *MemorySessionStore) LoadStatus(sessionID string) ([]StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestByRunID(m.status[sessionID], func(r StatusRecord) (string, string) { return r.ResultKey, r.RunID }), nil
}

func (m *MemorySessionStore) SaveStepResult(rec ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.results[rec.SessionID]
	for i, r := range rows {
		if r.ResultKey == rec.ResultKey && r.Name == rec.Name {
			if string(r.State) == string(rec.State) {
				return nil // idempotent: identical bytes under an existing key is a no-op
			}
			if maxRunID(r.RunID, rec.RunID) == r.RunID && r.RunID != rec.RunID {
				return nil
			}
			rows[i] = rec
			m.results[rec.SessionID] = rows
			return nil
		}
	}
	m.results[rec.SessionID] = append(rows, rec)
	return nil
}

func (m *MemorySessionStore) LoadStepResults(sessionID string) ([]ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestByRunID(m.results[sessionID], func(r ResultRecord) (string, string) { return r.ResultKey + "\x00" + r.Name, r.RunID }), nil
}

func (m *MemorySessionStore) SaveAudit(rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.audits[rec.SessionID]
	for i, r := range rows {
		if r.ResultKey == rec.ResultKey && r.RunID == rec.RunID {
			rows[i] = rec
			m.audits[rec.SessionID] = rows
			return nil
		}
	}
	m.audits[rec.SessionID] = append(rows, rec)
	return nil
}

func (m *MemorySessionStore) LoadAudits(sessionID string) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestByRunID(m.audits[sessionID], func(r AuditRecord) (string, string) { return r.ResultKey, r.RunID }), nil
}

func (m *MemorySessionStore) SaveGlobal(rec GlobalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.globals[rec.SessionID]
	for i, r := range rows {
		if r.Name == rec.Name {
			if string(r.State) == string(rec.State) {
				return nil
			}
			if maxRunID(r.RunID, rec.RunID) == r.RunID && r.RunID != rec.RunID {
				return nil
			}
			rows[i] = rec
			m.globals[rec.SessionID] = rows
			return nil
		}
	}
	m.globals[rec.SessionID] = append(rows, rec)
	return nil
}

func (m *MemorySessionStore) LoadGlobals(sessionID string) ([]GlobalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestByRunID(m.globals[sessionID], func(r GlobalRecord) (string, string) { return r.Name, r.RunID }), nil
}

// maxRunID compares two run ids lexically; runIds in this module are
// monotonically increasing decimal strings (see identity.go), so lexical and
// numeric ordering agree once zero-padded, which NewRunID guarantees.
func maxRunID(a, b string) string {
	if len(a) != len(b) {
		if len(a) > len(b) {
			return a
		}
		return b
	}
	if a >= b {
		return a
	}
	return b
}

// latestByRunID keeps the single record with the maximum RunID for each
// distinct key ("the maximum runId wins"), returned in a stable order.
func latestByRunID[T any](rows []T, keyOf func(T) (string, string)) []T {
	best := map[string]T{}
	bestRun := map[string]string{}
	var order []string
	for _, r := range rows {
		k, runID := keyOf(r)
		if cur, exists := bestRun[k]; !exists || maxRunID(cur, runID) == runID && runID != cur {
			if !exists {
				order = append(order, k)
			}
			best[k] = r
			bestRun[k] = runID
		}
	}
	sort.Strings(order)
	out := make([]T, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
