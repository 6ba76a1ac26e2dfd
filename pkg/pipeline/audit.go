// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

// AuditType classifies an ExecutionAudit entry.
type AuditType string

const (
	AuditTypePipeline AuditType = "PIPELINE"
	AuditTypeStep     AuditType = "STEP"
	AuditTypeFork     AuditType = "FORK"
	AuditTypeSplit    AuditType = "SPLIT"
)

// ExecutionAudit records the timing and metrics of one executed state.
// An audit without End is "open" and valid to emit;
// downstream consumers may render it as in-progress.
type ExecutionAudit struct {
	Key       StateKey
	AuditType AuditType
	Start     int64 // epoch ms
	End       *int64
	Metrics   map[string]any
}

// Duration returns end-start in ms when End is known, or false otherwise.
func (a ExecutionAudit) Duration() (int64, bool) {
	if a.End == nil {
		return 0, false
	}
	return *a.End - a.Start, true
}

// AuditLedger is an ordered, upsert-by-key collection of ExecutionAudits.
// Audits are inserted on start and upserted on finish.
type AuditLedger struct {
	entries []ExecutionAudit
	index   map[string]int
}

// NewAuditLedger builds an empty ledger.
func NewAuditLedger() *AuditLedger {
	return &AuditLedger{index: make(map[string]int)}
}

// Clone returns a deep-enough copy for use in a new ExecutionContext snapshot.
func (l *AuditLedger) Clone() *AuditLedger {
	c := NewAuditLedger()
	for _, a := range l.entries {
		c.Upsert(a)
	}
	return c
}

// Open inserts a new audit with no End, or is a no-op if one is already open
// for this key.
func (l *AuditLedger) Open(key StateKey, auditType AuditType, startMs int64) {
	if i, exists := l.index[key.Canonical()]; exists && l.entries[i].End == nil {
		return
	}
	l.Upsert(ExecutionAudit{Key: key, AuditType: auditType, Start: startMs, Metrics: map[string]any{}})
}

// Close sets End and merges metrics for the audit at key, or inserts one if
// absent.
func (l *AuditLedger) Close(key StateKey, endMs int64, metrics map[string]any) {
	canon := key.Canonical()
	if i, exists := l.index[canon]; exists {
		a := l.entries[i]
		e := endMs
		a.End = &e
		if a.Metrics == nil {
			a.Metrics = map[string]any{}
		}
		for k, v := range metrics {
			a.Metrics[k] = v
		}
		l.entries[i] = a
		return
	}
	e := endMs
	l.entries = append(l.entries, ExecutionAudit{Key: key, End: &e, Metrics: metrics, Start: endMs})
	l.index[canon] = len(l.entries) - 1
}

// Upsert inserts or replaces the audit for a.Key (latest wins on collision).
func (l *AuditLedger) Upsert(a ExecutionAudit) {
	canon := a.Key.Canonical()
	if i, exists := l.index[canon]; exists {
		l.entries[i] = a
		return
	}
	l.entries = append(l.entries, a)
	l.index[canon] = len(l.entries) - 1
}

// All returns a copy of the ledger's entries in insertion order.
func (l *AuditLedger) All() []ExecutionAudit {
	out := make([]ExecutionAudit, len(l.entries))
	copy(out, l.entries)
	return out
}

// Get returns the audit for key, if any.
func (l *AuditLedger) Get(key StateKey) (ExecutionAudit, bool) {
	if i, exists := l.index[key.Canonical()]; exists {
		return l.entries[i], true
	}
	return ExecutionAudit{}, false
}

// Merge upserts every entry of other into l by canonical key.
func (l *AuditLedger) Merge(other *AuditLedger) {
	if other == nil {
		return
	}
	for _, a := range other.entries {
		l.Upsert(a)
	}
}
