// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gormstore is a GORM-backed pipeline.SessionStore, wired to
// whichever dialector internal/config selects (sqlite for local/embedded
// use, postgres for a shared deployment).
package gormstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/pipelinecore/internal/config"
	"github.com/noldarim/pipelinecore/internal/logger"
	"github.com/noldarim/pipelinecore/pkg/pipeline"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSessionLogger()
		log = &l
	})
	return log
}

func encodeMetrics(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMetrics(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Store is a pipeline.SessionStore backed by a GORM connection.
type Store struct {
	db *gorm.DB
}

// Open connects using cfg's driver and runs AutoMigrate.
func Open(cfg *config.SessionConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "memory":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported session driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session store: %w", err)
	}

	s := &Store{db: db}
	if err := s.autoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) autoMigrate() error {
	return s.db.AutoMigrate(
		&sessionModel{},
		&sessionHistoryModel{},
		&statusModel{},
		&resultModel{},
		&auditModel{},
		&globalModel{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sessionModel struct {
	SessionID string `gorm:"primaryKey"`
	RunID     string
	Start     int64
	Status    string
}

func (sessionModel) TableName() string { return "sessions" }

type sessionHistoryModel struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index"`
	RunID     string
	Status    string
	Start     int64
	End       int64
	Duration  int64
}

func (sessionHistoryModel) TableName() string { return "session_history" }

type statusModel struct {
	SessionID string `gorm:"primaryKey"`
	ResultKey string `gorm:"primaryKey"`
	RunID     string `gorm:"primaryKey"`
	Date      int64
	Status    string
	NextSteps string // comma-joined; step ids never contain commas
}

func (statusModel) TableName() string { return "step_status" }

type resultModel struct {
	SessionID string `gorm:"primaryKey"`
	ResultKey string `gorm:"primaryKey"`
	Name      string `gorm:"primaryKey"`
	RunID     string `gorm:"primaryKey"`
	Date      int64
	State     []byte
	Converter string
}

func (resultModel) TableName() string { return "step_results" }

type auditModel struct {
	SessionID string `gorm:"primaryKey"`
	ResultKey string `gorm:"primaryKey"`
	RunID     string `gorm:"primaryKey"`
	Date      int64
	AuditType string
	Start     int64
	End       *int64
	Metrics   []byte // json
}

func (auditModel) TableName() string { return "audits" }

type globalModel struct {
	SessionID string `gorm:"primaryKey"`
	Name      string `gorm:"primaryKey"`
	RunID     string `gorm:"primaryKey"`
	Date      int64
	State     []byte
	Converter string
}

func (globalModel) TableName() string { return "globals" }

func (s *Store) StartSession(sessionID, runID string, startMs int64, status pipeline.SessionStatus) error {
	var prior sessionModel
	err := s.db.First(&prior, "session_id = ?", sessionID).Error
	if err == nil {
		if err := s.db.Create(&sessionHistoryModel{
			SessionID: sessionID, RunID: prior.RunID, Status: prior.Status, Start: prior.Start,
		}).Error; err != nil {
			return err
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	getLog().Info().Str("session", sessionID).Str("run", runID).Str("status", string(status)).Msg("session started")
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"run_id", "start", "status"}),
	}).Create(&sessionModel{SessionID: sessionID, RunID: runID, Start: startMs, Status: string(status)}).Error
}

func (s *Store) CompleteSession(sessionID string, endMs int64, status pipeline.SessionStatus) error {
	var row sessionModel
	if err := s.db.First(&row, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("session %s: not started", sessionID)
		}
		return err
	}
	if err := s.db.Model(&sessionModel{}).Where("session_id = ?", sessionID).Update("status", string(status)).Error; err != nil {
		return err
	}
	getLog().Info().Str("session", sessionID).Str("status", string(status)).Msg("session completed")
	return s.db.Create(&sessionHistoryModel{
		SessionID: sessionID, RunID: row.RunID, Status: string(status), Start: row.Start, End: endMs, Duration: endMs - row.Start,
	}).Error
}

func (s *Store) GetSessionHistory(sessionID string) ([]pipeline.SessionHistoryEntry, error) {
	var rows []sessionHistoryModel
	if err := s.db.Where("session_id = ?", sessionID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pipeline.SessionHistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, pipeline.SessionHistoryEntry{
			SessionID: r.SessionID, RunID: r.RunID, Status: pipeline.SessionStatus(r.Status),
			Start: r.Start, End: r.End, Duration: r.Duration,
		})
	}
	return out, nil
}

func (s *Store) SetStatus(rec pipeline.StatusRecord) error {
	existing, winner, err := s.winningStatusRunID(rec.SessionID, rec.ResultKey, rec.RunID)
	if err != nil {
		return err
	}
	if !winner {
		getLog().Debug().Str("session", rec.SessionID).Str("key", rec.ResultKey).Str("run", rec.RunID).Msg("status upsert lost to a newer run")
		return nil
	}
	getLog().Debug().Str("session", rec.SessionID).Str("key", rec.ResultKey).Str("run", rec.RunID).Str("status", string(rec.Status)).Msg("status upserted")
	next := ""
	for i, n := range rec.NextSteps {
		if i > 0 {
			next += ","
		}
		next += n
	}
	row := statusModel{SessionID: rec.SessionID, ResultKey: rec.ResultKey, RunID: rec.RunID, Date: rec.Date, Status: string(rec.Status), NextSteps: next}
	if existing {
		return s.db.Model(&statusModel{}).Where("session_id = ? AND result_key = ?", rec.SessionID, rec.ResultKey).
			Updates(map[string]any{"run_id": rec.RunID, "date": rec.Date, "status": string(rec.Status), "next_steps": next}).Error
	}
	return s.db.Create(&row).Error
}

func (s *Store) LoadStatus(sessionID string) ([]pipeline.StatusRecord, error) {
	var rows []statusModel
	if err := s.db.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pipeline.StatusRecord, 0, len(rows))
	for _, r := range rows {
		var next []string
		if r.NextSteps != "" {
			next = splitCSV(r.NextSteps)
		}
		out = append(out, pipeline.StatusRecord{
			SessionID: r.SessionID, Date: r.Date, RunID: r.RunID, ResultKey: r.ResultKey,
			Status: pipeline.SessionStatus(r.Status), NextSteps: next,
		})
	}
	return out, nil
}

func (s *Store) SaveStepResult(rec pipeline.ResultRecord) error {
	var existing resultModel
	err := s.db.First(&existing, "session_id = ? AND result_key = ? AND name = ?", rec.SessionID, rec.ResultKey, rec.Name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(&resultModel{
			SessionID: rec.SessionID, ResultKey: rec.ResultKey, Name: rec.Name, RunID: rec.RunID,
			Date: rec.Date, State: rec.State, Converter: rec.Converter,
		}).Error
	case err != nil:
		return err
	}
	if string(existing.State) == string(rec.State) {
		return nil
	}
	if maxRunID(existing.RunID, rec.RunID) == existing.RunID && existing.RunID != rec.RunID {
		getLog().Debug().Str("session", rec.SessionID).Str("key", rec.ResultKey).Str("run", rec.RunID).Msg("step result upsert lost to a newer run")
		return nil
	}
	getLog().Debug().Str("session", rec.SessionID).Str("key", rec.ResultKey).Str("name", rec.Name).Msg("step result upserted")
	return s.db.Model(&resultModel{}).
		Where("session_id = ? AND result_key = ? AND name = ?", rec.SessionID, rec.ResultKey, rec.Name).
		Updates(map[string]any{"run_id": rec.RunID, "date": rec.Date, "state": rec.State, "converter": rec.Converter}).Error
}

func (s *Store) LoadStepResults(sessionID string) ([]pipeline.ResultRecord, error) {
	var rows []resultModel
	if err := s.db.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pipeline.ResultRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, pipeline.ResultRecord{
			SessionID: r.SessionID, Date: r.Date, RunID: r.RunID, State: r.State, Converter: r.Converter,
			ResultKey: r.ResultKey, Name: r.Name,
		})
	}
	return out, nil
}

func (s *Store) SaveAudit(rec pipeline.AuditRecord) error {
	metrics, err := encodeMetrics(rec.Metrics)
	if err != nil {
		return err
	}
	var existing auditModel
	err = s.db.First(&existing, "session_id = ? AND result_key = ? AND run_id = ?", rec.SessionID, rec.ResultKey, rec.RunID).Error
	row := auditModel{
		SessionID: rec.SessionID, ResultKey: rec.ResultKey, RunID: rec.RunID, Date: rec.Date,
		AuditType: string(rec.AuditType), Start: rec.Start, End: rec.End, Metrics: metrics,
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		getLog().Debug().Str("session", rec.SessionID).Str("key", rec.ResultKey).Str("type", string(rec.AuditType)).Msg("audit record opened")
		return s.db.Create(&row).Error
	}
	if err != nil {
		return err
	}
	getLog().Debug().Str("session", rec.SessionID).Str("key", rec.ResultKey).Str("type", string(rec.AuditType)).Msg("audit record closed")
	return s.db.Model(&auditModel{}).
		Where("session_id = ? AND result_key = ? AND run_id = ?", rec.SessionID, rec.ResultKey, rec.RunID).
		Updates(map[string]any{"date": rec.Date, "audit_type": string(rec.AuditType), "start": rec.Start, "end": rec.End, "metrics": metrics}).Error
}

func (s *Store) LoadAudits(sessionID string) ([]pipeline.AuditRecord, error) {
	var rows []auditModel
	if err := s.db.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pipeline.AuditRecord, 0, len(rows))
	for _, r := range rows {
		metrics, err := decodeMetrics(r.Metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, pipeline.AuditRecord{
			SessionID: r.SessionID, Date: r.Date, RunID: r.RunID, ResultKey: r.ResultKey,
			AuditType: pipeline.AuditType(r.AuditType), Start: r.Start, End: r.End, Metrics: metrics,
		})
	}
	return out, nil
}

func (s *Store) SaveGlobal(rec pipeline.GlobalRecord) error {
	var existing globalModel
	err := s.db.First(&existing, "session_id = ? AND name = ?", rec.SessionID, rec.Name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(&globalModel{
			SessionID: rec.SessionID, Name: rec.Name, RunID: rec.RunID, Date: rec.Date,
			State: rec.State, Converter: rec.Converter,
		}).Error
	case err != nil:
		return err
	}
	if string(existing.State) == string(rec.State) {
		return nil
	}
	if maxRunID(existing.RunID, rec.RunID) == existing.RunID && existing.RunID != rec.RunID {
		getLog().Debug().Str("session", rec.SessionID).Str("global", rec.Name).Str("run", rec.RunID).Msg("global upsert lost to a newer run")
		return nil
	}
	getLog().Debug().Str("session", rec.SessionID).Str("global", rec.Name).Msg("global upserted")
	return s.db.Model(&globalModel{}).
		Where("session_id = ? AND name = ?", rec.SessionID, rec.Name).
		Updates(map[string]any{"run_id": rec.RunID, "date": rec.Date, "state": rec.State, "converter": rec.Converter}).Error
}

func (s *Store) LoadGlobals(sessionID string) ([]pipeline.GlobalRecord, error) {
	var rows []globalModel
	if err := s.db.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pipeline.GlobalRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, pipeline.GlobalRecord{
			SessionID: r.SessionID, Date: r.Date, RunID: r.RunID, State: r.State, Converter: r.Converter, Name: r.Name,
		})
	}
	return out, nil
}

// winningStatusRunID reports whether a status row for (sessionID, resultKey)
// exists, and whether candidateRunID is allowed to overwrite it under the
// "maximum runId wins" rule.
func (s *Store) winningStatusRunID(sessionID, resultKey, candidateRunID string) (existed, winner bool, err error) {
	var row statusModel
	err = s.db.Where("session_id = ? AND result_key = ?", sessionID, resultKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}
	if maxRunID(row.RunID, candidateRunID) == row.RunID && row.RunID != candidateRunID {
		return true, false, nil
	}
	return true, true, nil
}

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

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
