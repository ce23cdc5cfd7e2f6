package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	_ "github.com/mattn/go-sqlite3"
)

type sqliteService struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSqlite opens (and migrates) the database at path.
func NewSqlite(path string) (IService, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database folder: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	svc := &sqliteService{db: db}
	if err := svc.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return svc, nil
}

func (svc *sqliteService) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		processor TEXT NOT NULL,
		pipeline TEXT NOT NULL DEFAULT '',
		inner_error TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		stack_trace TEXT NOT NULL DEFAULT '',
		misc TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline TEXT NOT NULL,
		stage TEXT NOT NULL,
		source TEXT NOT NULL,
		frame_seq INTEGER NOT NULL,
		label TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		x INTEGER DEFAULT 0,
		y INTEGER DEFAULT 0,
		width INTEGER DEFAULT 0,
		height INTEGER DEFAULT 0,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stats_pipeline ON stats(pipeline);
	CREATE INDEX IF NOT EXISTS idx_detections_pipeline ON detections(pipeline);
	CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label);
	`

	_, err := svc.db.Exec(schema)
	return err
}

func (svc *sqliteService) NewError(err interface{}) error {
	rec := toErrorRecord(err, time.Now().Unix())
	misc, mErr := json.Marshal(rec.Misc)
	if mErr != nil {
		misc = []byte("{}")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	_, execErr := svc.db.Exec(
		`INSERT INTO errors (timestamp, processor, pipeline, inner_error, message, stack_trace, misc) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Processor, rec.Pipeline, rec.Inner, rec.Message, rec.StackTrace, string(misc),
	)
	return execErr
}

func (svc *sqliteService) NewPipelineStats(stats model.PipelineStats) error {
	stats.Timestamp = time.Now().Unix()
	return svc.newStats("pipeline", stats.Pipeline, "", stats.Timestamp, stats)
}

func (svc *sqliteService) NewStageStats(stats model.StageStats) error {
	stats.Timestamp = time.Now().Unix()
	return svc.newStats("stage", stats.Pipeline, stats.Stage, stats.Timestamp, stats)
}

func (svc *sqliteService) NewSinkStats(stats model.SinkStats) error {
	stats.Timestamp = time.Now().Unix()
	return svc.newStats("sink", stats.Pipeline, stats.Sink, stats.Timestamp, stats)
}

func (svc *sqliteService) newStats(kind, pipeline, name string, ts int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	_, err = svc.db.Exec(
		`INSERT INTO stats (timestamp, kind, pipeline, name, payload) VALUES (?, ?, ?, ?, ?)`,
		ts, kind, pipeline, name, string(data),
	)
	return err
}

func (svc *sqliteService) NewDetections(records []model.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	tx, err := svc.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO detections
		(pipeline, stage, source, frame_seq, label, confidence, x, y, width, height, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Pipeline, r.Stage, r.Source, r.FrameSeq, r.Label, r.Confidence,
			r.X, r.Y, r.Width, r.Height, r.Timestamp); err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}
	return tx.Commit()
}

func (svc *sqliteService) RetrieveDetections(pipeline string, limit int) ([]model.DetectionRecord, error) {
	query := `SELECT pipeline, stage, source, frame_seq, label, confidence, x, y, width, height, timestamp
		FROM detections`
	args := []interface{}{}
	if pipeline != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, pipeline)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	rows, err := svc.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.DetectionRecord{}
	for rows.Next() {
		var r model.DetectionRecord
		if err := rows.Scan(&r.Pipeline, &r.Stage, &r.Source, &r.FrameSeq, &r.Label, &r.Confidence,
			&r.X, &r.Y, &r.Width, &r.Height, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (svc *sqliteService) Close() error {
	return svc.db.Close()
}
