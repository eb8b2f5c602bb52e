/*
File: history_store.go
Version: 1.1.2
Description: SQLite archive of detections. The in-memory history is capped
             and trimmed; this keeps the full record for later analysis.
             Writes go through a small queue and land in batched
             transactions so the detection path never waits on disk.
*/

package main

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	historyQueueSize  = 256
	historyBatchSize  = 64
	historyFlushEvery = 2 * time.Second
)

// SourceSummary aggregates the archive per offending source.
type SourceSummary struct {
	Source     string    `json:"source"`
	Detections int64     `json:"detections"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

type HistoryStore struct {
	db     *sql.DB
	queue  chan DetectionRecord
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// OpenHistory opens or creates the archive database.
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &HistoryStore{
		db:    db,
		queue: make(chan DetectionRecord, historyQueueSize),
		done:  make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	s.wg.Add(1)
	go s.flusher()
	LogInfo("[HISTORY] Archive open at %s", path)
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL, -- Unix timestamp
		source TEXT NOT NULL,
		confidence REAL NOT NULL,
		packet_count INTEGER NOT NULL,
		mean_length REAL NOT NULL,
		hostname TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_detections_at ON detections(at);
	CREATE INDEX IF NOT EXISTS idx_detections_source ON detections(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record queues one detection for archival. Never blocks and never panics:
// a full queue drops the record with a debug note, and a record racing Close
// is quietly discarded. The queue channel is never closed; shutdown signals
// through done.
func (s *HistoryStore) Record(rec DetectionRecord) {
	select {
	case <-s.done:
	case s.queue <- rec:
	default:
		LogDebug("[HISTORY] Queue full, dropping record for %s", rec.Source)
	}
}

func (s *HistoryStore) flusher() {
	defer s.wg.Done()
	ticker := time.NewTicker(historyFlushEvery)
	defer ticker.Stop()

	batch := make([]DetectionRecord, 0, historyBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(batch); err != nil {
			LogWarn("[HISTORY] Batch insert of %d record(s) failed: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= historyBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain what made it into the queue before shutdown, then stop.
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *HistoryStore) insert(batch []DetectionRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO detections (at, source, confidence, packet_count, mean_length, hostname)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		_, err := stmt.Exec(
			rec.Time.Unix(),
			rec.Source,
			rec.Confidence,
			rec.PacketCount,
			rec.MeanLength,
			rec.Hostname,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Recent returns archived detections, newest first, optionally filtered by
// source address.
func (s *HistoryStore) Recent(limit int, source string) ([]DetectionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT at, source, confidence, packet_count, mean_length, hostname FROM detections`
	args := []interface{}{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DetectionRecord, 0, limit)
	for rows.Next() {
		var at int64
		var rec DetectionRecord
		if err := rows.Scan(&at, &rec.Source, &rec.Confidence, &rec.PacketCount, &rec.MeanLength, &rec.Hostname); err != nil {
			return nil, err
		}
		rec.Time = time.Unix(at, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TopSources ranks sources by detection count.
func (s *HistoryStore) TopSources(limit int) ([]SourceSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT source, COUNT(*), MIN(at), MAX(at)
		FROM detections
		GROUP BY source
		ORDER BY COUNT(*) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SourceSummary, 0, limit)
	for rows.Next() {
		var sum SourceSummary
		var first, last int64
		if err := rows.Scan(&sum.Source, &sum.Detections, &first, &last); err != nil {
			return nil, err
		}
		sum.FirstSeen = time.Unix(first, 0).UTC()
		sum.LastSeen = time.Unix(last, 0).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close flushes the queue and closes the database. Safe to call more than
// once and safe against concurrent Record calls; records arriving after the
// flusher's final drain are discarded.
func (s *HistoryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
