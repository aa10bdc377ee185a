// SPDX-License-Identifier: MIT

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/clipline/clipline/internal/moments"
)

const schemaVersion = 1

// SqliteStore implements Store on a single SQLite file in WAL mode.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (or creates) the database file and applies the
// schema. The pragmas ride the DSN so they apply to every pooled
// connection; busy_timeout avoids "database is locked" under WAL.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection pool.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		source_url TEXT NOT NULL DEFAULT '',
		cloud_url TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		duration_seconds REAL NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		codec TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		frame_rate REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_videos_source_url ON videos(source_url);

	CREATE TABLE IF NOT EXISTS transcripts (
		video_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		words_json TEXT NOT NULL,
		segments_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generation_configs (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		model TEXT NOT NULL,
		temperature REAL NOT NULL DEFAULT 0,
		min_len REAL NOT NULL DEFAULT 0,
		max_len REAL NOT NULL DEFAULT 0,
		min_moments INTEGER NOT NULL DEFAULT 0,
		max_moments INTEGER NOT NULL DEFAULT 0,
		prompt TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generation_configs_video ON generation_configs(video_id);

	CREATE TABLE IF NOT EXISTS moments (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		config_id TEXT NOT NULL DEFAULT '',
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		is_refined INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		clip_path TEXT NOT NULL DEFAULT '',
		cloud_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK (end_time > start_time)
	);
	CREATE INDEX IF NOT EXISTS idx_moments_video ON moments(video_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_moments_refined_parent ON moments(parent_id) WHERE is_refined = 1;
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// PutVideo inserts or replaces the video row.
func (s *SqliteStore) PutVideo(ctx context.Context, v Video) error {
	if v.ID == "" {
		return errors.New("video id must not be empty")
	}
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
	INSERT INTO videos (id, source_url, cloud_url, local_path, duration_seconds, size_bytes, codec, width, height, frame_rate, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		source_url = excluded.source_url,
		cloud_url = excluded.cloud_url,
		local_path = excluded.local_path,
		duration_seconds = excluded.duration_seconds,
		size_bytes = excluded.size_bytes,
		codec = excluded.codec,
		width = excluded.width,
		height = excluded.height,
		frame_rate = excluded.frame_rate
	`
	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.SourceURL, v.CloudURL, v.LocalPath, v.DurationSeconds,
		v.SizeBytes, v.Codec, v.Width, v.Height, v.FrameRate,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// GetVideo returns the video row, or (nil, nil) when absent.
func (s *SqliteStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	query := `
	SELECT id, source_url, cloud_url, local_path, duration_seconds, size_bytes, codec, width, height, frame_rate, created_at
	FROM videos WHERE id = ?
	`
	var v Video
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&v.ID, &v.SourceURL, &v.CloudURL, &v.LocalPath, &v.DurationSeconds,
		&v.SizeBytes, &v.Codec, &v.Width, &v.Height, &v.FrameRate, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}

// PutTranscript inserts or replaces the transcript of a video. Word
// and segment timestamps are stored as JSON blobs.
func (s *SqliteStore) PutTranscript(ctx context.Context, t Transcript) error {
	if t.VideoID == "" {
		return errors.New("transcript video id must not be empty")
	}
	wordsJSON, err := marshalJSON(t.Words)
	if err != nil {
		return fmt.Errorf("encode words: %w", err)
	}
	segmentsJSON, err := marshalJSON(t.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
	INSERT INTO transcripts (video_id, text, words_json, segments_json, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(video_id) DO UPDATE SET
		text = excluded.text,
		words_json = excluded.words_json,
		segments_json = excluded.segments_json,
		created_at = excluded.created_at
	`
	_, err = s.db.ExecContext(ctx, query,
		t.VideoID, t.Text, wordsJSON, segmentsJSON, createdAt.Format(time.RFC3339),
	)
	return err
}

// GetTranscript returns the transcript of a video, or (nil, nil) when
// the video has not been transcribed.
func (s *SqliteStore) GetTranscript(ctx context.Context, videoID string) (*Transcript, error) {
	query := `SELECT video_id, text, words_json, segments_json, created_at FROM transcripts WHERE video_id = ?`
	var t Transcript
	var wordsJSON, segmentsJSON, createdAt string
	err := s.db.QueryRowContext(ctx, query, videoID).Scan(
		&t.VideoID, &t.Text, &wordsJSON, &segmentsJSON, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(wordsJSON, &t.Words); err != nil {
		return nil, fmt.Errorf("decode words: %w", err)
	}
	if err := unmarshalJSON(segmentsJSON, &t.Segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

// PutGenerationConfig records the parameters of one generation run.
func (s *SqliteStore) PutGenerationConfig(ctx context.Context, gc GenerationConfig) error {
	if gc.ID == "" {
		return errors.New("generation config id must not be empty")
	}
	createdAt := gc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
	INSERT INTO generation_configs (id, video_id, model, temperature, min_len, max_len, min_moments, max_moments, prompt, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		gc.ID, gc.VideoID, gc.Model, gc.Temperature, gc.MinLen, gc.MaxLen,
		gc.MinMoments, gc.MaxMoments, gc.Prompt, createdAt.Format(time.RFC3339),
	)
	return err
}

// InsertMoments bulk-upserts moments inside one transaction. A moment
// whose id already exists is updated in place; its clip and cloud
// paths are kept so regeneration of an identical span does not orphan
// an already-extracted clip.
func (s *SqliteStore) InsertMoments(ctx context.Context, ms []moments.Moment) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO moments (id, video_id, config_id, start_time, end_time, title, is_refined, parent_id, clip_path, cloud_path, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?)
	ON CONFLICT(id) DO UPDATE SET
		video_id = excluded.video_id,
		config_id = excluded.config_id,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		title = excluded.title,
		is_refined = excluded.is_refined,
		parent_id = excluded.parent_id
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range ms {
		if m.ID == "" || m.VideoID == "" {
			return fmt.Errorf("moment missing id or video id: %+v", m)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.VideoID, m.ConfigID, m.StartTime, m.EndTime, m.Title,
			boolToInt(m.IsRefined), nullable(m.ParentID), now,
		); err != nil {
			return fmt.Errorf("insert moment %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// MomentsByVideo returns all moments of the video ordered by start
// time, refined children interleaved with their parents.
func (s *SqliteStore) MomentsByVideo(ctx context.Context, videoID string) ([]moments.Moment, error) {
	return s.queryMoments(ctx,
		`SELECT id, video_id, config_id, start_time, end_time, title, is_refined, parent_id, clip_path, cloud_path
		 FROM moments WHERE video_id = ? ORDER BY start_time, is_refined, id`, videoID)
}

// OriginalsByVideo returns only non-refined moments ordered by start
// time.
func (s *SqliteStore) OriginalsByVideo(ctx context.Context, videoID string) ([]moments.Moment, error) {
	return s.queryMoments(ctx,
		`SELECT id, video_id, config_id, start_time, end_time, title, is_refined, parent_id, clip_path, cloud_path
		 FROM moments WHERE video_id = ? AND is_refined = 0 ORDER BY start_time, id`, videoID)
}

func (s *SqliteStore) queryMoments(ctx context.Context, query string, args ...any) ([]moments.Moment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []moments.Moment
	for rows.Next() {
		var m moments.Moment
		var refined int
		var parent sql.NullString
		if err := rows.Scan(
			&m.ID, &m.VideoID, &m.ConfigID, &m.StartTime, &m.EndTime,
			&m.Title, &refined, &parent, &m.ClipPath, &m.CloudPath,
		); err != nil {
			return nil, err
		}
		m.IsRefined = refined != 0
		if parent.Valid {
			m.ParentID = parent.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertRefined writes the refined child of m.ParentID. An existing
// child is updated in place, id included, so repeat refinements
// overwrite instead of accumulating.
func (s *SqliteStore) UpsertRefined(ctx context.Context, m moments.Moment) error {
	if !m.IsRefined || m.ParentID == "" {
		return errors.New("refined moment requires is_refined and parent id")
	}
	if m.ID == "" || m.VideoID == "" {
		return errors.New("refined moment missing id or video id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM moments WHERE parent_id = ? AND is_refined = 1`, m.ParentID,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO moments (id, video_id, config_id, start_time, end_time, title, is_refined, parent_id, clip_path, cloud_path, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 1, ?, '', '', ?)`,
			m.ID, m.VideoID, m.ConfigID, m.StartTime, m.EndTime, m.Title,
			m.ParentID, time.Now().UTC().Format(time.RFC3339),
		)
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE moments SET id = ?, video_id = ?, config_id = ?, start_time = ?, end_time = ?, title = ?, created_at = ? WHERE id = ?`,
			m.ID, m.VideoID, m.ConfigID, m.StartTime, m.EndTime, m.Title,
			time.Now().UTC().Format(time.RFC3339), existingID,
		)
	}
	if err != nil {
		return fmt.Errorf("upsert refined moment for parent %s: %w", m.ParentID, err)
	}
	return tx.Commit()
}

// SetClipPath records the local clip file extracted for a moment.
func (s *SqliteStore) SetClipPath(ctx context.Context, momentID, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE moments SET clip_path = ? WHERE id = ?`, path, momentID)
	return err
}

// SetCloudPath records the object-store location of a moment's clip.
func (s *SqliteStore) SetCloudPath(ctx context.Context, momentID, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE moments SET cloud_path = ? WHERE id = ?`, path, momentID)
	return err
}

// ClearClipPaths blanks clip and cloud paths for the whole video.
func (s *SqliteStore) ClearClipPaths(ctx context.Context, videoID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE moments SET clip_path = '', cloud_path = '' WHERE video_id = ?`, videoID)
	return err
}

func (s *SqliteStore) DeleteMoments(ctx context.Context, videoID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM moments WHERE video_id = ?`, videoID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
