// Package db stores logged trajectory records in SQLite for later training
// and exposes the database on the debug mux.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/trajlog"
)

type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(q, "&")
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and migrates it to the latest embedded schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migFS, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migFS); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// WriteRecords inserts a batch of records in one transaction.
func (db *DB) WriteRecords(ctx context.Context, recs []trajlog.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trajectory_records (
			episode_id, tick, recorded_at, observation, subgoal,
			pose_x, pose_y, pose_theta, distance, status,
			is_first, is_last, is_terminal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.EpisodeID, int64(r.Tick), r.Timestamp.UnixNano(), r.Observation, r.Subgoal,
			r.Pose.X, r.Pose.Y, r.Pose.Theta, r.Distance, string(r.Status),
			r.IsFirst, r.IsLast, r.IsTerminal,
		); err != nil {
			return fmt.Errorf("failed to insert record %s/%d: %w", r.EpisodeID, r.Tick, err)
		}
	}
	return tx.Commit()
}

// EpisodeRecords returns the records of one episode in tick order.
func (db *DB) EpisodeRecords(ctx context.Context, episodeID string) ([]trajlog.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT episode_id, tick, recorded_at, observation, subgoal,
			pose_x, pose_y, pose_theta, distance, status, is_first, is_last, is_terminal
		FROM trajectory_records WHERE episode_id = ? ORDER BY tick`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trajlog.Record
	for rows.Next() {
		var (
			r          trajlog.Record
			tick       int64
			recordedAt int64
			status     string
		)
		if err := rows.Scan(&r.EpisodeID, &tick, &recordedAt, &r.Observation, &r.Subgoal,
			&r.Pose.X, &r.Pose.Y, &r.Pose.Theta, &r.Distance, &status,
			&r.IsFirst, &r.IsLast, &r.IsTerminal); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		r.Timestamp = time.Unix(0, recordedAt)
		r.Status = episode.State(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EpisodeSummary aggregates the records of one episode.
type EpisodeSummary struct {
	EpisodeID   string        `json:"episode_id"`
	Ticks       int           `json:"ticks"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	FinalStatus episode.State `json:"final_status"`
	MinDistance float64       `json:"min_distance"`
}

// EpisodeSummaries returns up to limit episodes, most recent first.
func (db *DB) EpisodeSummaries(ctx context.Context, limit int) ([]EpisodeSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT episode_id, ticks, started_at, ended_at, final_status, min_distance
		FROM episode_summaries ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpisodeSummary
	for rows.Next() {
		var (
			s              EpisodeSummary
			started, ended int64
			status         string
		)
		if err := rows.Scan(&s.EpisodeID, &s.Ticks, &started, &ended, &status, &s.MinDistance); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started)
		s.EndedAt = time.Unix(0, ended)
		s.FinalStatus = episode.State(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a backup download on the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Trajectory DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the trajectory database", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "navpolicy-backup")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(dir)

		name := fmt.Sprintf("trajectories-%d.db", time.Now().Unix())
		backupPath := filepath.Join(dir, name)
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		f, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, f); err != nil {
			monitoring.Logf("[DB] backup copy failed: %v", err)
		}
	}))
	return nil
}
