// Package journal 把活动事件持久化到本地 SQLite，内存日志只保留最近的部分，
// 导出与事后取证读这里。
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbSentry/internal/model"

	_ "modernc.org/sqlite"
)

// pruneEvery 每写入多少条检查一次行数上限
const pruneEvery = 500

const schema = `
CREATE TABLE IF NOT EXISTS activity (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL,
	severity    INTEGER NOT NULL,
	description TEXT NOT NULL,
	details     TEXT NOT NULL,
	computer    TEXT,
	user_name   TEXT,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_type_idx ON activity(type);
`

// Store 单写者使用 (delivery 的 journal goroutine)，读可以并发
type Store struct {
	path    string
	db      *sql.DB
	maxRows int
	writes  atomic.Int64
}

// Open 打开或创建数据库；maxRows <= 0 表示不裁剪
func Open(path string, maxRows int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Store{path: path, db: db, maxRows: maxRows}, nil
}

func (s *Store) Path() string { return s.path }

// Append 重复 id 忽略
func (s *Store) Append(ev model.ActivityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO activity(id, type, severity, description, details, computer, user_name, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), int(ev.Severity), ev.Description, string(details),
		ev.Computer, ev.User, ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	if s.maxRows > 0 && s.writes.Add(1)%pruneEvery == 0 {
		if _, err := s.Prune(s.maxRows); err != nil {
			return err
		}
	}
	return nil
}

// Recent 最新的在前
func (s *Store) Recent(limit int) ([]model.ActivityEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id, type, severity, description, details, computer, user_name, occurred_at
		 FROM activity ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityEvent
	for rows.Next() {
		var (
			ev                     model.ActivityEvent
			typ, details, occurred string
			severity               int
			computer, user         sql.NullString
		)
		if err := rows.Scan(&ev.ID, &typ, &severity, &ev.Description, &details, &computer, &user, &occurred); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		ev.Type = model.EventType(typ)
		ev.Severity = model.Severity(severity)
		ev.Computer, ev.User = computer.String, user.String
		if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
			return nil, fmt.Errorf("decode details of %s: %w", ev.ID, err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", ev.ID, err)
		}
		ev.Timestamp = ev.Timestamp.Local()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM activity").Scan(&n); err != nil {
		return 0, fmt.Errorf("count activity: %w", err)
	}
	return n, nil
}

// Prune 只保留最新的 keep 条，返回删除的行数
func (s *Store) Prune(keep int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM activity WHERE seq <= (SELECT seq FROM activity ORDER BY seq DESC LIMIT 1 OFFSET ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
