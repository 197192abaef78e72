package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	logx "mediabot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// migrate applies the embedded goose migrations. The provider API keeps
// goose state per store, so parallel opens do not share globals.
func (s *sqliteStore) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.log.Info("migration applied", logx.Int64("version", r.Source.Version), logx.Duration("dur", r.Duration))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// ---- users ----

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	var premium, last, createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, used_today, total_downloads, quota_day, bonus_day, premium_until, last_activity, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.UsedToday, &u.TotalDownloads, &u.QuotaDay, &u.BonusDay, &premium, &last, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	u.PremiumUntil = fromMS(premium)
	u.LastActivity = fromMS(last)
	u.CreatedAt = fromMS(createdAt)
	return u, nil
}

func (s *sqliteStore) TouchActivity(ctx context.Context, id int64, username string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, last_activity, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_activity = excluded.last_activity,
		   username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE users.username END`,
		id, username, ms(at), ms(at),
	)
	return err
}

func (s *sqliteStore) ResetDailyLimitIfNeeded(ctx context.Context, id int64, day string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET used_today = 0, quota_day = ? WHERE id = ? AND quota_day <> ?`,
		day, id, day,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RecordDownload(ctx context.Context, id int64, day string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			used_today = CASE WHEN quota_day = ? THEN used_today + 1 ELSE 1 END,
			quota_day = ?,
			total_downloads = total_downloads + 1
		WHERE id = ?`, day, day, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ClaimBonus(ctx context.Context, id int64, day string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET bonus_day = ? WHERE id = ? AND bonus_day <> ?`, day, id, day,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetPremium(ctx context.Context, id int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET premium_until = ? WHERE id = ?`, ms(until), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ResetAllDaily(ctx context.Context, day string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET used_today = 0, quota_day = ? WHERE quota_day <> ?`, day, day,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- cache ----

func (s *sqliteStore) CacheLookup(ctx context.Context, locator string) (CacheEntry, bool, error) {
	var (
		e  CacheEntry
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT locator, handle, kind, title, created_at FROM media_cache WHERE locator = ?`, locator,
	).Scan(&e.Locator, &e.Handle, &e.Kind, &e.Title, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	e.CreatedAt = fromMS(at)
	return e, true, nil
}

func (s *sqliteStore) CacheStore(ctx context.Context, e CacheEntry) error {
	if strings.TrimSpace(e.Locator) == "" || strings.TrimSpace(e.Handle) == "" {
		return errors.New("cache entry needs locator and handle")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_cache(locator, handle, kind, title, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(locator) DO UPDATE SET handle=excluded.handle, kind=excluded.kind, title=excluded.title, created_at=excluded.created_at`,
		e.Locator, e.Handle, e.Kind, e.Title, ms(e.CreatedAt),
	)
	return err
}

// ---- request log ----

func (s *sqliteStore) LogRequest(ctx context.Context, userID int64, locator string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(user_id, locator, at) VALUES(?,?,?)`, userID, locator, ms(at),
	)
	return err
}

func (s *sqliteStore) RecentCandidates(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	since := time.Now().Add(-CandidateWindow)
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.locator, COUNT(*) AS n, MAX(r.at) AS last
		 FROM requests r
		 LEFT JOIN media_cache c ON c.locator = r.locator
		 WHERE c.locator IS NULL AND r.at >= ?
		 GROUP BY r.locator
		 ORDER BY n DESC, last DESC
		 LIMIT ?`, ms(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c    Candidate
			last int64
		)
		if err := rows.Scan(&c.Locator, &c.Requests, &last); err != nil {
			return nil, err
		}
		c.LastSeen = fromMS(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- activity ----

func (s *sqliteStore) AppendActivity(ctx context.Context, at time.Time, message string) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO activity(at, message) VALUES(?,?)`, ms(at), message)
	return err
}

func (s *sqliteStore) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, message FROM activity ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			e  ActivityEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Message); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
