package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crosspost/internal/publish"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/quota"
	"crosspost/pkg/logx"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// sqlStore serves both SQLite and PostgreSQL. Queries are written with '?' and
// passed through Rebind, so the driver name picks the placeholder style.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for sqlite")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", dsn))
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := newSQLStore(db, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return st, nil
}

func newSQLStore(db *sqlx.DB, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- rows ----

type postRow struct {
	ID          string        `db:"id"`
	UserID      string        `db:"user_id"`
	Content     string        `db:"content"`
	Platforms   string        `db:"platforms"`
	Status      string        `db:"status"`
	Fingerprint string        `db:"fingerprint"`
	CreatedAt   int64         `db:"created_at"`
	ScheduledAt sql.NullInt64 `db:"scheduled_at"`
}

func toPostRow(p publish.Post) postRow {
	r := postRow{
		ID:          p.ID,
		UserID:      p.UserID,
		Content:     p.Content,
		Platforms:   strings.Join(p.Platforms, ","),
		Status:      string(p.Status),
		Fingerprint: p.Fingerprint,
		CreatedAt:   p.CreatedAt.UnixMilli(),
	}
	if p.ScheduledAt != nil {
		r.ScheduledAt = sql.NullInt64{Int64: p.ScheduledAt.UnixMilli(), Valid: true}
	}
	return r
}

func (r postRow) post() publish.Post {
	p := publish.Post{
		ID:          r.ID,
		UserID:      r.UserID,
		Content:     r.Content,
		Platforms:   splitList(r.Platforms),
		Status:      publish.PostStatus(r.Status),
		Fingerprint: r.Fingerprint,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
	}
	if r.ScheduledAt.Valid {
		t := time.UnixMilli(r.ScheduledAt.Int64)
		p.ScheduledAt = &t
	}
	return p
}

type channelRow struct {
	ID          string        `db:"id"`
	UserID      string        `db:"user_id"`
	Platform    string        `db:"platform"`
	AccountName string        `db:"account_name"`
	AccountRef  string        `db:"account_ref"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	Active      int           `db:"active"`
}

func (r channelRow) channel() publish.Channel {
	ch := publish.Channel{
		ID:          r.ID,
		UserID:      r.UserID,
		Platform:    r.Platform,
		AccountName: r.AccountName,
		AccountRef:  r.AccountRef,
		Active:      r.Active != 0,
	}
	if r.ExpiresAt.Valid {
		t := time.UnixMilli(r.ExpiresAt.Int64)
		ch.ExpiresAt = &t
	}
	return ch
}

type resultRow struct {
	ID          string `db:"id"`
	PostID      string `db:"post_id"`
	DispatchID  string `db:"dispatch_id"`
	ChannelID   string `db:"channel_id"`
	Platform    string `db:"platform"`
	Success     int    `db:"success"`
	Outcome     string `db:"outcome"`
	Category    string `db:"category"`
	Reason      string `db:"reason"`
	Error       string `db:"error"`
	Attempts    int    `db:"attempts"`
	RetriesUsed int    `db:"retries_used"`
	ProviderID  string `db:"provider_id"`
	FinishedAt  int64  `db:"finished_at"`
}

func (r resultRow) result() publish.PostResult {
	return publish.PostResult{
		ID:          r.ID,
		PostID:      r.PostID,
		DispatchID:  r.DispatchID,
		ChannelID:   r.ChannelID,
		Platform:    r.Platform,
		Success:     r.Success != 0,
		Outcome:     publish.Outcome(r.Outcome),
		Category:    publish.Category(r.Category),
		Reason:      r.Reason,
		Error:       r.Error,
		Attempts:    r.Attempts,
		RetriesUsed: r.RetriesUsed,
		ProviderID:  r.ProviderID,
		FinishedAt:  time.UnixMilli(r.FinishedAt),
	}
}

const postColumns = `id, user_id, content, platforms, status, fingerprint, created_at, scheduled_at`
const channelColumns = `id, user_id, platform, account_name, account_ref, expires_at, active`
const resultColumns = `id, post_id, dispatch_id, channel_id, platform, success, outcome, category, reason, error, attempts, retries_used, provider_id, finished_at`

// ---- posts ----

func (s *sqlStore) CreatePost(ctx context.Context, p *publish.Post) error {
	prepareNewPost(p)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO posts (`+postColumns+`)
		 VALUES (:id, :user_id, :content, :platforms, :status, :fingerprint, :created_at, :scheduled_at)`,
		toPostRow(*p))
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (s *sqlStore) GetPost(ctx context.Context, id string) (publish.Post, error) {
	var r postRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return publish.Post{}, fmt.Errorf("post %s: %w", id, publish.ErrNotFound)
	}
	if err != nil {
		return publish.Post{}, fmt.Errorf("get post: %w", err)
	}
	return r.post(), nil
}

func (s *sqlStore) UpdatePostStatus(ctx context.Context, id string, status publish.PostStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE posts SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("update post status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", id, publish.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) CompareAndSetStatus(ctx context.Context, id string, from, to publish.PostStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE posts SET status = ? WHERE id = ? AND status = ?`), string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("cas post status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]publish.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+postColumns+` FROM posts
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC LIMIT ?`),
		string(publish.PostQueued), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due posts: %w", err)
	}
	out := make([]publish.Post, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.post())
	}
	return out, nil
}

// ---- channels ----

func (s *sqlStore) UpsertChannel(ctx context.Context, ch publish.Channel) error {
	if ch.ID == "" {
		return errors.New("channel id is required")
	}
	r := channelRow{
		ID:          ch.ID,
		UserID:      ch.UserID,
		Platform:    publish.NormalizePlatform(ch.Platform),
		AccountName: ch.AccountName,
		AccountRef:  ch.AccountRef,
		Active:      boolToInt(ch.Active),
	}
	if ch.ExpiresAt != nil {
		r.ExpiresAt = sql.NullInt64{Int64: ch.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO channels (`+channelColumns+`)
		 VALUES (:id, :user_id, :platform, :account_name, :account_ref, :expires_at, :active)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = excluded.user_id,
		   platform = excluded.platform,
		   account_name = excluded.account_name,
		   account_ref = excluded.account_ref,
		   expires_at = excluded.expires_at,
		   active = excluded.active`, r)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

func (s *sqlStore) selectChannels(ctx context.Context, query string, args ...any) ([]publish.Channel, error) {
	var rows []channelRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	out := make([]publish.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.channel())
	}
	return out, nil
}

func (s *sqlStore) ChannelsByID(ctx context.Context, userID string, ids []string) ([]publish.Channel, error) {
	if len(ids) == 0 {
		return []publish.Channel{}, nil
	}
	q, args, err := sqlx.In(`SELECT `+channelColumns+` FROM channels WHERE user_id = ? AND id IN (?) ORDER BY platform, id`, userID, ids)
	if err != nil {
		return nil, err
	}
	return s.selectChannels(ctx, q, args...)
}

func (s *sqlStore) ChannelsForPlatforms(ctx context.Context, userID string, platforms []string) ([]publish.Channel, error) {
	platforms = publish.NormalizePlatforms(platforms)
	if len(platforms) == 0 {
		return []publish.Channel{}, nil
	}
	q, args, err := sqlx.In(`SELECT `+channelColumns+` FROM channels WHERE user_id = ? AND platform IN (?) ORDER BY platform, id`, userID, platforms)
	if err != nil {
		return nil, err
	}
	return s.selectChannels(ctx, q, args...)
}

func (s *sqlStore) ChannelsForUser(ctx context.Context, userID string) ([]publish.Channel, error) {
	return s.selectChannels(ctx, `SELECT `+channelColumns+` FROM channels WHERE user_id = ? ORDER BY platform, id`, userID)
}

// ---- results ----

func (s *sqlStore) SaveResults(ctx context.Context, rows []publish.PostResult) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.FinishedAt.IsZero() {
			r.FinishedAt = time.Now()
		}
		row := resultRow{
			ID:          r.ID,
			PostID:      r.PostID,
			DispatchID:  r.DispatchID,
			ChannelID:   r.ChannelID,
			Platform:    r.Platform,
			Success:     boolToInt(r.Success),
			Outcome:     string(r.Outcome),
			Category:    string(r.Category),
			Reason:      r.Reason,
			Error:       r.Error,
			Attempts:    r.Attempts,
			RetriesUsed: r.RetriesUsed,
			ProviderID:  r.ProviderID,
			FinishedAt:  r.FinishedAt.UnixMilli(),
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO post_results (`+resultColumns+`)
			 VALUES (:id, :post_id, :dispatch_id, :channel_id, :platform, :success, :outcome, :category, :reason, :error, :attempts, :retries_used, :provider_id, :finished_at)`,
			row); err != nil {
			return fmt.Errorf("save result %s: %w", r.ChannelID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Results(ctx context.Context, postID string) ([]publish.PostResult, error) {
	var rows []resultRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+resultColumns+` FROM post_results WHERE post_id = ? ORDER BY finished_at, channel_id`), postID)
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	out := make([]publish.PostResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.result())
	}
	return out, nil
}

func (s *sqlStore) SuccessfulChannels(ctx context.Context, postID string) ([]string, error) {
	out := []string{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT DISTINCT channel_id FROM post_results WHERE post_id = ? AND success = 1 ORDER BY channel_id`), postID)
	if err != nil {
		return nil, fmt.Errorf("successful channels: %w", err)
	}
	return out, nil
}

// ---- duplicate.History ----

type matchRow struct {
	ID             string `db:"id"`
	Platforms      string `db:"platforms"`
	Status         string `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	PublishedCount int    `db:"published_count"`
}

func (s *sqlStore) RecentByFingerprint(ctx context.Context, userID, fingerprint string, since time.Time, excludePostID string, limit int) ([]duplicate.Match, error) {
	if limit <= 0 {
		limit = duplicate.DefaultMaxMatches
	}
	var rows []matchRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT p.id, p.platforms, p.status, p.created_at,
		        (SELECT COUNT(*) FROM post_results r WHERE r.post_id = p.id AND r.success = 1) AS published_count
		 FROM posts p
		 WHERE p.user_id = ? AND p.fingerprint = ? AND p.created_at >= ? AND p.id <> ?
		 ORDER BY p.created_at DESC
		 LIMIT ?`),
		userID, fingerprint, since.UnixMilli(), excludePostID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent by fingerprint: %w", err)
	}
	out := make([]duplicate.Match, 0, len(rows))
	for _, r := range rows {
		out = append(out, duplicate.Match{
			PostID:         r.ID,
			Platforms:      splitList(r.Platforms),
			Status:         publish.PostStatus(r.Status),
			CreatedAt:      time.UnixMilli(r.CreatedAt),
			PublishedCount: r.PublishedCount,
		})
	}
	return out, nil
}

// ---- quota.Counter ----

func (s *sqlStore) Used(ctx context.Context, platform string, w quota.Window) (int64, error) {
	var used int64
	err := s.db.GetContext(ctx, &used, s.db.Rebind(
		`SELECT COALESCE(SUM(units), 0) FROM quota_usage WHERE platform = ? AND at >= ? AND at < ?`),
		platform, w.Start.UnixMilli(), w.End.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("quota used: %w", err)
	}
	return used, nil
}

func (s *sqlStore) Add(ctx context.Context, platform string, _ quota.Window, units int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO quota_usage (id, platform, units, at) VALUES (?, ?, ?, ?)`),
		uuid.NewString(), platform, units, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("quota add: %w", err)
	}
	return nil
}

// ---- audit ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit (id, at, actor, action, target, ok, fail, err, took_ms, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), e.At.UnixMilli(), e.Actor, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
