package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"noticed/internal/notice"
	logx "noticed/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which also makes the
	// check-then-insert statements below atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- categories ----

const categoryCols = `id, label, display, past_tense, description, default_sensitivity, state`

func scanCategory(row interface{ Scan(...any) error }) (notice.Category, error) {
	var (
		c     notice.Category
		state int64
	)
	err := row.Scan(&c.ID, &c.Label, &c.Display, &c.PastTense, &c.Description, &c.Default, &state)
	c.State = notice.State(state)
	return c, err
}

func (s *sqliteStore) CategoryByLabel(ctx context.Context, label string) (notice.Category, error) {
	c, err := scanCategory(s.db.QueryRowContext(ctx, `SELECT `+categoryCols+` FROM notice_types WHERE label = ?`, label))
	if errors.Is(err, sql.ErrNoRows) {
		return notice.Category{}, notice.ErrCategoryNotFound
	}
	return c, err
}

func (s *sqliteStore) ListCategories(ctx context.Context) ([]notice.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+categoryCols+` FROM notice_types ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notice.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertCategory(ctx context.Context, c notice.Category) (notice.Category, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notice_types(label, display, past_tense, description, default_sensitivity, state) VALUES(?,?,?,?,?,?)`,
		c.Label, c.Display, c.PastTense, c.Description, c.Default, int64(c.State),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return notice.Category{}, errDuplicateLabel(c.Label)
		}
		return notice.Category{}, err
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

func (s *sqliteStore) UpdateCategory(ctx context.Context, c notice.Category) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notice_types SET label=?, display=?, past_tense=?, description=?, default_sensitivity=?, state=? WHERE id=?`,
		c.Label, c.Display, c.PastTense, c.Description, c.Default, int64(c.State), c.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notice.ErrCategoryNotFound
	}
	return nil
}

// ---- preferences ----

func (s *sqliteStore) GetPreference(ctx context.Context, userID, categoryID int64, channel string, scope notice.Scope) (notice.Preference, bool, error) {
	var send bool
	err := s.db.QueryRowContext(ctx,
		`SELECT send FROM notice_settings
		 WHERE user_id=? AND notice_type_id=? AND medium=? AND scope_kind=? AND scope_id=?`,
		userID, categoryID, channel, scope.Kind, scope.ID,
	).Scan(&send)
	if errors.Is(err, sql.ErrNoRows) {
		return notice.Preference{}, false, nil
	}
	if err != nil {
		return notice.Preference{}, false, err
	}
	return notice.Preference{UserID: userID, CategoryID: categoryID, Channel: channel, Scope: scope, Send: send}, true, nil
}

func (s *sqliteStore) PutPreference(ctx context.Context, p notice.Preference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notice_settings(user_id, notice_type_id, medium, scope_kind, scope_id, send) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, notice_type_id, medium, scope_kind, scope_id) DO UPDATE SET send=excluded.send`,
		p.UserID, p.CategoryID, p.Channel, p.Scope.Kind, p.Scope.ID, p.Send,
	)
	return err
}

func (s *sqliteStore) PreferencesForUser(ctx context.Context, userID int64) ([]notice.Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notice_type_id, medium, scope_kind, scope_id, send FROM notice_settings
		 WHERE user_id=? ORDER BY notice_type_id, medium, scope_kind, scope_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notice.Preference
	for rows.Next() {
		p := notice.Preference{UserID: userID}
		if err := rows.Scan(&p.CategoryID, &p.Channel, &p.Scope.Kind, &p.Scope.ID, &p.Send); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- notices ----

const noticeCols = `id, recipient_id, sender_id, notice_type_id, message, added_at, unseen, archived, on_site, target_url, site_id`

func scanNotice(row interface{ Scan(...any) error }) (notice.Notice, error) {
	var (
		n       notice.Notice
		sender  sql.NullInt64
		target  sql.NullString
		addedNS int64
	)
	if err := row.Scan(&n.ID, &n.RecipientID, &sender, &n.CategoryID, &n.Message, &addedNS,
		&n.Unseen, &n.Archived, &n.OnSite, &target, &n.SiteID); err != nil {
		return notice.Notice{}, err
	}
	if sender.Valid {
		v := sender.Int64
		n.SenderID = &v
	}
	if target.Valid {
		v := target.String
		n.TargetURL = &v
	}
	n.AddedAt = time.Unix(0, addedNS)
	return n, nil
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *sqliteStore) CreateNoticeUnlessRecent(ctx context.Context, n notice.Notice, window time.Duration, now time.Time) (notice.Notice, bool, error) {
	if n.AddedAt.IsZero() {
		n.AddedAt = now
	}
	cutoff := int64(math.MinInt64)
	if window > 0 {
		cutoff = now.Add(-window).UnixNano()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notices(recipient_id, sender_id, notice_type_id, message, added_at, unseen, archived, on_site, target_url, site_id)
		 SELECT ?,?,?,?,?,?,?,?,?,?
		 WHERE NOT EXISTS (
			SELECT 1 FROM notices
			WHERE recipient_id=? AND notice_type_id=? AND site_id=? AND on_site=1
			  AND sender_id IS ? AND target_url IS ? AND added_at > ?
		 )`,
		n.RecipientID, nullInt(n.SenderID), n.CategoryID, n.Message, n.AddedAt.UnixNano(),
		n.Unseen, n.Archived, n.OnSite, nullString(n.TargetURL), n.SiteID,
		n.RecipientID, n.CategoryID, n.SiteID, nullInt(n.SenderID), nullString(n.TargetURL), cutoff,
	)
	if err != nil {
		return notice.Notice{}, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notice.Notice{}, false, nil
	}
	n.ID, err = res.LastInsertId()
	if err != nil {
		return notice.Notice{}, false, err
	}
	return n, true, nil
}

func (s *sqliteStore) LatestNotice(ctx context.Context, key notice.Key) (notice.Notice, bool, error) {
	var sender, target any
	if key.SenderID != 0 {
		sender = key.SenderID
	}
	if key.TargetURL != "" {
		target = key.TargetURL
	}
	n, err := scanNotice(s.db.QueryRowContext(ctx,
		`SELECT `+noticeCols+` FROM notices
		 WHERE recipient_id=? AND notice_type_id=? AND site_id=? AND on_site=1 AND sender_id IS ? AND target_url IS ?
		 ORDER BY added_at DESC, id DESC LIMIT 1`,
		key.RecipientID, key.CategoryID, key.SiteID, sender, target,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return notice.Notice{}, false, nil
	}
	if err != nil {
		return notice.Notice{}, false, err
	}
	return n, true, nil
}

func (s *sqliteStore) GetNotice(ctx context.Context, id int64) (notice.Notice, error) {
	n, err := scanNotice(s.db.QueryRowContext(ctx, `SELECT `+noticeCols+` FROM notices WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notice.Notice{}, notice.ErrNoticeNotFound
	}
	return n, err
}

func noticeWhere(q NoticeQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.RecipientID != nil {
		conds = append(conds, "recipient_id = ?")
		args = append(args, *q.RecipientID)
	}
	if q.SenderID != nil {
		conds = append(conds, "sender_id = ?")
		args = append(args, *q.SenderID)
	}
	if q.SiteID != 0 {
		conds = append(conds, "site_id = ?")
		args = append(args, q.SiteID)
	}
	if q.Archived != nil {
		conds = append(conds, "archived = ?")
		args = append(args, *q.Archived)
	}
	if q.Unseen != nil {
		conds = append(conds, "unseen = ?")
		args = append(args, *q.Unseen)
	}
	if q.OnSite != nil {
		conds = append(conds, "on_site = ?")
		args = append(args, *q.OnSite)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) ListNotices(ctx context.Context, q NoticeQuery) ([]notice.Notice, error) {
	where, args := noticeWhere(q)
	query := `SELECT ` + noticeCols + ` FROM notices` + where + ` ORDER BY added_at DESC, id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notice.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountNotices(ctx context.Context, q NoticeQuery) (int, error) {
	where, args := noticeWhere(q)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notices`+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) ArchiveNotice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notices SET archived=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notice.ErrNoticeNotFound
	}
	return nil
}

func (s *sqliteStore) MarkNoticeSeen(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notices SET unseen=0 WHERE id=? AND unseen=1`, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.GetNotice(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) PutLastSeen(ctx context.Context, ls notice.LastSeen) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notice_last_seen(recipient_id, notice_id, seen_at) VALUES(?,?,?)
		 ON CONFLICT(recipient_id) DO UPDATE SET notice_id=excluded.notice_id, seen_at=excluded.seen_at`,
		ls.RecipientID, ls.NoticeID, ls.SeenAt.UnixNano(),
	)
	return err
}

func (s *sqliteStore) GetLastSeen(ctx context.Context, recipientID int64) (notice.LastSeen, bool, error) {
	ls := notice.LastSeen{RecipientID: recipientID}
	var seenNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT notice_id, seen_at FROM notice_last_seen WHERE recipient_id=?`, recipientID,
	).Scan(&ls.NoticeID, &seenNS)
	if errors.Is(err, sql.ErrNoRows) {
		return notice.LastSeen{}, false, nil
	}
	if err != nil {
		return notice.LastSeen{}, false, err
	}
	ls.SeenAt = time.Unix(0, seenNS)
	return ls, true, nil
}

// ---- queue batches ----

func (s *sqliteStore) AppendBatch(ctx context.Context, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notice_queue_batches(payload, created_at) VALUES(?,?)`, payload, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ClaimBatch(ctx context.Context) (Batch, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		b         Batch
		createdNS int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload, created_at FROM notice_queue_batches ORDER BY id LIMIT 1`,
	).Scan(&b.ID, &b.Payload, &createdNS)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, false, nil
	}
	if err != nil {
		return Batch{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notice_queue_batches WHERE id=?`, b.ID); err != nil {
		return Batch{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Batch{}, false, err
	}
	b.CreatedAt = time.Unix(0, createdNS)
	return b, true, nil
}

func (s *sqliteStore) CountBatches(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notice_queue_batches`).Scan(&n)
	return n, err
}

// ---- users ----

const userCols = `id, username, full_name, email, is_active, is_staff, url, chat_id`

func scanUser(row interface{ Scan(...any) error }) (notice.User, error) {
	var u notice.User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.IsActive, &u.IsStaff, &u.URL, &u.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return notice.User{}, notice.ErrUserNotFound
	}
	return u, err
}

func (s *sqliteStore) PutUser(ctx context.Context, u notice.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+userCols+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, full_name=excluded.full_name,
		   email=excluded.email, is_active=excluded.is_active, is_staff=excluded.is_staff,
		   url=excluded.url, chat_id=excluded.chat_id`,
		u.ID, u.Username, u.FullName, u.Email, u.IsActive, u.IsStaff, u.URL, u.ChatID,
	)
	return err
}

func (s *sqliteStore) User(ctx context.Context, id int64) (notice.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (s *sqliteStore) UserByEmail(ctx context.Context, email string) (notice.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE lower(email)=lower(?) ORDER BY id LIMIT 1`, strings.TrimSpace(email)))
}

func (s *sqliteStore) SetLanguage(ctx context.Context, userID int64, lang string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET language=? WHERE id=?`, lang, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notice.ErrUserNotFound
	}
	return nil
}

func (s *sqliteStore) Language(ctx context.Context, userID int64) (string, bool, error) {
	var lang sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT language FROM users WHERE id=?`, userID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return lang.String, lang.Valid && lang.String != "", nil
}
