package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Bot struct {
	ID            int64
	OwnerID       int64
	PlanID        int64
	Name          string
	Runtime       string
	StartCmd      string
	State         string
	SourceType    string
	SandboxHandle sql.NullString
	CreatedAt     time.Time
}

type Plan struct {
	ID          int64
	Name        string
	MaxBots     int
	CPUShare    string
	MemoryLimit string
}

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Suspended    bool
	CreatedAt    time.Time
}

type AuditLog struct {
	ID        int64
	ActorID   int64
	Action    string
	TargetID  int64
	SourceIP  string
	Detail    string
	CreatedAt time.Time
}

func scanBot(row interface {
	Scan(dest ...any) error
}) (Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.OwnerID, &b.PlanID, &b.Name, &b.Runtime, &b.StartCmd, &b.State, &b.SourceType, &b.SandboxHandle, &b.CreatedAt)
	return b, err
}

const botColumns = `id, owner_id, plan_id, name, runtime, start_cmd, state, source_type, sandbox_handle, created_at`

// GetBot returns a bot by ID without locking; used for read-only views.
func (s *Store) GetBot(ctx context.Context, id int64) (Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

// ListBotsByOwner returns every bot owned by ownerID, newest first.
func (s *Store) ListBotsByOwner(ctx context.Context, ownerID int64) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountLiveBots returns the number of bots owned by ownerID, for quota
// enforcement against plan.max_bots.
func (s *Store) CountLiveBots(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM bots WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

// BotNameTaken reports whether ownerID already owns a bot named name.
func (s *Store) BotNameTaken(ctx context.Context, ownerID int64, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM bots WHERE owner_id = $1 AND name = $2`, ownerID, name).Scan(&n)
	return n > 0, err
}

// GetPlan returns a plan by ID.
func (s *Store) GetPlan(ctx context.Context, id int64) (Plan, error) {
	var p Plan
	err := s.db.QueryRowContext(ctx, `SELECT id, name, max_bots, cpu_share, memory_limit FROM plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.MaxBots, &p.CPUShare, &p.MemoryLimit)
	return p, err
}

// InsertBot creates a new bot row in state CREATED and returns it.
func (s *Store) InsertBot(ctx context.Context, ownerID, planID int64, name, runtime, startCmd string) (Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bots (owner_id, plan_id, name, runtime, start_cmd, state, source_type)
		VALUES ($1, $2, $3, $4, $5, 'CREATED', '')
		RETURNING `+botColumns,
		ownerID, planID, name, runtime, startCmd)
	return scanBot(row)
}

// ErrBotNotFound is returned by WithBotLock when no row matches id.
var ErrBotNotFound = errors.New("bot not found")

// BotTx groups the mutations that can be made to a bot row inside the
// transaction WithBotLock manages. It exists as an interface (rather than
// exposing *sql.Tx directly) so callers outside this package, notably
// core/lifecycle's tests, can substitute an in-memory implementation
// without a live database connection.
type BotTx interface {
	SetState(ctx context.Context, state string, handle sql.NullString) error
	SetSourceType(ctx context.Context, sourceType string) error
	Delete(ctx context.Context) error
}

type sqlBotTx struct {
	tx    *sql.Tx
	botID int64
}

func (t sqlBotTx) SetState(ctx context.Context, state string, handle sql.NullString) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE bots SET state = $1, sandbox_handle = $2 WHERE id = $3`, state, handle, t.botID)
	return err
}

func (t sqlBotTx) SetSourceType(ctx context.Context, sourceType string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE bots SET source_type = $1 WHERE id = $2`, sourceType, t.botID)
	return err
}

func (t sqlBotTx) Delete(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM bots WHERE id = $1`, t.botID)
	return err
}

// WithBotLock runs fn inside a transaction holding an exclusive row lock
// on bots.id = botID (SELECT ... FOR UPDATE), the Go mapping of the
// Lifecycle Manager's "exclusive transactional claim" on a bot. The
// transaction commits if fn returns nil, rolls back otherwise.
func (s *Store) WithBotLock(ctx context.Context, botID int64, fn func(tx BotTx, bot Bot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1 FOR UPDATE`, botID)
	bot, err := scanBot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrBotNotFound
		}
		return err
	}

	if err := fn(sqlBotTx{tx: tx, botID: botID}, bot); err != nil {
		return err
	}
	return tx.Commit()
}

// SetBotStateDirect updates a bot's state outside any caller-held
// transaction, used by reconciliation on read paths (Get/List) where
// the Lifecycle Manager is the sole writer but no mutation was requested.
func (s *Store) SetBotStateDirect(ctx context.Context, botID int64, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET state = $1 WHERE id = $2`, state, botID)
	return err
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, suspended, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Suspended, &u.CreatedAt)
	return u, err
}

// GetUserByEmail returns a user by email, used by the login handler.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, suspended, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Suspended, &u.CreatedAt)
	return u, err
}

// IsUserSuspended reports whether userID is currently suspended, for the
// auth middleware's per-request enforcement.
func (s *Store) IsUserSuspended(ctx context.Context, userID int64) (bool, error) {
	var suspended bool
	err := s.db.QueryRowContext(ctx, `SELECT suspended FROM users WHERE id = $1`, userID).Scan(&suspended)
	return suspended, err
}

// InsertUser creates a new user with the given bcrypt hash.
func (s *Store) InsertUser(ctx context.Context, email, passwordHash string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, suspended)
		VALUES ($1, $2, FALSE)
		RETURNING id, email, password_hash, suspended, created_at`,
		email, passwordHash).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Suspended, &u.CreatedAt)
	return u, err
}

// WriteAudit records one audit log entry. Callers log and swallow any
// error; a failed audit write must never mask the underlying operation's
// own failure or success.
func (s *Store) WriteAudit(ctx context.Context, entry AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (actor_id, action, target_id, source_ip, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ActorID, entry.Action, entry.TargetID, entry.SourceIP, entry.Detail)
	return err
}

// ListAudit returns the most recent audit entries, newest first, bounded
// by limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, target_id, source_ip, detail, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditLog
	for rows.Next() {
		var a AuditLog
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Action, &a.TargetID, &a.SourceIP, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
