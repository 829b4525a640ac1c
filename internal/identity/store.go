package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/db"
)

// Store persists identities, their channel handles and conversation turns.
type Store struct {
	db     *sql.DB
	cipher FieldCipher
	now    func() time.Time
}

func NewStore(conn *sql.DB, cipher FieldCipher) *Store {
	if cipher == nil {
		cipher = NoopCipher{}
	}
	return &Store{db: conn, cipher: cipher, now: time.Now}
}

const identityColumns = `id, tenant_id, display_name, primary_phone, email_cipher, email_verified, score, score_rank,
status, treatment, referral_applied, last_activity_at, created_at, updated_at`

func (s *Store) scanIdentity(row interface{ Scan(...any) error }) (Identity, error) {
	var (
		out                        Identity
		phone, emailCipher         sql.NullString
		status                     string
		lastActivity, created, upd int64
	)
	err := row.Scan(&out.ID, &out.TenantID, &out.DisplayName, &phone, &emailCipher, &out.EmailVerified,
		&out.Score, &out.ScoreRank, &status, &out.Treatment, &out.ReferralApplied, &lastActivity, &created, &upd)
	if err != nil {
		return Identity{}, err
	}
	out.PrimaryPhone = phone.String
	if emailCipher.Valid && emailCipher.String != "" {
		email, err := s.cipher.Decrypt(emailCipher.String)
		if err != nil {
			return Identity{}, err
		}
		out.Email = email
	}
	out.Status = Status(status)
	out.LastActivityAt = db.FromMillis(lastActivity)
	out.CreatedAt = db.FromMillis(created)
	out.UpdatedAt = db.FromMillis(upd)
	return out, nil
}

// Get loads an identity with its handles.
func (s *Store) Get(ctx context.Context, id string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	out, err := s.scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("get identity: %w", err)
	}
	handles, err := s.listHandles(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	out.Handles = handles
	return out, nil
}

func (s *Store) listHandles(ctx context.Context, identityID string) ([]Handle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, external_id FROM identity_handles WHERE identity_id = $1 ORDER BY created_at, channel`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Handle
	for rows.Next() {
		var (
			h  Handle
			ct string
		)
		if err := rows.Scan(&ct, &h.ExternalID); err != nil {
			return nil, err
		}
		h.Channel = channel.ChannelType(ct)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) FindByHandle(ctx context.Context, tenantID string, ct channel.ChannelType, externalID string) (string, error) {
	return s.findOne(ctx,
		`SELECT identity_id FROM identity_handles WHERE tenant_id = $1 AND channel = $2 AND external_id = $3`,
		tenantID, ct.String(), externalID)
}

// FindByEmail matches verified emails only.
func (s *Store) FindByEmail(ctx context.Context, tenantID, email string) (string, error) {
	hash := EmailHash(email)
	if hash == "" {
		return "", ErrNotFound
	}
	return s.findOne(ctx,
		`SELECT id FROM identities WHERE tenant_id = $1 AND email_hash = $2 AND email_verified = TRUE`,
		tenantID, hash)
}

func (s *Store) FindByPhone(ctx context.Context, tenantID, phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", ErrNotFound
	}
	return s.findOne(ctx,
		`SELECT id FROM identities WHERE tenant_id = $1 AND primary_phone = $2`, tenantID, phone)
}

// ListRecentByName returns named identities, most recently active first.
func (s *Store) ListRecentByName(ctx context.Context, tenantID string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, display_name FROM identities
WHERE tenant_id = $1 AND display_name <> ''
ORDER BY last_activity_at DESC, created_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Create inserts a new identity and its first handle in one transaction. A
// concurrent insert for the same phone or verified email surfaces as a unique
// violation (see db.IsUniqueViolation).
func (s *Store) Create(ctx context.Context, in NewIdentity, first Handle) (Identity, error) {
	now := s.now()
	ms := db.NowMillis(now)
	out := Identity{
		ID:             uuid.NewString(),
		TenantID:       in.TenantID,
		DisplayName:    strings.TrimSpace(in.DisplayName),
		PrimaryPhone:   strings.TrimSpace(in.Phone),
		Email:          NormalizeEmail(in.Email),
		EmailVerified:  in.EmailVerified && NormalizeEmail(in.Email) != "",
		ScoreRank:      "C",
		Status:         StatusNew,
		LastActivityAt: db.FromMillis(ms),
		CreatedAt:      db.FromMillis(ms),
		UpdatedAt:      db.FromMillis(ms),
		Handles:        []Handle{first},
	}
	var phone, emailCipher, emailHash any
	if out.PrimaryPhone != "" {
		phone = out.PrimaryPhone
	}
	if out.Email != "" {
		sealed, err := s.cipher.Encrypt(out.Email)
		if err != nil {
			return Identity{}, fmt.Errorf("encrypt email: %w", err)
		}
		emailCipher, emailHash = sealed, EmailHash(out.Email)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO identities (id, tenant_id, display_name, primary_phone, email_cipher, email_hash, email_verified,
    score, score_rank, status, treatment, referral_applied, last_activity_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 'C', $8, '', FALSE, $9, $9, $9)`,
		out.ID, out.TenantID, out.DisplayName, phone, emailCipher, emailHash, out.EmailVerified,
		string(StatusNew), ms); err != nil {
		return Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO identity_handles (tenant_id, channel, external_id, identity_id, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		out.TenantID, first.Channel.String(), first.ExternalID, out.ID, ms); err != nil {
		return Identity{}, fmt.Errorf("insert handle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Identity{}, err
	}
	return out, nil
}

// AttachHandle links a channel handle to an existing identity. Attaching an
// already attached handle is a no-op.
func (s *Store) AttachHandle(ctx context.Context, tenantID, identityID string, h Handle) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identity_handles (tenant_id, channel, external_id, identity_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, channel, external_id) DO NOTHING`,
		tenantID, h.Channel.String(), h.ExternalID, identityID, db.NowMillis(s.now()))
	if err != nil {
		return fmt.Errorf("attach handle: %w", err)
	}
	return nil
}

// SetEmail records an address learned after creation.
func (s *Store) SetEmail(ctx context.Context, identityID, email string, verified bool) error {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return nil
	}
	sealed, err := s.cipher.Encrypt(normalized)
	if err != nil {
		return fmt.Errorf("encrypt email: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE identities SET email_cipher = $1, email_hash = $2, email_verified = $3, updated_at = $4 WHERE id = $5`,
		sealed, EmailHash(normalized), verified, db.NowMillis(s.now()), identityID)
	if err != nil {
		return fmt.Errorf("set email: %w", err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, identityID string, turn Turn) (Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_turns (id, identity_id, role, content, channel, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.ID, identityID, string(turn.Role), turn.Content, turn.Channel.String(), db.NowMillis(turn.Timestamp))
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

// RecentTurns returns up to n turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, identityID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, channel, created_at FROM conversation_turns
WHERE identity_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, identityID, n)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Turn
	for rows.Next() {
		var (
			t        Turn
			role, ct string
			created  int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &ct, &created); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		t.Channel = channel.ChannelType(ct)
		t.Timestamp = db.FromMillis(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) UpdateScore(ctx context.Context, identityID string, u ScoreUpdate) error {
	return s.exec(ctx, "update score", `
UPDATE identities SET score = $1, score_rank = $2, treatment = $3, referral_applied = $4, updated_at = $5
WHERE id = $6`,
		u.Score, u.Rank, u.Treatment, u.ReferralApplied, db.NowMillis(s.now()), identityID)
}

func (s *Store) UpdateStatus(ctx context.Context, identityID string, status Status) error {
	return s.exec(ctx, "update status",
		`UPDATE identities SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), db.NowMillis(s.now()), identityID)
}

// Touch records activity. A new identity becomes active on its first touch.
func (s *Store) Touch(ctx context.Context, identityID string, at time.Time) error {
	return s.exec(ctx, "touch identity", `
UPDATE identities SET last_activity_at = $1, updated_at = $1,
    status = CASE WHEN status = 'new' THEN 'active' ELSE status END
WHERE id = $2`,
		db.NowMillis(at), identityID)
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
