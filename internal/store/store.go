package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"
)

// Store wraps all Postgres access for the pipeline.
type Store struct {
	DB *sql.DB
}

// DefaultEmbeddingDimensions indicates the expected length of semantic vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Media lifecycle statuses.
const (
	MediaStatusUploaded   = "uploaded"
	MediaStatusQueued     = "queued"
	MediaStatusProcessing = "processing"
	MediaStatusCompleted  = "completed"
	MediaStatusFailed     = "failed"
	MediaStatusDeleted    = "deleted"
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusRetrying   = "retrying"
)

// Service tiers. Lower-tier users get lower scheduling priority.
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierPro      = "pro"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("not found")

// MediaItem is one uploaded media file moving through the pipeline.
type MediaItem struct {
	ID            string
	UserID        string
	Kind          string
	Locator       string
	Status        string
	FailureReason string
	UploadedAt    time.Time
	DeletedAt     *time.Time
}

// User is the minimal identity surface the pipeline trusts from the auth
// collaborator: an id, credentials and a service tier.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Tier         string
	CreatedAt    time.Time
}

// New constructs the Store from DATABASE_URL or POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// CreateUser inserts a user with the given credentials and tier.
func (s *Store) CreateUser(ctx context.Context, id, email, passwordHash, tier string) error {
	if tier == "" {
		tier = TierFree
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO users (id, email, password_hash, tier, created_at)
VALUES ($1,$2,$3,$4,NOW())
`, id, email, passwordHash, tier)
	return err
}

// GetUserByEmail fetches a user for login.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `
SELECT id, email, password_hash, tier, created_at FROM users WHERE email=$1
`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Tier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `
SELECT id, email, password_hash, tier, created_at FROM users WHERE id=$1
`, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Tier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

// CreateMediaItem registers a confirmed upload in state `uploaded`.
func (s *Store) CreateMediaItem(ctx context.Context, m MediaItem) error {
	if m.ID == "" || m.UserID == "" {
		return fmt.Errorf("media id and user_id required")
	}
	if m.Kind != "image" && m.Kind != "video" {
		return fmt.Errorf("unsupported media kind %q", m.Kind)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO media_items (id, user_id, kind, locator, status, uploaded_at)
VALUES ($1,$2,$3,$4,$5,NOW())
`, m.ID, m.UserID, m.Kind, m.Locator, MediaStatusUploaded)
	return err
}

// GetMediaItem fetches one media item owned by the user. Soft-deleted rows
// are not returned.
func (s *Store) GetMediaItem(ctx context.Context, id, userID string) (MediaItem, error) {
	var m MediaItem
	var reason sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, kind, locator, status, failure_reason, uploaded_at, deleted_at
FROM media_items
WHERE id=$1 AND user_id=$2 AND deleted_at IS NULL
`, id, userID).Scan(&m.ID, &m.UserID, &m.Kind, &m.Locator, &m.Status, &reason, &m.UploadedAt, &m.DeletedAt)
	if err == sql.ErrNoRows {
		return MediaItem{}, ErrNotFound
	}
	if err != nil {
		return MediaItem{}, err
	}
	m.FailureReason = reason.String
	return m, nil
}

// ListMediaItems returns the user's media, newest first. Failed items remain
// listed so the owner can retry them.
func (s *Store) ListMediaItems(ctx context.Context, userID string, limit, offset int) ([]MediaItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, kind, locator, status, failure_reason, uploaded_at, deleted_at
FROM media_items
WHERE user_id=$1 AND deleted_at IS NULL
ORDER BY uploaded_at DESC
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MediaItem
	for rows.Next() {
		var m MediaItem
		var reason sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Locator, &m.Status, &reason, &m.UploadedAt, &m.DeletedAt); err != nil {
			return nil, err
		}
		m.FailureReason = reason.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMediaProcessing moves a queued item to `processing`. Items already
// past `queued` are left alone, so a late claim cannot regress a terminal
// status.
func (s *Store) MarkMediaProcessing(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE media_items SET status=$2 WHERE id=$1 AND status=$3 AND deleted_at IS NULL
`, id, MediaStatusProcessing, MediaStatusQueued)
	return err
}

// SetMediaStatus transitions a media item's lifecycle status.
func (s *Store) SetMediaStatus(ctx context.Context, id, status, failureReason string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE media_items SET status=$2, failure_reason=NULLIF($3,'')
WHERE id=$1 AND deleted_at IS NULL
`, id, status, failureReason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteMediaItem marks the item deleted and removes its dependent rows
// in the same transaction: jobs (results cascade off them), the embedding
// link and the aggregated content. Leaving pending or retrying jobs behind
// would keep them claimable against an item that no longer resolves. The
// media row itself and cost records are retained.
func (s *Store) SoftDeleteMediaItem(ctx context.Context, id, userID string) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE media_items SET status=$3, deleted_at=NOW()
WHERE id=$1 AND user_id=$2 AND deleted_at IS NULL
`, id, userID, MediaStatusDeleted)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM processing_jobs WHERE media_id=$1`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM media_embeddings WHERE media_id=$1`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM aggregated_content WHERE media_id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
