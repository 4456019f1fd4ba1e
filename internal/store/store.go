package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// SelectionMode controls which users a batch run picks up
type SelectionMode int

const (
	// SelectActive picks users with at least one dashboard view in the
	// trailing activity window
	SelectActive SelectionMode = iota
	// SelectAll picks every non-excluded user
	SelectAll
)

// Run log statuses
const (
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
)

// User is a tracked Bluesky account
type User struct {
	DID          string
	Handle       string
	DisplayName  sql.NullString
	Avatar       sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActiveAt sql.NullTime
	SkipUser     bool
}

// Post is one stored post with its engagement counters. Counters are
// overwritten with the remote values on every reconciliation touch.
type Post struct {
	URI       string
	DID       string
	Likes     int64
	Replies   int64
	Quotes    int64
	Reposts   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EngagementTotals are lifetime sums over all stored posts for one user
type EngagementTotals struct {
	Posts   int64
	Likes   int64
	Replies int64
	Quotes  int64
	Reposts int64
}

// Snapshot is one analytics row per user per calendar date
type Snapshot struct {
	DID       string
	Date      string // YYYY-MM-DD, UTC
	Followers int64
	Following int64
	Posts     int64
	Likes     int64
	Replies   int64
	Quotes    int64
	Reposts   int64
}

// RunOutcome closes out a snapshot_logs row
type RunOutcome struct {
	Status      string
	CompletedAt time.Time
	Duration    time.Duration
	TotalUsers  int
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListActiveUsers returns the DIDs to process for one batch run. Both
// modes exclude users with the skip flag set.
func (s *Store) ListActiveUsers(ctx context.Context, mode SelectionMode, windowDays int) ([]string, error) {
	var query string
	var args []interface{}

	switch mode {
	case SelectAll:
		query = `
			SELECT did
			FROM users
			WHERE NOT skip_user
			ORDER BY handle
		`
	default:
		query = `
			SELECT DISTINCT u.did, u.handle
			FROM users u
			JOIN views v ON u.did = v.did
			WHERE v.date >= CURRENT_DATE - $1 * INTERVAL '1 day'
			  AND NOT u.skip_user
			ORDER BY u.handle
		`
		args = []interface{}{windowDays}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if mode == SelectAll {
			if err := rows.Scan(&did); err != nil {
				return nil, err
			}
		} else {
			var handle string
			if err := rows.Scan(&did, &handle); err != nil {
				return nil, err
			}
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// GetUser fetches one user row by DID
func (s *Store) GetUser(ctx context.Context, did string) (*User, error) {
	query := `
		SELECT did, handle, display_name, avatar, created_at, updated_at, last_active_at, skip_user
		FROM users
		WHERE did = $1
	`
	var u User
	err := s.db.QueryRowContext(ctx, query, did).Scan(
		&u.DID, &u.Handle, &u.DisplayName, &u.Avatar,
		&u.CreatedAt, &u.UpdatedAt, &u.LastActiveAt, &u.SkipUser,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserProfile overwrites the remote-sourced profile fields
func (s *Store) UpdateUserProfile(ctx context.Context, did, handle, displayName, avatar string) error {
	query := `
		UPDATE users
		SET handle = $2, display_name = $3, avatar = $4, updated_at = NOW()
		WHERE did = $1
	`
	res, err := s.db.ExecContext(ctx, query, did, handle, displayName, avatar)
	if err != nil {
		return fmt.Errorf("update user %s: %w", did, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPosts returns the number of stored posts for a user
func (s *Store) CountPosts(ctx context.Context, did string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE did = $1`, did).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count posts for %s: %w", did, err)
	}
	return count, nil
}

// UpsertPost inserts a post or overwrites its counters. The remote counts
// are authoritative even when lower than what is stored.
func (s *Store) UpsertPost(ctx context.Context, post Post) error {
	query := `
		INSERT INTO posts (uri, did, likes, replies, quotes, reposts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uri) DO UPDATE SET
			likes = EXCLUDED.likes,
			replies = EXCLUDED.replies,
			quotes = EXCLUDED.quotes,
			reposts = EXCLUDED.reposts,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		post.URI, post.DID, post.Likes, post.Replies, post.Quotes, post.Reposts,
		post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.URI, err)
	}
	return nil
}

// EngagementTotals sums engagement across all stored posts for a user
func (s *Store) EngagementTotals(ctx context.Context, did string) (EngagementTotals, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(likes), 0),
		       COALESCE(SUM(replies), 0),
		       COALESCE(SUM(quotes), 0),
		       COALESCE(SUM(reposts), 0)
		FROM posts
		WHERE did = $1
	`
	var t EngagementTotals
	err := s.db.QueryRowContext(ctx, query, did).Scan(
		&t.Posts, &t.Likes, &t.Replies, &t.Quotes, &t.Reposts,
	)
	if err != nil {
		return EngagementTotals{}, fmt.Errorf("engagement totals for %s: %w", did, err)
	}
	return t, nil
}

// UpsertSnapshot writes the daily snapshot row for (did, date). The upsert
// is a single statement so two runs racing on the same key cannot
// interleave partial writes.
func (s *Store) UpsertSnapshot(ctx context.Context, snap Snapshot) error {
	query := `
		INSERT INTO snapshots (id, did, date, followers, following, posts, likes, replies, quotes, reposts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (did, date) DO UPDATE SET
			followers = EXCLUDED.followers,
			following = EXCLUDED.following,
			posts = EXCLUDED.posts,
			likes = EXCLUDED.likes,
			replies = EXCLUDED.replies,
			quotes = EXCLUDED.quotes,
			reposts = EXCLUDED.reposts
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), snap.DID, snap.Date,
		snap.Followers, snap.Following, snap.Posts,
		snap.Likes, snap.Replies, snap.Quotes, snap.Reposts,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s/%s: %w", snap.DID, snap.Date, err)
	}
	return nil
}

// OpenRunLog creates an in-progress snapshot_logs row and returns its id
func (s *Store) OpenRunLog(ctx context.Context, startedAt time.Time) (int64, error) {
	query := `
		INSERT INTO snapshot_logs (status, started_at)
		VALUES ($1, $2)
		RETURNING id
	`
	var id int64
	if err := s.db.QueryRowContext(ctx, query, RunStatusInProgress, startedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("open run log: %w", err)
	}
	return id, nil
}

// CloseRunLog finalizes a snapshot_logs row
func (s *Store) CloseRunLog(ctx context.Context, id int64, outcome RunOutcome) error {
	query := `
		UPDATE snapshot_logs
		SET status = $2, completed_at = $3, duration_seconds = $4, total_users = $5
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		id, outcome.Status, outcome.CompletedAt, outcome.Duration.Seconds(), outcome.TotalUsers,
	)
	if err != nil {
		return fmt.Errorf("close run log %d: %w", id, err)
	}
	return nil
}
