package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/AceyAdapter/dopplersky-workers/internal/bluesky"
	"github.com/AceyAdapter/dopplersky-workers/internal/logging"
	"github.com/AceyAdapter/dopplersky-workers/internal/store"
)

const (
	// feedPageSize is the per-page limit passed to getAuthorFeed
	feedPageSize = 100
	// maxFullFetchPosts bounds full-history pagination on accounts with
	// very long feeds
	maxFullFetchPosts = 10000
)

// FeedSource pages through an author's feed, newest first
type FeedSource interface {
	GetAuthorFeed(ctx context.Context, actor, cursor string, limit int) (*bluesky.AuthorFeed, error)
}

// PostStore is the persistence surface the reconciler needs
type PostStore interface {
	CountPosts(ctx context.Context, did string) (int64, error)
	UpsertPost(ctx context.Context, post store.Post) error
	EngagementTotals(ctx context.Context, did string) (store.EngagementTotals, error)
}

// Reconciler merges freshly fetched posts with stored posts and recomputes
// lifetime engagement totals
type Reconciler struct {
	feed       FeedSource
	store      PostStore
	logger     logging.Logger
	windowDays int
	now        func() time.Time
}

func New(feed FeedSource, s PostStore, logger logging.Logger, windowDays int) *Reconciler {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Reconciler{
		feed:       feed,
		store:      s,
		logger:     logger,
		windowDays: windowDays,
		now:        time.Now,
	}
}

// Reconcile refreshes the stored posts for one user and returns lifetime
// totals across all stored posts. A user with no stored posts gets a
// bounded full-history fetch; an already-tracked user only has the
// trailing window re-fetched.
func (r *Reconciler) Reconcile(ctx context.Context, did string) (store.EngagementTotals, error) {
	count, err := r.store.CountPosts(ctx, did)
	if err != nil {
		return store.EngagementTotals{}, err
	}
	fetchAll := count == 0

	now := r.now().UTC()
	windowStart := now.Add(-time.Duration(r.windowDays) * 24 * time.Hour)

	items, err := r.fetchPosts(ctx, did, fetchAll, windowStart)
	if err != nil {
		return store.EngagementTotals{}, err
	}

	var upserted int
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.Post.URI]; dup {
			continue
		}
		seen[item.Post.URI] = struct{}{}

		createdAt, err := time.Parse(time.RFC3339, item.Post.Record.CreatedAt)
		if err != nil {
			r.logger.WithFields(logging.Fields{
				"did": did,
				"uri": item.Post.URI,
			}).WithError(err).Warn("Skipping post with unparseable createdAt")
			continue
		}
		if !fetchAll && createdAt.Before(windowStart) {
			continue
		}

		post := store.Post{
			URI:       item.Post.URI,
			DID:       did,
			Likes:     item.Post.LikeCount,
			Replies:   item.Post.ReplyCount,
			Quotes:    item.Post.QuoteCount,
			Reposts:   item.Post.RepostCount,
			CreatedAt: createdAt,
			UpdatedAt: now,
		}
		if err := r.store.UpsertPost(ctx, post); err != nil {
			return store.EngagementTotals{}, err
		}
		upserted++
	}

	if upserted > 0 {
		r.logger.WithFields(logging.Fields{
			"did":   did,
			"posts": upserted,
		}).Debug("Posts reconciled")
	}

	// Totals cover every stored post, not just this fetch, so the
	// snapshot reflects lifetime engagement.
	return r.store.EngagementTotals(ctx, did)
}

// fetchPosts pages through the author feed, keeping only posts authored by
// the actor. Reposts surface the original author's post, so the author
// check filters them out.
func (r *Reconciler) fetchPosts(ctx context.Context, did string, fetchAll bool, windowStart time.Time) ([]bluesky.FeedItem, error) {
	var kept []bluesky.FeedItem
	cursor := ""

	for {
		page, err := r.feed.GetAuthorFeed(ctx, did, cursor, feedPageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch feed for %s: %w", did, err)
		}

		var oldest time.Time
		for _, item := range page.Feed {
			if item.Post.Author.DID != did {
				continue
			}
			if created, err := time.Parse(time.RFC3339, item.Post.Record.CreatedAt); err == nil {
				if oldest.IsZero() || created.Before(oldest) {
					oldest = created
				}
			}
			kept = append(kept, item)
		}

		if page.Cursor == "" {
			break
		}
		if fetchAll {
			if len(kept) >= maxFullFetchPosts {
				break
			}
		} else {
			// Feeds are newest-first, so once a page bottoms out past
			// the window there is nothing newer left to fetch.
			if !oldest.IsZero() && oldest.Before(windowStart) {
				break
			}
		}
		cursor = page.Cursor
	}

	return kept, nil
}
