package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AceyAdapter/dopplersky-workers/internal/bluesky"
	"github.com/AceyAdapter/dopplersky-workers/internal/logging"
	"github.com/AceyAdapter/dopplersky-workers/internal/store"
)

// DefaultMaxWorkers bounds per-user concurrency when no override is set
const DefaultMaxWorkers = 10

// ProfileSource fetches profiles in bounded batches
type ProfileSource interface {
	GetProfiles(ctx context.Context, dids []string) (map[string]bluesky.Profile, error)
}

// Reconciler refreshes one user's posts and returns lifetime totals
type Reconciler interface {
	Reconcile(ctx context.Context, did string) (store.EngagementTotals, error)
}

// Store is the persistence surface the orchestrator needs. It must be safe
// for concurrent use from multiple worker goroutines.
type Store interface {
	ListActiveUsers(ctx context.Context, mode store.SelectionMode, windowDays int) ([]string, error)
	GetUser(ctx context.Context, did string) (*store.User, error)
	UpdateUserProfile(ctx context.Context, did, handle, displayName, avatar string) error
	UpsertSnapshot(ctx context.Context, snap store.Snapshot) error
	OpenRunLog(ctx context.Context, startedAt time.Time) (int64, error)
	CloseRunLog(ctx context.Context, id int64, outcome store.RunOutcome) error
}

// Metrics holds the Prometheus instruments the orchestrator updates. A nil
// Metrics disables instrumentation.
type Metrics struct {
	UsersProcessed *prometheus.CounterVec
	ProfileBatches *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
}

// Options configures a batch run
type Options struct {
	Mode       store.SelectionMode
	BatchSize  int // profiles per getProfiles call, default bluesky.MaxProfilesPerCall
	MaxWorkers int // per-user concurrency, default DefaultMaxWorkers
	WindowDays int // activity selection window, default 7
}

// Summary is the only run-level signal callers get; per-user failure
// detail lives in the logs.
type Summary struct {
	RunID     int64
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

type taskStatus int

const (
	taskSucceeded taskStatus = iota
	taskFailed
	taskSkipped
)

// userResult is the typed per-task outcome the orchestrator tallies after
// the pool drains
type userResult struct {
	did    string
	status taskStatus
	err    error
}

// Orchestrator drives one batch run end to end and owns the run log
// lifecycle
type Orchestrator struct {
	profiles   ProfileSource
	reconciler Reconciler
	store      Store
	logger     logging.Logger
	metrics    *Metrics
	now        func() time.Time
}

func NewOrchestrator(profiles ProfileSource, rec Reconciler, s Store, logger logging.Logger, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		profiles:   profiles,
		reconciler: rec,
		store:      s,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// RunBatch executes one snapshot collection run. Failing to open the run
// log aborts before any user is touched; once the log is open the run
// always closes it as completed, no matter how many users failed.
func (o *Orchestrator) RunBatch(ctx context.Context, opts Options) (Summary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = bluesky.MaxProfilesPerCall
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}

	start := o.now().UTC()
	runID, err := o.store.OpenRunLog(ctx, start)
	if err != nil {
		return Summary{}, fmt.Errorf("open run log: %w", err)
	}

	o.logger.WithFields(logging.Fields{
		"run_id":      runID,
		"mode":        modeLabel(opts.Mode),
		"max_workers": opts.MaxWorkers,
	}).Info("Starting snapshot collection run")

	summary := o.processUsers(ctx, opts, start)
	summary.RunID = runID
	summary.Duration = o.now().UTC().Sub(start)

	outcome := store.RunOutcome{
		Status:      store.RunStatusCompleted,
		CompletedAt: o.now().UTC(),
		Duration:    summary.Duration,
		TotalUsers:  summary.Succeeded,
	}
	if err := o.store.CloseRunLog(ctx, runID, outcome); err != nil {
		return summary, fmt.Errorf("close run log: %w", err)
	}

	if o.metrics != nil && o.metrics.RunDuration != nil {
		o.metrics.RunDuration.WithLabelValues(modeLabel(opts.Mode)).Observe(summary.Duration.Seconds())
	}

	o.logger.WithFields(logging.Fields{
		"run_id":    runID,
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"duration":  summary.Duration.String(),
	}).Info("Snapshot collection run completed")

	return summary, nil
}

func (o *Orchestrator) processUsers(ctx context.Context, opts Options, start time.Time) Summary {
	var summary Summary

	dids, err := o.store.ListActiveUsers(ctx, opts.Mode, opts.WindowDays)
	if err != nil {
		o.logger.WithError(err).Error("Failed to list users for run")
		return summary
	}
	if len(dids) == 0 {
		o.logger.Warn("No users found to process")
		return summary
	}

	// Collect profiles in fixed-size batches. A failed batch skips its
	// members for this run; the next scheduled run picks them up again.
	profiles := make([]bluesky.Profile, 0, len(dids))
	for _, chunk := range chunkDIDs(dids, opts.BatchSize) {
		batch, err := o.profiles.GetProfiles(ctx, chunk)
		if err != nil {
			o.logger.WithError(err).WithField("size", len(chunk)).Error("Profile batch fetch failed, skipping chunk")
			summary.Skipped += len(chunk)
			o.countBatch("error")
			continue
		}
		o.countBatch("ok")
		for _, did := range chunk {
			profile, ok := batch[did]
			if !ok {
				o.logger.WithField("did", did).Warn("Profile missing from batch response, skipping user")
				summary.Skipped++
				continue
			}
			profiles = append(profiles, profile)
		}
	}

	o.logger.WithField("count", len(profiles)).Info("Collected profiles from Bluesky API")

	curDate := start.Format("2006-01-02")
	results := make(chan userResult, len(profiles))

	var g errgroup.Group
	g.SetLimit(opts.MaxWorkers)
	for _, profile := range profiles {
		profile := profile
		g.Go(func() error {
			results <- o.processUser(ctx, profile, curDate)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for res := range results {
		switch res.status {
		case taskSucceeded:
			summary.Succeeded++
			o.countUser("ok")
		case taskSkipped:
			summary.Skipped++
			o.countUser("skipped")
		default:
			summary.Failed++
			o.countUser("error")
			o.logger.WithField("did", res.did).WithError(res.err).Error("User processing failed")
		}
	}
	summary.Attempted = summary.Succeeded + summary.Failed

	return summary
}

// processUser runs one user through profile refresh, post reconciliation
// and snapshot upsert. Errors never propagate past this boundary.
func (o *Orchestrator) processUser(ctx context.Context, profile bluesky.Profile, date string) userResult {
	did := profile.DID
	log := o.logger.WithFields(logging.Fields{"did": did, "handle": profile.Handle})
	log.Debug("Processing user")

	user, err := o.store.GetUser(ctx, did)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("User not found in database, skipping")
		return userResult{did: did, status: taskSkipped}
	}
	if err != nil {
		return userResult{did: did, status: taskFailed, err: err}
	}
	if user.SkipUser {
		log.Debug("User flagged for exclusion, skipping")
		return userResult{did: did, status: taskSkipped}
	}

	if profileChanged(profile, user) {
		if err := o.store.UpdateUserProfile(ctx, did, profile.Handle, profile.DisplayName, profile.Avatar); err != nil {
			return userResult{did: did, status: taskFailed, err: err}
		}
		log.Debug("User profile updated")
	}

	totals, err := o.reconciler.Reconcile(ctx, did)
	if err != nil {
		return userResult{did: did, status: taskFailed, err: err}
	}

	snap := store.Snapshot{
		DID:       did,
		Date:      date,
		Followers: profile.FollowersCount,
		Following: profile.FollowsCount,
		Posts:     totals.Posts,
		Likes:     totals.Likes,
		Replies:   totals.Replies,
		Quotes:    totals.Quotes,
		Reposts:   totals.Reposts,
	}
	if err := o.store.UpsertSnapshot(ctx, snap); err != nil {
		return userResult{did: did, status: taskFailed, err: err}
	}

	return userResult{did: did, status: taskSucceeded}
}

func profileChanged(profile bluesky.Profile, user *store.User) bool {
	return profile.Handle != user.Handle ||
		profile.DisplayName != user.DisplayName.String ||
		profile.Avatar != user.Avatar.String
}

func chunkDIDs(dids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(dids); start += size {
		end := start + size
		if end > len(dids) {
			end = len(dids)
		}
		chunks = append(chunks, dids[start:end])
	}
	return chunks
}

func (o *Orchestrator) countUser(status string) {
	if o.metrics != nil && o.metrics.UsersProcessed != nil {
		o.metrics.UsersProcessed.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) countBatch(status string) {
	if o.metrics != nil && o.metrics.ProfileBatches != nil {
		o.metrics.ProfileBatches.WithLabelValues(status).Inc()
	}
}

func modeLabel(mode store.SelectionMode) string {
	if mode == store.SelectAll {
		return "all"
	}
	return "active"
}
