package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AceyAdapter/dopplersky-workers/internal/bluesky"
	"github.com/AceyAdapter/dopplersky-workers/internal/logging"
	"github.com/AceyAdapter/dopplersky-workers/internal/store"
)

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]bluesky.Profile
	chunks   [][]string
	failCall map[int]bool // 0-based call index -> fail
}

func (f *fakeProfiles) GetProfiles(ctx context.Context, dids []string) (map[string]bluesky.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.chunks)
	f.chunks = append(f.chunks, append([]string(nil), dids...))
	if f.failCall[call] {
		return nil, errors.New("profile fetch failed")
	}
	out := make(map[string]bluesky.Profile)
	for _, did := range dids {
		if p, ok := f.profiles[did]; ok {
			out[did] = p
		}
	}
	return out, nil
}

type fakeReconciler struct {
	mu     sync.Mutex
	totals map[string]store.EngagementTotals
	errs   map[string]error
	calls  []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, did string) (store.EngagementTotals, error) {
	f.mu.Lock()
	f.calls = append(f.calls, did)
	f.mu.Unlock()
	if err := f.errs[did]; err != nil {
		return store.EngagementTotals{}, err
	}
	return f.totals[did], nil
}

type fakeStore struct {
	mu        sync.Mutex
	dids      []string
	listErr   error
	listMode  *store.SelectionMode
	users     map[string]*store.User
	updated   []string
	snapshots map[string]store.Snapshot // keyed did|date
	openErr   error
	nextRunID int64
	openedAt  *time.Time
	closed    *store.RunOutcome
	closedID  int64
}

func newFakeStore(dids ...string) *fakeStore {
	fs := &fakeStore{
		dids:      dids,
		users:     make(map[string]*store.User),
		snapshots: make(map[string]store.Snapshot),
		nextRunID: 1,
	}
	for _, did := range dids {
		fs.users[did] = &store.User{DID: did, Handle: did + ".bsky.social"}
	}
	return fs
}

func (f *fakeStore) ListActiveUsers(ctx context.Context, mode store.SelectionMode, windowDays int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listMode = &mode
	return f.dids, f.listErr
}

func (f *fakeStore) GetUser(ctx context.Context, did string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[did]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) UpdateUserProfile(ctx context.Context, did, handle, displayName, avatar string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, did)
	return nil
}

func (f *fakeStore) UpsertSnapshot(ctx context.Context, snap store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.DID+"|"+snap.Date] = snap
	return nil
}

func (f *fakeStore) OpenRunLog(ctx context.Context, startedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.openedAt = &startedAt
	id := f.nextRunID
	f.nextRunID++
	return id, nil
}

func (f *fakeStore) CloseRunLog(ctx context.Context, id int64, outcome store.RunOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedID = id
	f.closed = &outcome
	return nil
}

func profilesFor(dids ...string) map[string]bluesky.Profile {
	out := make(map[string]bluesky.Profile, len(dids))
	for _, did := range dids {
		out[did] = bluesky.Profile{
			DID:            did,
			Handle:         did + ".bsky.social",
			FollowersCount: 100,
			FollowsCount:   50,
		}
	}
	return out
}

func newTestOrchestrator(fp *fakeProfiles, fr *fakeReconciler, fs *fakeStore) *Orchestrator {
	return NewOrchestrator(fp, fr, fs, logging.NewLogger(), nil)
}

func TestRunBatchChunksProfileFetches(t *testing.T) {
	dids := make([]string, 57)
	for i := range dids {
		dids[i] = fmt.Sprintf("did:plc:user%02d", i)
	}
	fs := newFakeStore(dids...)
	fp := &fakeProfiles{profiles: profilesFor(dids...)}
	fr := &fakeReconciler{}

	summary, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, fp.chunks, 3)
	require.Len(t, fp.chunks[0], 25)
	require.Len(t, fp.chunks[1], 25)
	require.Len(t, fp.chunks[2], 7)
	require.Equal(t, 57, summary.Succeeded)
}

func TestRunBatchIsolatesUserFailures(t *testing.T) {
	fs := newFakeStore("did:plc:alice", "did:plc:bob")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice", "did:plc:bob")}
	fr := &fakeReconciler{
		errs: map[string]error{"did:plc:alice": errors.New("malformed feed response")},
	}

	summary, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 2, summary.Attempted)

	date := time.Now().UTC().Format("2006-01-02")
	_, aliceHasSnapshot := fs.snapshots["did:plc:alice|"+date]
	_, bobHasSnapshot := fs.snapshots["did:plc:bob|"+date]
	require.False(t, aliceHasSnapshot)
	require.True(t, bobHasSnapshot)

	// Individual failures never flip the run outcome
	require.NotNil(t, fs.closed)
	require.Equal(t, store.RunStatusCompleted, fs.closed.Status)
	require.Equal(t, 1, fs.closed.TotalUsers)
}

func TestRunBatchAbortsWhenRunLogCannotOpen(t *testing.T) {
	fs := newFakeStore("did:plc:alice")
	fs.openErr = errors.New("connection refused")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice")}
	fr := &fakeReconciler{}

	_, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.Error(t, err)
	require.Empty(t, fp.chunks, "no profile fetch should happen without a run log")
	require.Nil(t, fs.closed)
}

func TestRunBatchSkipsFailedProfileChunk(t *testing.T) {
	dids := make([]string, 30)
	for i := range dids {
		dids[i] = fmt.Sprintf("did:plc:user%02d", i)
	}
	fs := newFakeStore(dids...)
	fp := &fakeProfiles{
		profiles: profilesFor(dids...),
		failCall: map[int]bool{0: true},
	}
	fr := &fakeReconciler{}

	summary, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	// First chunk of 25 skipped, second chunk of 5 processed
	require.Equal(t, 25, summary.Skipped)
	require.Equal(t, 5, summary.Succeeded)
	require.Equal(t, 0, summary.Failed)
}

func TestRunBatchSkipsMissingAndFlaggedUsers(t *testing.T) {
	fs := newFakeStore("did:plc:alice", "did:plc:flagged")
	fs.users["did:plc:flagged"].SkipUser = true
	// ghost is selected but the profile API does not resolve it
	fs.dids = append(fs.dids, "did:plc:ghost")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice", "did:plc:flagged")}
	fr := &fakeReconciler{}

	summary, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 0, summary.Failed)
	require.Equal(t, []string{"did:plc:alice"}, fr.calls)
}

func TestRunBatchUpdatesChangedProfiles(t *testing.T) {
	fs := newFakeStore("did:plc:alice", "did:plc:bob")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice", "did:plc:bob")}
	// bob's stored handle already matches the remote one
	bob := fp.profiles["did:plc:bob"]
	bob.Handle = fs.users["did:plc:bob"].Handle
	fp.profiles["did:plc:bob"] = bob
	alice := fp.profiles["did:plc:alice"]
	alice.Handle = "alice.renamed.social"
	fp.profiles["did:plc:alice"] = alice
	fr := &fakeReconciler{}

	_, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	require.Equal(t, []string{"did:plc:alice"}, fs.updated)
}

func TestRunBatchSnapshotUsesReconcilerTotals(t *testing.T) {
	fs := newFakeStore("did:plc:alice")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice")}
	fr := &fakeReconciler{totals: map[string]store.EngagementTotals{
		"did:plc:alice": {Posts: 2, Likes: 8, Replies: 1},
	}}

	_, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	date := time.Now().UTC().Format("2006-01-02")
	snap, ok := fs.snapshots["did:plc:alice|"+date]
	require.True(t, ok)
	require.Equal(t, int64(100), snap.Followers)
	require.Equal(t, int64(50), snap.Following)
	require.Equal(t, int64(2), snap.Posts)
	require.Equal(t, int64(8), snap.Likes)
	require.Equal(t, int64(1), snap.Replies)
}

func TestRunBatchIdempotentPerDay(t *testing.T) {
	fs := newFakeStore("did:plc:alice")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice")}
	fr := &fakeReconciler{totals: map[string]store.EngagementTotals{
		"did:plc:alice": {Posts: 1, Likes: 3},
	}}
	orch := newTestOrchestrator(fp, fr, fs)

	_, err := orch.RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	// Engagement moved between runs; the second run must overwrite, not
	// duplicate
	fr.mu.Lock()
	fr.totals["did:plc:alice"] = store.EngagementTotals{Posts: 1, Likes: 5}
	fr.mu.Unlock()

	_, err = orch.RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, fs.snapshots, 1)
	date := time.Now().UTC().Format("2006-01-02")
	require.Equal(t, int64(5), fs.snapshots["did:plc:alice|"+date].Likes)
}

func TestRunBatchBracketsRunLog(t *testing.T) {
	fs := newFakeStore("did:plc:alice")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice")}
	fr := &fakeReconciler{}

	summary, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)

	require.NotNil(t, fs.openedAt)
	require.NotNil(t, fs.closed)
	require.Equal(t, summary.RunID, fs.closedID)
	require.False(t, fs.closed.CompletedAt.Before(*fs.openedAt))
	require.GreaterOrEqual(t, fs.closed.Duration, time.Duration(0))
}

func TestRunBatchListFailureStillClosesRunLog(t *testing.T) {
	fs := newFakeStore()
	fs.listErr = errors.New("db down")
	fp := &fakeProfiles{}
	fr := &fakeReconciler{}

	summary, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{})
	require.NoError(t, err)
	require.Zero(t, summary.Attempted)
	require.NotNil(t, fs.closed)
	require.Equal(t, store.RunStatusCompleted, fs.closed.Status)
	require.Equal(t, 0, fs.closed.TotalUsers)
}

func TestRunBatchSelectionModePassthrough(t *testing.T) {
	fs := newFakeStore("did:plc:alice")
	fp := &fakeProfiles{profiles: profilesFor("did:plc:alice")}
	fr := &fakeReconciler{}

	_, err := newTestOrchestrator(fp, fr, fs).RunBatch(context.Background(), Options{Mode: store.SelectAll})
	require.NoError(t, err)
	require.NotNil(t, fs.listMode)
	require.Equal(t, store.SelectAll, *fs.listMode)
}
