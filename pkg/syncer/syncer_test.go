package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/tokenlist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	eth = models.TokenEntry{Chain: "ethereum", Decimals: 18, Symbol: "ETH"}
	sol = models.TokenEntry{Chain: "solana", Decimals: 9, Symbol: "SOL"}
	bnb = models.TokenEntry{Chain: "bsc", Decimals: 18, Symbol: "BNB"}
)

type upload struct {
	entries []models.TokenEntry
	version uint64
}

type fakeTransport struct {
	mu       sync.Mutex
	uploads  []upload
	fail     int
	failWith error
	failAck  uint64
	block    chan struct{}
	started  chan struct{}

	remote        []models.TokenEntry
	remoteVersion uint64
	fetchErr      error
}

func (f *fakeTransport) Upload(ctx context.Context, _ models.WalletIdentity, entries []models.TokenEntry, version uint64) (uint64, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, upload{entries: entries, version: version})
	block, started := f.block, f.started
	f.block, f.started = nil, nil
	fail := f.fail > 0
	if fail {
		f.fail--
	}
	err, ack := f.failWith, f.failAck
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if fail {
		if err == nil {
			err = errors.New("network unreachable")
		}
		return ack, err
	}
	return version, nil
}

func (f *fakeTransport) Fetch(context.Context, models.WalletIdentity) ([]models.TokenEntry, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, f.remoteVersion, f.fetchErr
}

func (f *fakeTransport) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeTransport) lastUpload() upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[len(f.uploads)-1]
}

func fastConfig() Config {
	return Config{
		Debounce:    5 * time.Millisecond,
		Backoff:     5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		MaxAttempts: 5,
	}
}

func start(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		c.Close()
	})
}

func waitState(t *testing.T, c *Coordinator, want models.SyncState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == want
	}, 2*time.Second, 2*time.Millisecond, "want %s, have %s", want, c.Status().State)
}

// waitClean waits until the store was marked synced and the coordinator
// settled in Clean.
func waitClean(t *testing.T, c *Coordinator, store *tokenlist.Store) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !store.CurrentState().Dirty && c.Status().State == models.SyncClean
	}, 2*time.Second, 2*time.Millisecond, "have %s", c.Status().State)
}

func TestUploadSucceedsAfterTwoFailures(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{fail: 2}
	c := New(store, tr, fastConfig())
	start(t, c)

	_, _, err := store.Apply(tokenlist.Add(eth))
	require.NoError(t, err)

	waitClean(t, c, store)
	assert.Equal(t, 3, tr.uploadCount())
	assert.False(t, store.CurrentState().Dirty)
	assert.Equal(t, []models.TokenEntry{eth}, tr.lastUpload().entries)
	assert.Equal(t, uint64(1), c.Status().RemoteVersion)
	assert.Empty(t, c.Status().LastError)
}

func TestEditsDuringRetriesAreKept(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{fail: 2}
	cfg := fastConfig()
	cfg.Backoff = 40 * time.Millisecond
	cfg.MaxBackoff = 40 * time.Millisecond
	c := New(store, tr, cfg)
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	waitState(t, c, models.SyncRetryWait)
	_, _, _ = store.Apply(tokenlist.Add(sol))

	waitClean(t, c, store)
	assert.Equal(t, 3, tr.uploadCount())
	last := tr.lastUpload()
	assert.Equal(t, uint64(2), last.version)
	assert.Len(t, last.entries, 2)
	assert.False(t, store.CurrentState().Dirty)
}

func TestEditDuringUploadStaysDirty(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{block: release, started: started}
	c := New(store, tr, fastConfig())
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	<-started
	assert.Equal(t, models.SyncUploading, c.Status().State)

	_, _, _ = store.Apply(tokenlist.Add(sol))
	close(release)

	// the first upload succeeded against version 1 but version 2 is local
	waitClean(t, c, store)
	assert.Equal(t, 2, tr.uploadCount())
	assert.Equal(t, uint64(2), tr.lastUpload().version)
	assert.False(t, store.CurrentState().Dirty)
}

func TestSuccessAgainstOldVersionLeavesDirty(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{block: release, started: started}
	cfg := fastConfig()
	cfg.Debounce = time.Hour
	c := New(store, tr, cfg)
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	c.Retry()
	<-started
	_, _, _ = store.Apply(tokenlist.Add(sol))
	close(release)

	waitState(t, c, models.SyncDirty)
	assert.True(t, store.CurrentState().Dirty)
	assert.Equal(t, 1, tr.uploadCount())
}

func TestRetryExhaustionKeepsEdits(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{fail: 100}
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	c := New(store, tr, cfg)
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	waitState(t, c, models.SyncFailed)

	st := c.Status()
	assert.Equal(t, 3, st.Attempts)
	assert.Contains(t, st.LastError, models.ErrSyncFailed.Error())
	assert.Equal(t, 3, tr.uploadCount())

	state := store.CurrentState()
	assert.True(t, state.Dirty)
	assert.True(t, state.Contains(eth.ID()))

	// further edits do not restart uploads on their own
	_, _, _ = store.Apply(tokenlist.Add(sol))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.SyncFailed, c.Status().State)
	assert.Equal(t, 3, tr.uploadCount())

	tr.mu.Lock()
	tr.fail = 0
	tr.mu.Unlock()
	c.Retry()

	waitClean(t, c, store)
	assert.Equal(t, 4, tr.uploadCount())
	assert.Len(t, tr.lastUpload().entries, 2)
}

func TestConflictIsRetried(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{fail: 1, failWith: models.ErrConflict}
	c := New(store, tr, fastConfig())
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	waitClean(t, c, store)
	assert.Equal(t, 2, tr.uploadCount())
}

func TestConflictRebasesLocalVersion(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{fail: 1, failWith: models.ErrConflict, failAck: 7}
	c := New(store, tr, fastConfig())
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	waitClean(t, c, store)
	assert.Equal(t, 2, tr.uploadCount())
	assert.Equal(t, uint64(8), tr.lastUpload().version)
	assert.Equal(t, uint64(8), c.Status().RemoteVersion)
	assert.Equal(t, uint64(8), store.CurrentState().Version)
}

func TestDebounceCollapsesEdits(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{}
	cfg := fastConfig()
	cfg.Debounce = 30 * time.Millisecond
	c := New(store, tr, cfg)
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	_, _, _ = store.Apply(tokenlist.Add(sol))
	_, _, _ = store.Apply(tokenlist.Add(bnb))

	waitClean(t, c, store)
	assert.Equal(t, 1, tr.uploadCount())
	assert.Equal(t, uint64(3), tr.lastUpload().version)
}

func TestDirtyStateUploadsOnStart(t *testing.T) {
	store := tokenlist.New("wallet", &models.TokenListState{
		Entries: []models.TokenEntry{eth},
		Version: 9,
		Dirty:   true,
	}, nil)
	tr := &fakeTransport{}
	c := New(store, tr, fastConfig())
	assert.Equal(t, models.SyncDirty, c.Status().State)
	start(t, c)

	waitClean(t, c, store)
	assert.Equal(t, uint64(9), tr.lastUpload().version)
}

func TestCleanStatePullsOnStart(t *testing.T) {
	store := tokenlist.New("wallet", &models.TokenListState{Entries: []models.TokenEntry{eth}, Version: 2}, nil)
	tr := &fakeTransport{remote: []models.TokenEntry{eth, sol}, remoteVersion: 5}
	c := New(store, tr, fastConfig())
	start(t, c)

	require.Eventually(t, func() bool {
		return store.CurrentState().Contains(sol.ID())
	}, time.Second, 2*time.Millisecond)
	assert.False(t, store.CurrentState().Dirty)
	assert.Equal(t, 0, tr.uploadCount())
	require.Eventually(t, func() bool {
		return c.Status().RemoteVersion == 5
	}, time.Second, 2*time.Millisecond)
}

func TestPull(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{remote: []models.TokenEntry{sol}, remoteVersion: 3}
	c := New(store, tr, fastConfig())
	defer c.Close()

	_, _, _ = store.Apply(tokenlist.Add(eth))
	_, err := c.Pull(context.Background())
	assert.ErrorIs(t, err, models.ErrLocalChangesPending)
	assert.True(t, store.CurrentState().Contains(eth.ID()))

	require.True(t, store.MarkSynced(store.CurrentState().Version))
	changed, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []models.TokenID{sol.ID()}, store.CurrentState().IDs())

	tr.fetchErr = errors.New("offline")
	_, err = c.Pull(context.Background())
	assert.Error(t, err)
}

func TestPullIgnoresEmptyRemote(t *testing.T) {
	store := tokenlist.New("wallet", &models.TokenListState{Entries: []models.TokenEntry{eth}, Version: 2}, nil)
	c := New(store, &fakeTransport{}, fastConfig())
	defer c.Close()

	changed, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, store.CurrentState().Contains(eth.ID()))
}

func TestBackoff(t *testing.T) {
	cfg := Config{Backoff: time.Second, MaxBackoff: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 4*time.Second, cfg.backoff(3))
	assert.Equal(t, 5*time.Second, cfg.backoff(4))
	assert.Equal(t, 5*time.Second, cfg.backoff(10))
}

func TestStatusSubscription(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	c := New(store, &fakeTransport{}, fastConfig())
	sub := c.Subscribe()
	defer sub.Close()

	first := <-sub.C()
	assert.Equal(t, models.SyncClean, first.State)

	start(t, c)
	_, _, _ = store.Apply(tokenlist.Add(eth))
	waitClean(t, c, store)
	assert.Equal(t, uint64(1), c.Status().LocalVersion)
}

func settledCh(c *Coordinator) <-chan bool {
	ch := make(chan bool, 1)
	c.OnSettled(func(remoteEmpty bool) { ch <- remoteEmpty })
	return ch
}

func TestSettledAfterInitialPull(t *testing.T) {
	t.Run("remote holds a list", func(t *testing.T) {
		store := tokenlist.New("wallet", nil, nil)
		tr := &fakeTransport{remote: []models.TokenEntry{eth, bnb}, remoteVersion: 4}
		c := New(store, tr, fastConfig())
		settled := settledCh(c)
		start(t, c)

		select {
		case empty := <-settled:
			assert.False(t, empty)
		case <-time.After(time.Second):
			t.Fatal("never settled")
		}
		state := store.CurrentState()
		assert.Equal(t, uint64(4), state.Version)
		assert.Len(t, state.Entries, 2)
	})

	t.Run("remote is empty", func(t *testing.T) {
		store := tokenlist.New("wallet", nil, nil)
		c := New(store, &fakeTransport{}, fastConfig())
		settled := settledCh(c)
		start(t, c)

		select {
		case empty := <-settled:
			assert.True(t, empty)
		case <-time.After(time.Second):
			t.Fatal("never settled")
		}
	})

	t.Run("local edits pending", func(t *testing.T) {
		store := tokenlist.New("wallet", &models.TokenListState{Entries: []models.TokenEntry{eth}, Version: 2, Dirty: true}, nil)
		tr := &fakeTransport{remoteVersion: 0}
		c := New(store, tr, fastConfig())
		settled := settledCh(c)
		start(t, c)

		select {
		case empty := <-settled:
			assert.False(t, empty)
		case <-time.After(time.Second):
			t.Fatal("never settled")
		}
		waitClean(t, c, store)
	})
}

func TestInitialPullRetriesFailedFetch(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	tr := &fakeTransport{fetchErr: errors.New("offline")}
	c := New(store, tr, fastConfig())
	settled := settledCh(c)
	start(t, c)

	time.Sleep(30 * time.Millisecond)
	select {
	case <-settled:
		t.Fatal("settled before the remote store answered")
	default:
	}

	tr.mu.Lock()
	tr.fetchErr = nil
	tr.remote, tr.remoteVersion = []models.TokenEntry{sol}, 2
	tr.mu.Unlock()

	select {
	case empty := <-settled:
		assert.False(t, empty)
	case <-time.After(time.Second):
		t.Fatal("never settled")
	}
	assert.Equal(t, []models.TokenID{sol.ID()}, store.CurrentState().IDs())
	assert.Equal(t, 0, tr.uploadCount())
}

// movingStore moves the clean list once, right before the first remote
// apply, the way a concurrent pull would.
type movingStore struct {
	*tokenlist.Store
	once    sync.Once
	entries []models.TokenEntry
	version uint64
}

func (m *movingStore) ApplyRemote(entries []models.TokenEntry, remoteVersion, expectedVersion uint64) (bool, error) {
	m.once.Do(func() {
		_, _ = m.Store.ApplyRemote(m.entries, m.version, expectedVersion)
	})
	return m.Store.ApplyRemote(entries, remoteVersion, expectedVersion)
}

func TestPullAfterConcurrentPull(t *testing.T) {
	store := &movingStore{Store: tokenlist.New("wallet", nil, nil), entries: []models.TokenEntry{eth}, version: 2}
	tr := &fakeTransport{remote: []models.TokenEntry{eth, sol}, remoteVersion: 5}
	c := New(store, tr, fastConfig())
	defer c.Close()

	changed, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	state := store.CurrentState()
	assert.Equal(t, uint64(5), state.Version)
	assert.Len(t, state.Entries, 2)
	assert.False(t, state.Dirty)
}

func TestRetryDuringUploadIsIgnored(t *testing.T) {
	store := tokenlist.New("wallet", nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{block: release, started: started}
	c := New(store, tr, fastConfig())
	start(t, c)

	_, _, _ = store.Apply(tokenlist.Add(eth))
	<-started

	c.Retry()
	c.Retry()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tr.uploadCount())
	assert.Equal(t, models.SyncUploading, c.Status().State)

	close(release)
	waitClean(t, c, store)
	assert.Equal(t, 1, tr.uploadCount())
}

func TestOlderPullKeepsNewerList(t *testing.T) {
	store := &movingStore{Store: tokenlist.New("wallet", nil, nil), entries: []models.TokenEntry{bnb}, version: 7}
	tr := &fakeTransport{remote: []models.TokenEntry{eth, sol}, remoteVersion: 5}
	c := New(store, tr, fastConfig())
	defer c.Close()

	changed, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	state := store.CurrentState()
	assert.Equal(t, uint64(7), state.Version)
	assert.Equal(t, []models.TokenID{bnb.ID()}, state.IDs())
}
