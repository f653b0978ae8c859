// Package syncer reconciles a wallet's local token list with the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"walletsync/pkg/feed"
	"walletsync/pkg/models"

	log "github.com/sirupsen/logrus"
)

// Transport is the remote token-list store. Upload acknowledges the stored
// version; on ErrConflict it returns the version the remote already holds.
type Transport interface {
	Upload(ctx context.Context, id models.WalletIdentity, entries []models.TokenEntry, version uint64) (uint64, error)
	Fetch(ctx context.Context, id models.WalletIdentity) ([]models.TokenEntry, uint64, error)
}

// ListStore is the local token list being synchronized.
type ListStore interface {
	Identity() models.WalletIdentity
	CurrentState() models.TokenListState
	Subscribe() *feed.Subscription[models.TokenListState]
	MarkSynced(version uint64) bool
	ApplyRemote(entries []models.TokenEntry, remoteVersion, expectedVersion uint64) (bool, error)
	Rebase(above uint64) uint64
}

type Config struct {
	Debounce      time.Duration
	Backoff       time.Duration
	MaxBackoff    time.Duration
	MaxAttempts   int
	UploadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Second
	}
	return c
}

// backoff returns the wait after the n-th failed attempt.
func (c Config) backoff(n int) time.Duration {
	d := c.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

type uploadResult struct {
	version uint64
	ack     uint64
	err     error
}

// Coordinator drives the upload state machine of one wallet. At most one
// upload is in flight at any time.
type Coordinator struct {
	store     ListStore
	transport Transport
	cfg       Config
	retry     chan struct{}
	// settled runs once Run has reconciled with the remote store.
	settled func(remoteEmpty bool)

	mu     sync.Mutex
	status models.SyncStatus
	feed   *feed.Feed[models.SyncStatus]
}

func New(store ListStore, transport Transport, cfg Config) *Coordinator {
	st := store.CurrentState()
	c := &Coordinator{
		store:     store,
		transport: transport,
		cfg:       cfg.withDefaults(),
		retry:     make(chan struct{}, 1),
		feed:      feed.New[models.SyncStatus](),
		status: models.SyncStatus{
			State:        models.SyncClean,
			LocalVersion: st.Version,
			UpdatedAt:    time.Now(),
		},
	}
	if st.Dirty {
		c.status.State = models.SyncDirty
	}
	c.feed.Publish(c.status)
	return c
}

// Status returns the latest status.
func (c *Coordinator) Status() models.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe returns a subscription to status changes.
func (c *Coordinator) Subscribe() *feed.Subscription[models.SyncStatus] {
	return c.feed.Subscribe()
}

// Retry moves a failed coordinator back to Dirty and uploads right away. On a
// dirty coordinator it skips the remaining debounce or backoff wait.
func (c *Coordinator) Retry() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// OnSettled registers fn to run once per Run, after the first reconciliation
// with the remote store: right away when local edits are pending, otherwise
// after the initial pull. remoteEmpty is true only when that pull found no
// list for this wallet. It must be called before Run.
func (c *Coordinator) OnSettled(fn func(remoteEmpty bool)) {
	c.settled = fn
}

// Pull fetches the remote list and replaces the local one with it. It fails
// with ErrLocalChangesPending while local edits wait to be uploaded.
func (c *Coordinator) Pull(ctx context.Context) (bool, error) {
	changed, _, err := c.pull(ctx)
	return changed, err
}

// maxStaleApplies bounds how often a fetched list is re-applied when the
// local list moves under it.
const maxStaleApplies = 3

func (c *Coordinator) pull(ctx context.Context) (bool, uint64, error) {
	local := c.store.CurrentState()
	if local.Dirty {
		return false, 0, models.ErrLocalChangesPending
	}

	entries, remoteVersion, err := c.transport.Fetch(ctx, c.store.Identity())
	if err != nil {
		return false, 0, fmt.Errorf("fetching remote token list: %w", err)
	}
	// nothing was ever uploaded for this wallet
	if remoteVersion == 0 {
		return false, 0, nil
	}
	c.update(func(s *models.SyncStatus) {
		if remoteVersion > s.RemoteVersion {
			s.RemoteVersion = remoteVersion
		}
	})

	var changed bool
	for i := 0; ; i++ {
		changed, err = c.store.ApplyRemote(entries, remoteVersion, local.Version)
		if !errors.Is(err, models.ErrStalePull) || i+1 >= maxStaleApplies {
			break
		}
		// another pull or upload moved the clean list; the fetched list
		// still wins only if it is ahead of the new local version
		local = c.store.CurrentState()
		if !local.Dirty && remoteVersion <= local.Version {
			return false, remoteVersion, nil
		}
	}
	if err != nil {
		return false, remoteVersion, err
	}
	if changed {
		log.WithFields(log.Fields{
			"wallet":  c.store.Identity().Short(),
			"remote":  remoteVersion,
			"entries": len(entries),
		}).Info("applied remote token list")
	}
	return changed, remoteVersion, nil
}

// initialPull reconciles a clean list with the remote store, retrying failed
// fetches with backoff, then runs the settled hook.
func (c *Coordinator) initialPull(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		_, remoteVersion, err := c.pull(ctx)
		switch {
		case err == nil:
			c.settle(remoteVersion == 0)
			return
		case errors.Is(err, models.ErrInvalidEntry):
			log.WithError(err).Warn("ignoring invalid remote token list")
			c.settle(false)
			return
		case errors.Is(err, models.ErrLocalChangesPending), errors.Is(err, models.ErrStalePull):
			c.settle(false)
			return
		}
		if c.settled == nil {
			log.WithError(err).Warn("initial token list pull failed")
			return
		}
		wait := c.cfg.backoff(attempt)
		log.WithFields(log.Fields{
			"wallet":  c.store.Identity().Short(),
			"attempt": attempt,
			"wait":    wait,
		}).WithError(err).Warn("initial token list pull failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Coordinator) settle(remoteEmpty bool) {
	if c.settled != nil {
		c.settled(remoteEmpty)
	}
}

// Run processes edits and upload results until ctx is done. A dirty list
// schedules an upload; a clean one is refreshed from the remote store.
func (c *Coordinator) Run(ctx context.Context) {
	sub := c.store.Subscribe()
	defer sub.Close()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		backoff   *time.Timer
		backoffC  <-chan time.Time
		uploading bool
		results   = make(chan uploadResult, 1)
	)

	stopTimers := func() {
		if debounce != nil {
			debounce.Stop()
			debounce, debounceC = nil, nil
		}
		if backoff != nil {
			backoff.Stop()
			backoff, backoffC = nil, nil
		}
	}
	defer stopTimers()

	schedule := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(c.cfg.Debounce)
		debounceC = debounce.C
	}

	upload := func() {
		stopTimers()
		st := c.store.CurrentState()
		if !st.Dirty {
			c.update(func(s *models.SyncStatus) {
				s.State = models.SyncClean
				s.Attempts = 0
				s.LocalVersion = st.Version
			})
			return
		}

		uploading = true
		var attempt int
		c.update(func(s *models.SyncStatus) {
			s.State = models.SyncUploading
			s.Attempts++
			s.LocalVersion = st.Version
			attempt = s.Attempts
		})
		log.WithFields(log.Fields{
			"wallet":  c.store.Identity().Short(),
			"version": st.Version,
			"attempt": attempt,
		}).Debug("uploading token list")

		go func() {
			uctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
			defer cancel()
			ack, err := c.transport.Upload(uctx, c.store.Identity(), st.Entries, st.Version)
			results <- uploadResult{version: st.Version, ack: ack, err: err}
		}()
	}

	pulled := make(chan struct{})
	defer func() { <-pulled }()
	if c.store.CurrentState().Dirty {
		close(pulled)
		schedule()
		c.settle(false)
	} else {
		go func() {
			defer close(pulled)
			c.initialPull(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case st, ok := <-sub.C():
			if !ok {
				return
			}
			cur := c.Status()
			if cur.State == models.SyncFailed || cur.State == models.SyncUploading ||
				cur.State == models.SyncRetryWait {
				c.update(func(s *models.SyncStatus) { s.LocalVersion = st.Version })
				continue
			}
			if st.Dirty {
				c.update(func(s *models.SyncStatus) {
					s.State = models.SyncDirty
					s.LocalVersion = st.Version
				})
				schedule()
			} else {
				stopTimers()
				c.update(func(s *models.SyncStatus) {
					s.State = models.SyncClean
					s.LocalVersion = st.Version
				})
			}

		case <-debounceC:
			debounce, debounceC = nil, nil
			upload()

		case <-backoffC:
			backoff, backoffC = nil, nil
			upload()

		case <-c.retry:
			if uploading {
				continue
			}
			if c.Status().State == models.SyncFailed {
				c.update(func(s *models.SyncStatus) {
					s.State = models.SyncDirty
					s.Attempts = 0
				})
			}
			upload()

		case res := <-results:
			uploading = false
			if res.err == nil {
				synced := c.store.MarkSynced(res.version)
				c.update(func(s *models.SyncStatus) {
					s.RemoteVersion = res.ack
					s.Attempts = 0
					s.LastError = ""
					if synced {
						s.State = models.SyncClean
					} else {
						s.State = models.SyncDirty
					}
				})
				if !synced {
					schedule()
				}
				continue
			}

			if ctx.Err() != nil {
				return
			}
			if errors.Is(res.err, models.ErrConflict) && res.ack > 0 {
				// local edits are newer than whatever the remote holds
				c.store.Rebase(res.ack)
			}
			attempts := c.Status().Attempts
			if attempts >= c.cfg.MaxAttempts {
				failure := fmt.Errorf("%w: %v", models.ErrSyncFailed, res.err)
				c.update(func(s *models.SyncStatus) {
					s.State = models.SyncFailed
					s.LastError = failure.Error()
				})
				log.WithField("wallet", c.store.Identity().Short()).WithError(failure).Error("giving up token list upload")
				continue
			}

			wait := c.cfg.backoff(attempts)
			c.update(func(s *models.SyncStatus) {
				s.State = models.SyncRetryWait
				s.LastError = res.err.Error()
			})
			log.WithFields(log.Fields{
				"wallet":  c.store.Identity().Short(),
				"attempt": attempts,
				"wait":    wait,
			}).WithError(res.err).Warn("token list upload failed")
			backoff = time.NewTimer(wait)
			backoffC = backoff.C
		}
	}
}

// Close ends every status subscription.
func (c *Coordinator) Close() {
	c.feed.Close()
}

func (c *Coordinator) update(fn func(*models.SyncStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
	c.status.UpdatedAt = time.Now()
	c.feed.Publish(c.status)
}
