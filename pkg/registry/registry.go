// Package registry keeps exactly one live balance manager per tracked token.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"walletsync/pkg/feed"
	"walletsync/pkg/models"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// BalanceSource fetches the current balance of one token.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
}

// ManagerFactory creates the balance source backing a token entry.
type ManagerFactory interface {
	MakeManager(entry models.TokenEntry) (BalanceSource, error)
}

// Sink receives the tracked entry set and balance results.
type Sink interface {
	SetEntries(version uint64, entries []models.TokenEntry)
	Update(id models.TokenID, state models.BalanceState)
}

type Options struct {
	FetchTimeout    time.Duration
	RefreshInterval time.Duration
}

const timeoutReason = "timeout"

type handle struct {
	entry   models.TokenEntry
	source  BalanceSource
	cancel  context.CancelFunc
	refresh chan struct{}
}

// Registry reconciles balance managers with the token list. Sync is the only
// writer of the manager set; results from a handle are forwarded to the sink
// only while that handle is still live.
type Registry struct {
	mu      sync.Mutex
	factory ManagerFactory
	sink    Sink
	opts    Options
	handles map[models.TokenID]*handle
	failed  map[models.TokenID]models.TokenEntry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

func New(factory ManagerFactory, sink Sink, opts Options) *Registry {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory: factory,
		sink:    sink,
		opts:    opts,
		handles: make(map[models.TokenID]*handle),
		failed:  make(map[models.TokenID]models.TokenEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run applies every token list snapshot delivered on sub until ctx is done or
// the subscription closes.
func (r *Registry) Run(ctx context.Context, sub *feed.Subscription[models.TokenListState]) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-sub.C():
			if !ok {
				return
			}
			r.Sync(state)
		}
	}
}

// Sync makes the manager set match state: handles of removed or changed
// entries are cancelled, new entries get a fresh handle.
func (r *Registry) Sync(state models.TokenListState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	want := make(map[models.TokenID]models.TokenEntry, len(state.Entries))
	for _, e := range state.Entries {
		want[e.ID()] = e
	}

	for id, h := range r.handles {
		if e, ok := want[id]; !ok || e != h.entry {
			h.cancel()
			delete(r.handles, id)
			log.WithField("token", id).Debug("balance manager stopped")
		}
	}
	for id, e := range r.failed {
		if cur, ok := want[id]; !ok || cur != e {
			delete(r.failed, id)
		}
	}

	r.sink.SetEntries(state.Version, state.Entries)

	for _, e := range state.Entries {
		id := e.ID()
		if _, ok := r.handles[id]; ok {
			continue
		}
		if _, ok := r.failed[id]; ok {
			continue
		}
		r.startLocked(e)
	}
}

func (r *Registry) startLocked(e models.TokenEntry) {
	id := e.ID()
	source, err := r.factory.MakeManager(e)
	if err != nil {
		r.failed[id] = e
		r.sink.Update(id, models.Failed(err.Error()))
		log.WithField("token", id).WithError(err).Warn("failed to create balance manager")
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	h := &handle{
		entry:   e,
		source:  source,
		cancel:  cancel,
		refresh: make(chan struct{}, 1),
	}
	r.handles[id] = h

	r.wg.Add(1)
	go r.loop(ctx, h)
	log.WithField("token", id).Debug("balance manager started")
}

func (r *Registry) loop(ctx context.Context, h *handle) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		r.fetch(ctx, h)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.refresh:
		}
	}
}

type fetchResult struct {
	amount decimal.Decimal
	err    error
}

func (r *Registry) fetch(ctx context.Context, h *handle) {
	fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		amount, err := h.source.FetchBalance(fctx)
		ch <- fetchResult{amount, err}
	}()

	var state models.BalanceState
	select {
	case res := <-ch:
		switch {
		case res.err == nil:
			state = models.Value(res.amount, time.Now())
		case ctx.Err() != nil:
			return
		case errors.Is(res.err, context.DeadlineExceeded):
			state = models.Failed(timeoutReason)
		default:
			state = models.Failed(res.err.Error())
		}
	case <-fctx.Done():
		if ctx.Err() != nil {
			return
		}
		state = models.Failed(timeoutReason)
	}
	r.report(h, state)
}

func (r *Registry) report(h *handle, state models.BalanceState) {
	id := h.entry.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] != h {
		log.WithField("token", id).Debug("dropping result of stopped balance manager")
		return
	}
	if state.Kind == models.BalanceFailed {
		log.WithFields(log.Fields{"token": id, "reason": state.Reason}).Warn("balance fetch failed")
	}
	r.sink.Update(id, state)
}

// Refresh triggers an immediate fetch on every live handle and retries the
// creation of managers that previously failed.
func (r *Registry) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for _, h := range r.handles {
		select {
		case h.refresh <- struct{}{}:
		default:
		}
	}

	retry := make([]models.TokenEntry, 0, len(r.failed))
	for id, e := range r.failed {
		retry = append(retry, e)
		delete(r.failed, id)
	}
	for _, e := range retry {
		r.startLocked(e)
	}
}

// Live returns the ids that currently have a running manager.
func (r *Registry) Live() []models.TokenID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]models.TokenID, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Close stops every manager and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, h := range r.handles {
		h.cancel()
		delete(r.handles, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
