// Package tokenlist owns the set of tokens a wallet tracks.
package tokenlist

import (
	"fmt"
	"strings"
	"sync"

	"walletsync/pkg/feed"
	"walletsync/pkg/models"

	log "github.com/sirupsen/logrus"
)

// Persister saves token list snapshots.
type Persister interface {
	SaveTokenList(id models.WalletIdentity, state models.TokenListState) error
}

type EditKind int

const (
	EditAdd EditKind = iota
	EditRemove
	EditReplaceAll
)

// Edit is a local change to the token list.
type Edit struct {
	Kind    EditKind
	Entry   models.TokenEntry
	Entries []models.TokenEntry
}

func Add(e models.TokenEntry) Edit {
	return Edit{Kind: EditAdd, Entry: e}
}

func Remove(e models.TokenEntry) Edit {
	return Edit{Kind: EditRemove, Entry: e}
}

// RemoveID builds a Remove edit from an identity alone.
func RemoveID(id models.TokenID) Edit {
	return Remove(models.TokenEntry{Chain: id.Chain, ContractAddress: id.Contract})
}

func ReplaceAll(entries []models.TokenEntry) Edit {
	return Edit{Kind: EditReplaceAll, Entries: entries}
}

// Store serializes every mutation of one wallet's token list and publishes
// each resulting snapshot.
type Store struct {
	mu        sync.Mutex
	identity  models.WalletIdentity
	state     models.TokenListState
	persister Persister
	feed      *feed.Feed[models.TokenListState]
	locked    bool
}

// New creates a store rehydrated from initial, which may be nil.
func New(identity models.WalletIdentity, initial *models.TokenListState, persister Persister) *Store {
	s := &Store{
		identity:  identity,
		persister: persister,
		feed:      feed.New[models.TokenListState](),
	}
	if initial != nil {
		entries, _ := dedupe(initial.Entries, false)
		s.state = models.TokenListState{
			Entries: entries,
			Version: initial.Version,
			Dirty:   initial.Dirty,
		}
	}
	s.feed.Publish(s.state.Clone())
	return s
}

// NewLocked returns an empty store that ignores every edit, used while a
// wallet is locked.
func NewLocked(identity models.WalletIdentity) *Store {
	s := New(identity, nil, nil)
	s.locked = true
	return s
}

func (s *Store) Identity() models.WalletIdentity {
	return s.identity
}

// CurrentState returns a snapshot of the token list.
func (s *Store) CurrentState() models.TokenListState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe returns a subscription that receives the current snapshot and
// every later one.
func (s *Store) Subscribe() *feed.Subscription[models.TokenListState] {
	return s.feed.Subscribe()
}

// Apply performs a local edit. Adding a present entry or removing an absent
// one is a no-op and reports changed=false.
func (s *Store) Apply(edit Edit) (state models.TokenListState, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return s.state.Clone(), false, nil
	}

	var next []models.TokenEntry
	switch edit.Kind {
	case EditAdd:
		next, changed, err = s.add(edit.Entry)
	case EditRemove:
		next, changed = s.remove(edit.Entry.ID())
	case EditReplaceAll:
		next, changed, err = s.replaceAll(edit.Entries)
	default:
		err = fmt.Errorf("%w: unknown edit kind %d", models.ErrInvalidEntry, edit.Kind)
	}
	if err != nil || !changed {
		return s.state.Clone(), false, err
	}

	s.commitLocked(models.TokenListState{
		Entries: next,
		Version: s.state.Version + 1,
		Dirty:   true,
	})
	return s.state.Clone(), true, nil
}

func (s *Store) add(e models.TokenEntry) ([]models.TokenEntry, bool, error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	e = e.Normalized()
	if existing, ok := s.state.Find(e.ID()); ok {
		if !strings.EqualFold(existing.Symbol, e.Symbol) {
			return nil, false, fmt.Errorf(
				"%w: %s already tracked as %s", models.ErrInvalidEntry, e.ID(), existing.Symbol,
			)
		}
		return nil, false, nil
	}
	next := append(append([]models.TokenEntry(nil), s.state.Entries...), e)
	models.SortEntries(next)
	return next, true, nil
}

func (s *Store) remove(id models.TokenID) ([]models.TokenEntry, bool) {
	next := make([]models.TokenEntry, 0, len(s.state.Entries))
	for _, e := range s.state.Entries {
		if e.ID() != id {
			next = append(next, e)
		}
	}
	return next, len(next) != len(s.state.Entries)
}

func (s *Store) replaceAll(entries []models.TokenEntry) ([]models.TokenEntry, bool, error) {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, false, err
		}
	}
	next, err := dedupe(entries, true)
	if err != nil {
		return nil, false, err
	}
	return next, !sameEntries(next, s.state.Entries), nil
}

// MarkSynced clears the dirty flag if version is still the current version.
// It reports whether the list is now clean.
func (s *Store) MarkSynced(version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Version != version {
		return false
	}
	if !s.state.Dirty {
		return true
	}
	next := s.state.Clone()
	next.Dirty = false
	s.commitLocked(next)
	return true
}

// ApplyRemote replaces the whole list with the remote one and adopts
// remoteVersion when it is ahead. It is rejected with ErrLocalChangesPending
// when local edits are pending, and with ErrStalePull when the clean list
// moved past expectedVersion since the caller looked at it.
func (s *Store) ApplyRemote(entries []models.TokenEntry, remoteVersion, expectedVersion uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return false, nil
	}
	if s.state.Dirty {
		return false, models.ErrLocalChangesPending
	}
	if s.state.Version != expectedVersion {
		return false, models.ErrStalePull
	}
	next, err := dedupe(entries, true)
	if err != nil {
		return false, err
	}
	same := sameEntries(next, s.state.Entries)
	if same && remoteVersion <= s.state.Version {
		return false, nil
	}

	version := s.state.Version + 1
	if same || remoteVersion > version {
		version = remoteVersion
	}
	s.commitLocked(models.TokenListState{
		Entries: next,
		Version: version,
		Dirty:   false,
	})
	return !same, nil
}

// Rebase moves the local version past above, keeping entries and the dirty
// flag. It lets pending local edits supersede a newer remote list.
func (s *Store) Rebase(above uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked || s.state.Version > above {
		return s.state.Version
	}
	next := s.state.Clone()
	next.Version = above + 1
	s.commitLocked(next)
	return next.Version
}

// Close ends every subscription.
func (s *Store) Close() {
	s.feed.Close()
}

func (s *Store) commitLocked(next models.TokenListState) {
	s.state = next
	snapshot := next.Clone()
	if s.persister != nil {
		if err := s.persister.SaveTokenList(s.identity, snapshot); err != nil {
			log.WithError(err).WithField("wallet", s.identity.Short()).Error("failed to persist token list")
		}
	}
	log.WithFields(log.Fields{
		"wallet":  s.identity.Short(),
		"version": next.Version,
		"dirty":   next.Dirty,
		"entries": len(next.Entries),
	}).Debug("token list updated")
	s.feed.Publish(snapshot)
}

// dedupe normalizes and sorts entries. Repeated identities collapse into one
// entry; when their symbols disagree strict mode fails and lenient mode keeps
// the first one.
func dedupe(entries []models.TokenEntry, strict bool) ([]models.TokenEntry, error) {
	byID := make(map[models.TokenID]models.TokenEntry, len(entries))
	out := make([]models.TokenEntry, 0, len(entries))
	for _, e := range entries {
		e = e.Normalized()
		if prev, ok := byID[e.ID()]; ok {
			if strict && !strings.EqualFold(prev.Symbol, e.Symbol) {
				return nil, fmt.Errorf(
					"%w: %s listed as both %s and %s", models.ErrInvalidEntry, e.ID(), prev.Symbol, e.Symbol,
				)
			}
			continue
		}
		byID[e.ID()] = e
		out = append(out, e)
	}
	models.SortEntries(out)
	return out, nil
}

func sameEntries(a, b []models.TokenEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
