// Package keys holds the per-curve public keys of a wallet and the child keys
// derived from them.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"walletsync/pkg/models"

	log "github.com/sirupsen/logrus"
)

// Provisioner derives child public keys on the wallet's secure element.
type Provisioner interface {
	DerivePublicKeys(ctx context.Context, curve models.Curve, paths []string) (map[string][]byte, error)
}

// KeyStore holds one KeyEntry per curve. Derived keys are only appended.
type KeyStore struct {
	mu          sync.RWMutex
	entries     map[models.Curve]models.KeyEntry
	unsupported map[models.Curve]error
	onChange    func([]models.KeyEntry)
}

func NewKeyStore(entries []models.KeyEntry) *KeyStore {
	ks := &KeyStore{
		entries:     make(map[models.Curve]models.KeyEntry),
		unsupported: make(map[models.Curve]error),
	}
	ks.merge(entries)
	return ks
}

// OnChange registers fn to be called with a snapshot of all entries after
// every mutation.
func (ks *KeyStore) OnChange(fn func([]models.KeyEntry)) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.onChange = fn
}

// Merge adds entries for unknown curves and appends derived keys for known
// ones. Existing seed keys are never replaced.
func (ks *KeyStore) Merge(entries []models.KeyEntry) {
	ks.mu.Lock()
	changed := ks.merge(entries)
	snapshot, fn := ks.snapshotLocked(), ks.onChange
	ks.mu.Unlock()

	if changed && fn != nil {
		fn(snapshot)
	}
}

func (ks *KeyStore) merge(entries []models.KeyEntry) bool {
	changed := false
	for _, e := range entries {
		current, ok := ks.entries[e.Curve]
		if !ok {
			ks.entries[e.Curve] = e.Clone()
			changed = true
			continue
		}
		if ks.appendLocked(&current, e.DerivedKeys) > 0 {
			ks.entries[e.Curve] = current
			changed = true
		}
	}
	return changed
}

// Entry returns a copy of the entry for curve.
func (ks *KeyStore) Entry(curve models.Curve) (models.KeyEntry, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.entries[curve]
	if !ok {
		return models.KeyEntry{}, false
	}
	return e.Clone(), true
}

// Entries returns copies of all entries ordered by curve.
func (ks *KeyStore) Entries() []models.KeyEntry {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.snapshotLocked()
}

func (ks *KeyStore) snapshotLocked() []models.KeyEntry {
	out := make([]models.KeyEntry, 0, len(ks.entries))
	for _, e := range ks.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Curve < out[j].Curve })
	return out
}

// PublicKey returns the key to use for path on curve. When path is empty or
// has not been derived the seed key is returned and derived is false.
func (ks *KeyStore) PublicKey(curve models.Curve, path string) (key []byte, derived bool, err error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	e, ok := ks.entries[curve]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", models.ErrNoKeyForCurve, curve)
	}
	if path != "" {
		if k, ok := e.DerivedKeys[path]; ok {
			return append([]byte(nil), k...), true, nil
		}
	}
	return append([]byte(nil), e.PublicKeySeed...), false, nil
}

// Missing returns the paths on curve that have not been derived yet.
func (ks *KeyStore) Missing(curve models.Curve, paths []string) []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	e := ks.entries[curve]
	var missing []string
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if _, ok := e.DerivedKeys[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// AppendDerived stores derived keys for paths not known yet and returns how
// many were added.
func (ks *KeyStore) AppendDerived(curve models.Curve, derived map[string][]byte) (int, error) {
	ks.mu.Lock()
	e, ok := ks.entries[curve]
	if !ok {
		ks.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", models.ErrNoKeyForCurve, curve)
	}
	added := ks.appendLocked(&e, derived)
	ks.entries[curve] = e
	snapshot, fn := ks.snapshotLocked(), ks.onChange
	ks.mu.Unlock()

	if added > 0 && fn != nil {
		fn(snapshot)
	}
	return added, nil
}

func (ks *KeyStore) appendLocked(e *models.KeyEntry, derived map[string][]byte) int {
	if e.DerivedKeys == nil {
		e.DerivedKeys = make(map[string][]byte)
	}
	added := 0
	for path, key := range derived {
		if _, exists := e.DerivedKeys[path]; exists || len(key) == 0 {
			continue
		}
		e.DerivedKeys[path] = append([]byte(nil), key...)
		added++
	}
	return added
}

// Derive requests the missing paths on curve from the provisioner and
// appends the result. ErrDerivationUnsupported is remembered per curve: it is
// logged once and returned without asking the provisioner again.
func (ks *KeyStore) Derive(ctx context.Context, p Provisioner, curve models.Curve, paths []string) error {
	ks.mu.RLock()
	err, unsupported := ks.unsupported[curve]
	_, known := ks.entries[curve]
	ks.mu.RUnlock()

	if unsupported {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", models.ErrNoKeyForCurve, curve)
	}

	missing := ks.Missing(curve, paths)
	if len(missing) == 0 {
		return nil
	}

	derived, err := p.DerivePublicKeys(ctx, curve, missing)
	if err != nil {
		if errors.Is(err, models.ErrDerivationUnsupported) {
			ks.mu.Lock()
			ks.unsupported[curve] = err
			ks.mu.Unlock()
			log.WithField("curve", curve).WithError(err).Warn("key derivation unsupported")
		}
		return err
	}

	added, err := ks.AppendDerived(curve, derived)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"curve": curve, "added": added}).Debug("derived keys appended")
	return nil
}
