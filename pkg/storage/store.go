// Package storage persists per-wallet state in a badgerhold store.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"walletsync/pkg/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

type tokenListRecord struct {
	Entries []models.TokenEntry
	Version uint64
	Dirty   bool
}

type keysRecord struct {
	Entries []models.KeyEntry
}

type walletRecord struct {
	Name    string
	CardIDs []string
}

// Store is the wallet persistence layer. An empty datadir keeps everything in
// memory.
type Store struct {
	db   *badgerhold.Store
	stop chan struct{}
}

func NewStore(datadir string, logger badger.Logger) (*Store, error) {
	var dir string
	if len(datadir) > 0 {
		dir = filepath.Join(datadir, "db")
	}
	db, err := createDb(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening wallet db: %w", err)
	}

	s := &Store{db: db, stop: make(chan struct{})}
	if len(dir) > 0 {
		go s.gcLoop()
	}
	return s, nil
}

// LoadTokenList returns the stored token list, or nil when none was saved.
func (s *Store) LoadTokenList(id models.WalletIdentity) (*models.TokenListState, error) {
	var rec tokenListRecord
	if err := s.db.Get(tokenListKey(id), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &models.TokenListState{
		Entries: rec.Entries,
		Version: rec.Version,
		Dirty:   rec.Dirty,
	}, nil
}

func (s *Store) SaveTokenList(id models.WalletIdentity, state models.TokenListState) error {
	return s.db.Upsert(tokenListKey(id), &tokenListRecord{
		Entries: state.Entries,
		Version: state.Version,
		Dirty:   state.Dirty,
	})
}

func (s *Store) LoadKeys(id models.WalletIdentity) ([]models.KeyEntry, error) {
	var rec keysRecord
	if err := s.db.Get(keysKey(id), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec.Entries, nil
}

func (s *Store) SaveKeys(id models.WalletIdentity, entries []models.KeyEntry) error {
	return s.db.Upsert(keysKey(id), &keysRecord{Entries: entries})
}

func (s *Store) LoadWallet(id models.WalletIdentity) (*models.WalletRecord, error) {
	var rec walletRecord
	if err := s.db.Get(walletKey(id), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &models.WalletRecord{Name: rec.Name, CardIDs: rec.CardIDs}, nil
}

func (s *Store) SaveWallet(id models.WalletIdentity, record models.WalletRecord) error {
	return s.db.Upsert(walletKey(id), &walletRecord{Name: record.Name, CardIDs: record.CardIDs})
}

func (s *Store) Close() error {
	close(s.stop)
	return s.db.Close()
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.db.Badger().RunValueLogGC(0.5); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) {
				log.Error(err)
			}
		case <-s.stop:
			return
		}
	}
}

func tokenListKey(id models.WalletIdentity) string {
	return "tokens/" + id.String()
}

func keysKey(id models.WalletIdentity) string {
	return "keys/" + id.String()
}

func walletKey(id models.WalletIdentity) string {
	return "wallet/" + id.String()
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
