package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"walletsync/pkg/models"

	log "github.com/sirupsen/logrus"
)

// Memory is an in-process remote store. An upload is accepted when its
// version is ahead of the stored one, or equal with identical entries.
type Memory struct {
	mu    sync.Mutex
	lists map[models.WalletIdentity]TokenList
}

func NewMemory() *Memory {
	return &Memory{lists: make(map[models.WalletIdentity]TokenList)}
}

func (m *Memory) Upload(ctx context.Context, id models.WalletIdentity, entries []models.TokenEntry, version uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.lists[id]
	if ok && (version < cur.Version || (version == cur.Version && !sameEntries(entries, cur.Entries))) {
		return cur.Version, models.ErrConflict
	}
	m.lists[id] = TokenList{
		Version: version,
		Entries: append([]models.TokenEntry(nil), entries...),
	}
	return version, nil
}

func (m *Memory) Fetch(ctx context.Context, id models.WalletIdentity) ([]models.TokenEntry, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.lists[id]
	if !ok {
		return nil, 0, nil
	}
	return append([]models.TokenEntry(nil), cur.Entries...), cur.Version, nil
}

// Handler serves a Memory store over the HTTP protocol Client speaks:
// GET and PUT on /wallets/{id}/tokens.
func Handler(m *Memory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseTokensPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			entries, version, _ := m.Fetch(r.Context(), id)
			if version == 0 {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, http.StatusOK, TokenList{Version: version, Entries: entries})

		case http.MethodPut:
			var list TokenList
			if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			version, err := m.Upload(r.Context(), id, list.Entries, list.Version)
			if err != nil {
				writeJSON(w, http.StatusConflict, TokenList{Version: version})
				return
			}
			log.WithFields(log.Fields{
				"wallet":  id.Short(),
				"version": version,
				"key":     r.Header.Get("Idempotency-Key"),
			}).Debug("token list stored")
			writeJSON(w, http.StatusOK, TokenList{Version: version})

		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func parseTokensPath(path string) (models.WalletIdentity, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return "", false
	}
	parts = parts[len(parts)-3:]
	if parts[0] != "wallets" || parts[2] != "tokens" || parts[1] == "" {
		return "", false
	}
	return models.WalletIdentity(parts[1]), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
