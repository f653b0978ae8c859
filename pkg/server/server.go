package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Wallet is the wallet surface served over HTTP.
type Wallet interface {
	Identity() models.WalletIdentity
	Name() string
	CardIDs() []string
	Tokens() models.TokenListState
	Snapshot() models.AggregateBalance
	PartialTotal() models.AggregateBalance
	Sync() models.SyncStatus
	Accounts() map[string]string
	AddToken(ctx context.Context, entry models.TokenEntry) (models.TokenListState, error)
	RemoveToken(id models.TokenID) (models.TokenListState, error)
	ReplaceTokens(entries []models.TokenEntry) (models.TokenListState, error)
	RefreshBalances()
	RefreshFromRemote(ctx context.Context) (bool, error)
	RetrySync()
}

// Events is the live event hub.
type Events interface {
	Subscribe() watcher.Subscriber
	Unsubscribe(ch watcher.Subscriber)
	GetPrices() map[string]decimal.Decimal
}

// TokenFinder completes a token entry from its contract.
type TokenFinder interface {
	FindToken(ctx context.Context, chain, contract string) (models.TokenEntry, error)
}

type Status struct {
	Identity models.WalletIdentity      `json:"identity"`
	Name     string                     `json:"name"`
	CardIDs  []string                   `json:"card_ids"`
	Accounts map[string]string          `json:"accounts"`
	Tokens   models.TokenListState      `json:"tokens"`
	Balance  models.AggregateBalance    `json:"balance"`
	Sync     models.SyncStatus          `json:"sync"`
	Prices   map[string]decimal.Decimal `json:"prices"`
}

type Server struct {
	wallet  Wallet
	events  Events
	finder  TokenFinder
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	mux     *http.ServeMux
}

func NewServer(wallet Wallet, events Events) *Server {
	s := &Server{
		wallet:  wallet,
		events:  events,
		clients: make(map[*websocket.Conn]bool),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// SetTokenFinder enables adding tokens by contract address only.
func (s *Server) SetTokenFinder(f TokenFinder) {
	s.finder = f
}

// Mount serves h under prefix next to the API.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.mux.Handle(prefix, h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/tokens", s.handleTokens)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/sync/retry", s.handleRetry)
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start(port int) error {
	go s.listenToWatcher()

	log.Infof("API server listening on :%d", port)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) status() Status {
	return Status{
		Identity: s.wallet.Identity(),
		Name:     s.wallet.Name(),
		CardIDs:  s.wallet.CardIDs(),
		Accounts: s.wallet.Accounts(),
		Tokens:   s.wallet.Tokens(),
		Balance:  s.wallet.Snapshot(),
		Sync:     s.wallet.Sync(),
		Prices:   s.events.GetPrices(),
	}
}

// handleStatus reports the wallet state. With best_effort=1 the balance is
// computed on demand and sums whatever has resolved so far.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	st := s.status()
	if r.URL.Query().Get("best_effort") == "1" {
		st.Balance = s.wallet.PartialTotal()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.wallet.Tokens())

	case http.MethodPost:
		var entry models.TokenEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if entry.Symbol == "" && entry.ContractAddress != "" && s.finder != nil {
			found, err := s.finder.FindToken(r.Context(), entry.Chain, entry.ContractAddress)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			found.PriceID = entry.PriceID
			entry = found
		}
		state, err := s.wallet.AddToken(r.Context(), entry)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case http.MethodPut:
		var entries []models.TokenEntry
		if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		state, err := s.wallet.ReplaceTokens(entries)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case http.MethodDelete:
		q := r.URL.Query()
		id, err := models.ParseTokenID(strings.TrimSpace(q.Get("chain")) + ":" + strings.TrimSpace(q.Get("contract")))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		state, err := s.wallet.RemoveToken(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	default:
		methodNotAllowed(w, "GET, POST, PUT, DELETE")
	}
}

// handleRefresh refetches every balance. With remote=1 the token list is
// also pulled from the remote store.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.wallet.RefreshBalances()

	changed := false
	if r.URL.Query().Get("remote") == "1" {
		var err error
		changed, err = s.wallet.RefreshFromRemote(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"token_list_changed": changed})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.wallet.RetrySync()
	writeJSON(w, http.StatusAccepted, s.wallet.Sync())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	s.clients[conn] = true
	// initial state is written under the lock so no event overtakes it
	err = conn.WriteJSON(map[string]interface{}{
		"type": "initial",
		"data": s.status(),
	})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()
	if err != nil {
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) listenToWatcher() {
	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	for event := range sub {
		s.broadcast(event)
	}
}

func (s *Server) broadcast(event watcher.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		if err := client.WriteJSON(event); err != nil {
			_ = client.Close()
			delete(s.clients, client)
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidEntry),
		errors.Is(err, models.ErrInvalidAddress),
		errors.Is(err, models.ErrUnsupportedChain),
		errors.Is(err, models.ErrNoKeyForCurve):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrLocalChangesPending),
		errors.Is(err, models.ErrStalePull):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
