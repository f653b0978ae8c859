// Package remote talks to the authoritative token-list store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"walletsync/pkg/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// TokenList is the wire form of a remote token list.
type TokenList struct {
	Version uint64              `json:"version"`
	Entries []models.TokenEntry `json:"entries"`
}

// Client is the HTTP transport of the remote store. Calls are guarded by a
// circuit breaker so an unreachable remote fails fast.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cb:         newCircuitBreaker(),
	}
}

// Upload stores entries as version. A 409 answer yields ErrConflict along with
// the version the remote holds.
func (c *Client) Upload(ctx context.Context, id models.WalletIdentity, entries []models.TokenEntry, version uint64) (uint64, error) {
	body, err := json.Marshal(TokenList{Version: version, Entries: entries})
	if err != nil {
		return 0, err
	}

	var ack TokenList
	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(id), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.New().String())

		status, err := c.do(req, &ack)
		if err != nil {
			return nil, err
		}
		return status, nil
	})
	if err != nil {
		return 0, err
	}

	switch status := res.(int); status {
	case http.StatusOK, http.StatusCreated:
		return ack.Version, nil
	case http.StatusConflict:
		return ack.Version, fmt.Errorf("%w: remote at version %d", models.ErrConflict, ack.Version)
	default:
		return 0, fmt.Errorf("upload token list: unexpected status %d", status)
	}
}

// Fetch returns the remote list. A wallet unknown to the remote has an empty
// list at version 0.
func (c *Client) Fetch(ctx context.Context, id models.WalletIdentity) ([]models.TokenEntry, uint64, error) {
	var list TokenList
	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(id), nil)
		if err != nil {
			return nil, err
		}
		status, err := c.do(req, &list)
		if err != nil {
			return nil, err
		}
		return status, nil
	})
	if err != nil {
		return nil, 0, err
	}

	switch status := res.(int); status {
	case http.StatusOK:
		return list.Entries, list.Version, nil
	case http.StatusNotFound:
		return nil, 0, nil
	default:
		return nil, 0, fmt.Errorf("fetch token list: unexpected status %d", status)
	}
}

// do sends req and decodes a JSON body into out. Server errors are returned
// as errors so they count against the breaker; other statuses are returned
// for the caller to interpret.
func (c *Client) do(req *http.Request, out interface{}) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("remote store: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated ||
		resp.StatusCode == http.StatusConflict {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return 0, fmt.Errorf("remote store: decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) endpoint(id models.WalletIdentity) string {
	return fmt.Sprintf("%s/wallets/%s/tokens", c.baseURL, url.PathEscape(id.String()))
}

func newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				log.Warn("remote store seems down, stop allowing requests")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				log.Info("checking remote store status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				log.Info("remote store seems ok, restart allowing requests")
			}
		},
	})
}
