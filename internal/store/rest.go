package store

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

	"github.com/hau2park/parking-monitor/pkg/types"
)

// RESTConfig points at a PostgREST-compatible table (Supabase exposes one
// under /rest/v1).
type RESTConfig struct {
	BaseURL string
	Table   string
	APIKey  string
	Timeout time.Duration
}

// REST reads and writes space status through a remote table.
type REST struct {
	cfg    RESTConfig
	client *http.Client
}

type restRow struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Occupant  *string `json:"occupant"`
	UpdatedAt *string `json:"updated_at"`
}

// NewREST validates cfg and returns a client. No request is made until the
// first load or update.
func NewREST(cfg RESTConfig) (*REST, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest store: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest store: bad base url: %w", err)
	}
	if cfg.Table == "" {
		cfg.Table = "parking_spaces"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &REST{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *REST) tableURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/rest/v1/" + url.PathEscape(s.cfg.Table)
}

func (s *REST) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("apikey", s.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (s *REST) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}
	return body, nil
}

func (s *REST) LoadStatuses(ctx context.Context) (map[string]types.SpaceRecord, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.tableURL()+"?select=id,status,occupant,updated_at", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	body, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}

	var rows []restRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode statuses: %w", err)
	}

	out := make(map[string]types.SpaceRecord, len(rows))
	for _, row := range rows {
		r := types.SpaceRecord{ID: row.ID, Status: types.ParseStatus(row.Status)}
		if row.Occupant != nil {
			r.Occupant = *row.Occupant
		}
		if row.UpdatedAt != nil {
			if t, err := time.Parse(time.RFC3339Nano, *row.UpdatedAt); err == nil {
				r.UpdatedAt = t
			}
		}
		out[r.ID] = r
	}
	return out, nil
}

func (s *REST) UpdateStatus(ctx context.Context, u Update) error {
	patch := map[string]any{
		"status":     string(u.Status),
		"updated_at": u.At.UTC().Format(time.RFC3339Nano),
	}
	if u.ClearOccupant {
		patch["occupant"] = nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	target := s.tableURL() + "?id=eq." + url.QueryEscape(u.SpaceID)
	req, err := s.newRequest(ctx, http.MethodPatch, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	if _, err := s.do(req); err != nil {
		return fmt.Errorf("update %s: %w", u.SpaceID, err)
	}
	return nil
}

func (s *REST) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
