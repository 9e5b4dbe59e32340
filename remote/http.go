package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	syncErrors "github.com/relaypace/relaysync/errors"
	"github.com/relaypace/relaysync/logging"
	"github.com/relaypace/relaysync/race"
)

// Limits defines size limits for the HTTP adapter.
type Limits struct {
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// TokenProvider supplies the bearer token attached to each request. Returning
// an empty string sends the request unauthenticated.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPAdapter implements Adapter against the team REST API:
//
//	GET    {base}/teams/{team}/runners
//	GET    {base}/teams/{team}/legs
//	GET    {base}/teams/{team}/runners/{id}
//	POST   {base}/teams/{team}/runners   (sparse upsert batch)
//	DELETE {base}/teams/{team}/runners?ids=1,2
type HTTPAdapter struct {
	baseURL string
	http    *http.Client
	limits  Limits
	token   TokenProvider
	logger  *slog.Logger
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.http = cl }
}

// WithLimits sets the size limits.
func WithLimits(l Limits) HTTPOption {
	return func(a *HTTPAdapter) { a.limits = l }
}

// WithTokenProvider sets the auth token source.
func WithTokenProvider(tp TokenProvider) HTTPOption {
	return func(a *HTTPAdapter) { a.token = tp }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(a *HTTPAdapter) { a.logger = logger }
}

// NewHTTPAdapter creates an adapter for the given API root using functional
// options.
func NewHTTPAdapter(baseURL string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
		logger:  logging.WithComponent(logging.Component("remote")).Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BaseURL returns the API root for the adapter.
func (a *HTTPAdapter) BaseURL() string { return a.baseURL }

func (a *HTTPAdapter) collectionURL(teamID string, collection race.Collection) string {
	return fmt.Sprintf("%s/teams/%s/%s", a.baseURL, teamID, collection)
}

// ListRunners fetches the full runner roster for the team.
func (a *HTTPAdapter) ListRunners(ctx context.Context, teamID string) ([]race.Runner, error) {
	var runners []race.Runner
	if err := a.getJSON(ctx, a.collectionURL(teamID, race.CollectionRunners), &runners); err != nil {
		return nil, err
	}
	return runners, nil
}

// ListLegs fetches all legs for the team.
func (a *HTTPAdapter) ListLegs(ctx context.Context, teamID string) ([]race.Leg, error) {
	var legs []race.Leg
	if err := a.getJSON(ctx, a.collectionURL(teamID, race.CollectionLegs), &legs); err != nil {
		return nil, err
	}
	return legs, nil
}

// GetRunner fetches a single runner.
func (a *HTTPAdapter) GetRunner(ctx context.Context, teamID string, id int) (race.Runner, error) {
	var runner race.Runner
	url := fmt.Sprintf("%s/%d", a.collectionURL(teamID, race.CollectionRunners), id)
	if err := a.getJSON(ctx, url, &runner); err != nil {
		return race.Runner{}, err
	}
	return runner, nil
}

// GetLeg fetches a single leg.
func (a *HTTPAdapter) GetLeg(ctx context.Context, teamID string, id int) (race.Leg, error) {
	var leg race.Leg
	url := fmt.Sprintf("%s/%d", a.collectionURL(teamID, race.CollectionLegs), id)
	if err := a.getJSON(ctx, url, &leg); err != nil {
		return race.Leg{}, err
	}
	return leg, nil
}

// UpsertRunners writes sparse runner payloads.
func (a *HTTPAdapter) UpsertRunners(ctx context.Context, teamID string, partials []Partial) (int, error) {
	if err := a.postJSON(ctx, a.collectionURL(teamID, race.CollectionRunners), partials); err != nil {
		return 0, err
	}
	return len(partials), nil
}

// UpsertLegs writes sparse leg payloads.
func (a *HTTPAdapter) UpsertLegs(ctx context.Context, teamID string, partials []Partial) (int, error) {
	if err := a.postJSON(ctx, a.collectionURL(teamID, race.CollectionLegs), partials); err != nil {
		return 0, err
	}
	return len(partials), nil
}

// DeleteRunners removes runners by id.
func (a *HTTPAdapter) DeleteRunners(ctx context.Context, teamID string, ids []int) (int, error) {
	if err := a.deleteByIDs(ctx, a.collectionURL(teamID, race.CollectionRunners), ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteLegs removes legs by id.
func (a *HTTPAdapter) DeleteLegs(ctx context.Context, teamID string, ids []int) (int, error) {
	if err := a.deleteByIDs(ctx, a.collectionURL(teamID, race.CollectionLegs), ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (a *HTTPAdapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpPull, "remote", fmt.Errorf("create request: %w", err))
	}

	resp, err := a.do(req, syncErrors.OpPull)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, syncErrors.OpPull, nil); err != nil {
		return err
	}

	body := io.LimitReader(resp.Body, a.limits.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpPull, "remote", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (a *HTTPAdapter) postJSON(ctx context.Context, url string, partials []Partial) error {
	if len(partials) == 0 {
		return nil
	}

	payload, err := json.Marshal(partials)
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpUpsert, "remote", fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpUpsert, "remote", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.do(req, syncErrors.OpUpsert)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return a.checkStatus(resp, syncErrors.OpUpsert, partials)
}

func (a *HTTPAdapter) deleteByIDs(ctx context.Context, url string, ids []int) error {
	if len(ids) == 0 {
		return nil
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		url+"?ids="+strings.Join(parts, ","), nil)
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpDelete, "remote", fmt.Errorf("create request: %w", err))
	}

	resp, err := a.do(req, syncErrors.OpDelete)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return a.checkStatus(resp, syncErrors.OpDelete, nil)
}

func (a *HTTPAdapter) do(req *http.Request, op syncErrors.Operation) (*http.Response, error) {
	if a.token != nil {
		token, err := a.token(req.Context())
		if err != nil {
			return nil, syncErrors.NewWithComponent(op, "remote", fmt.Errorf("token provider: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Debug("request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return nil, syncErrors.NewNetworkError(op, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	return resp, nil
}

// checkStatus maps response codes onto error kinds. Server trouble and
// throttling are retryable network errors; a version conflict triggers the
// conflict-resolution flow; any other client error means the payload itself is
// bad and retrying cannot help.
func (a *HTTPAdapter) checkStatus(resp *http.Response, op syncErrors.Operation, payload any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusConflict:
		var detail struct {
			LocalVersion  string `json:"localVersion"`
			RemoteVersion string `json:"remoteVersion"`
		}
		json.Unmarshal(body, &detail)
		return syncErrors.NewConcurrentUpdate(op, detail.LocalVersion, detail.RemoteVersion, payload, cause)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncErrors.NewNetworkError(op, cause)
	default:
		return syncErrors.NewValidationError(op, cause)
	}
}
