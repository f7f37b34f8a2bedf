// Package entityservice implements spec.md §6's "Outbound platform API": a
// thin REST client over /api/<model>, handed to handler code through
// pkg/worker's Worker.EntityService so handlers can read and write entities
// without knowing the transport underneath.
//
// The resilience shape — a gobreaker.CircuitBreaker guarding the HTTP round
// trip, an LRU cache-aside in front of the read paths — is grounded on the
// teacher's service.PeerEnricher, which wraps its own outbound contact
// lookups the same way (cache-aside over a bounded LRU, gobreaker present
// in the teacher's go.mod for exactly this class of platform-API call).
package entityservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
)

// Config points the client at the platform's REST surface.
type Config struct {
	BaseURL      string
	BearerToken  string
	HTTPTimeout  time.Duration
	CacheSize    int
	BreakerName  string
	BreakerDelay time.Duration // OpenState duration before probing again
}

// DefaultConfig matches spec.md §6's stated defaults for the entity cache.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:  10 * time.Second,
		CacheSize:    2048,
		BreakerName:  "entity-service",
		BreakerDelay: 30 * time.Second,
	}
}

// entityKey is the cache key: the same (modelName, modelVersion,
// technicalId) triple that addresses an Entity everywhere else in the
// runtime.
type entityKey struct {
	ModelName    string
	ModelVersion int32
	TechnicalID  string
}

// Client is the handler-facing entity service surface: get, create, update,
// delete, search, listTransitions, triggerTransition (spec.md §6).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[any]
	cache   *lru.Cache[entityKey, map[string]any]
}

// New builds a Client. SetToken lets the caller rotate the bearer token
// used on outbound requests without reconstructing the client (the same
// token the Stream Session renews via ReAuth, spec.md §4.A).
func New(cfg Config) *Client {
	cache, _ := lru.New[entityKey, map[string]any](cfg.CacheSize)
	breakerSettings := gobreaker.Settings{
		Name:    cfg.BreakerName,
		Timeout: cfg.BreakerDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.BearerToken,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		breaker: gobreaker.NewCircuitBreaker[any](breakerSettings),
		cache:   cache,
	}
}

// SetToken rotates the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Get fetches one entity by its technical id, consulting the read-through
// cache first.
func (c *Client) Get(ctx context.Context, modelName string, modelVersion int32, technicalID string) (map[string]any, error) {
	key := entityKey{modelName, modelVersion, technicalID}
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	path := fmt.Sprintf("/api/%s/%d/%s", url.PathEscape(modelName), modelVersion, url.PathEscape(technicalID))
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	c.cache.Add(key, out)
	return out, nil
}

// Create POSTs a new entity.
func (c *Client) Create(ctx context.Context, modelName string, modelVersion int32, payload map[string]any) (map[string]any, error) {
	path := fmt.Sprintf("/api/%s/%d", url.PathEscape(modelName), modelVersion)
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update writes payload over an existing entity, optionally applying a
// named state transition as part of the same write (spec.md §6's "update
// accepts an optional transition name" contract).
func (c *Client) Update(ctx context.Context, modelName string, modelVersion int32, technicalID string, payload map[string]any, transition *string) (map[string]any, error) {
	body := map[string]any{"fields": payload}
	if transition != nil {
		body["transition"] = *transition
	}

	path := fmt.Sprintf("/api/%s/%d/%s", url.PathEscape(modelName), modelVersion, url.PathEscape(technicalID))
	var out map[string]any
	if err := c.do(ctx, http.MethodPut, path, body, &out); err != nil {
		return nil, err
	}
	c.cache.Remove(entityKey{modelName, modelVersion, technicalID})
	return out, nil
}

// Delete removes an entity.
func (c *Client) Delete(ctx context.Context, modelName string, modelVersion int32, technicalID string) error {
	path := fmt.Sprintf("/api/%s/%d/%s", url.PathEscape(modelName), modelVersion, url.PathEscape(technicalID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.cache.Remove(entityKey{modelName, modelVersion, technicalID})
	return nil
}

// Search runs a query and returns matching entities. Results are not
// cached: every call is a round trip to the platform.
func (c *Client) Search(ctx context.Context, modelName string, modelVersion int32, query map[string]any) ([]map[string]any, error) {
	path := fmt.Sprintf("/api/%s/%d/search", url.PathEscape(modelName), modelVersion)
	var out []map[string]any
	if err := c.do(ctx, http.MethodPost, path, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTransitions returns the state transitions currently available for an
// entity.
func (c *Client) ListTransitions(ctx context.Context, modelName string, modelVersion int32, technicalID string) ([]string, error) {
	path := fmt.Sprintf("/api/%s/%d/%s/transitions", url.PathEscape(modelName), modelVersion, url.PathEscape(technicalID))
	var out []string
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerTransition applies a named state transition without otherwise
// modifying the entity's fields.
func (c *Client) TriggerTransition(ctx context.Context, modelName string, modelVersion int32, technicalID, transition string) (map[string]any, error) {
	path := fmt.Sprintf("/api/%s/%d/%s/transitions/%s", url.PathEscape(modelName), modelVersion, url.PathEscape(technicalID), url.PathEscape(transition))
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	c.cache.Remove(entityKey{modelName, modelVersion, technicalID})
	return out, nil
}

// do executes one HTTP round trip behind the circuit breaker, marshaling
// body (if non-nil) as the JSON request payload and unmarshaling the
// response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var reqBody *bytes.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("entityservice: encode request body: %w", err)
			}
			reqBody = bytes.NewReader(b)
		} else {
			reqBody = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("entityservice: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("entityservice: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("entityservice: decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// StatusError is returned when the platform responds with a non-2xx
// status; handlers can inspect StatusCode without string-matching errors.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("entityservice: %s %s returned status %d", e.Method, e.Path, e.StatusCode)
}
