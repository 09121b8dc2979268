// Package sites maintains the catalogue of known wikis, indexed by database
// name and hostname, refreshed atomically from the sitematrix endpoint.
package sites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// ErrUpstreamUnavailable is returned when the sitematrix endpoint cannot be
// fetched or parsed. The prior snapshot, if any, is left intact.
var ErrUpstreamUnavailable = errors.New("sitematrix unavailable")

// DefaultMatrixURL is the well-known sitematrix endpoint.
const DefaultMatrixURL = "https://meta.wikimedia.org/w/api.php?action=sitematrix&format=json&formatversion=2"

// snapshot is one immutable index of the catalogue. Lookups read whichever
// snapshot is current; Refresh swaps the pointer atomically under the mutex.
type snapshot struct {
	byDBName map[string]*types.Wiki
	byHost   map[string]*types.Wiki
}

// Registry answers dbname, hostname, and origin lookups over the catalogue.
// A single in-flight refresh is shared by all concurrent callers.
type Registry struct {
	mu        sync.RWMutex
	current   *snapshot
	matrixURL string
	client    *http.Client
	userAgent string
	group     singleflight.Group
	log       *logrus.Entry
}

// NewRegistry builds an empty registry. The first lookup triggers a refresh.
func NewRegistry(client *http.Client, userAgent string, log *logrus.Entry) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{
		matrixURL: DefaultMatrixURL,
		client:    client,
		userAgent: userAgent,
		log:       log.WithField("component", "sites"),
	}
}

// SetMatrixURL overrides the catalogue endpoint. For tests.
func (r *Registry) SetMatrixURL(u string) { r.matrixURL = u }

// Refresh fetches the full catalogue and atomically replaces the snapshot.
// Concurrent calls share one network request.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		snap, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.current = snap
		r.mu.Unlock()
		r.log.WithField("wikis", len(snap.byDBName)).Info("site registry refreshed")
		return nil, nil
	})
	return err
}

// Flush drops the snapshot; the next lookup re-fetches.
func (r *Registry) Flush() {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
}

// ByDBName returns the wiki with the given database name, or nil if unknown.
// Lazily refreshes when no snapshot is loaded.
func (r *Registry) ByDBName(ctx context.Context, dbname string) (*types.Wiki, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byDBName[dbname], nil
}

// ByHostname returns the wiki served at the given hostname, or nil.
func (r *Registry) ByHostname(ctx context.Context, host string) (*types.Wiki, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byHost[host], nil
}

// ByOrigin returns the wiki matching an Origin header value, or nil.
func (r *Registry) ByOrigin(ctx context.Context, origin string) (*types.Wiki, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return nil, nil
	}
	return r.ByHostname(ctx, u.Hostname())
}

func (r *Registry) snapshot(ctx context.Context) (*snapshot, error) {
	r.mu.RLock()
	snap := r.current
	r.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, ErrUpstreamUnavailable
	}
	return r.current, nil
}

// matrixSite is one site entry in the sitematrix payload (formatversion=2).
type matrixSite struct {
	URL       string `json:"url"`
	DBName    string `json:"dbname"`
	Code      string `json:"code"`
	Private   bool   `json:"private"`
	Closed    bool   `json:"closed"`
	Fishbowl  bool   `json:"fishbowl"`
	NonGlobal bool   `json:"nonglobal"`
}

type matrixGroup struct {
	Code string       `json:"code"`
	Site []matrixSite `json:"site"`
}

func (r *Registry) fetch(ctx context.Context) (*snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.matrixURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Sitematrix map[string]json.RawMessage `json:"sitematrix"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	snap := &snapshot{
		byDBName: make(map[string]*types.Wiki),
		byHost:   make(map[string]*types.Wiki),
	}
	add := func(lang string, s matrixSite) {
		w := &types.Wiki{
			DBName:    s.DBName,
			URL:       s.URL,
			Lang:      lang,
			Private:   s.Private,
			Closed:    s.Closed,
			Fishbowl:  s.Fishbowl,
			NonGlobal: s.NonGlobal,
		}
		snap.byDBName[w.DBName] = w
		if h := w.Hostname(); h != "" {
			snap.byHost[h] = w
		}
	}

	for key, raw := range envelope.Sitematrix {
		switch key {
		case "count":
			continue
		case "specials":
			var specials []matrixSite
			if err := json.Unmarshal(raw, &specials); err != nil {
				return nil, fmt.Errorf("%w: specials: %v", ErrUpstreamUnavailable, err)
			}
			for _, s := range specials {
				add("", s)
			}
		default:
			var group matrixGroup
			if err := json.Unmarshal(raw, &group); err != nil {
				return nil, fmt.Errorf("%w: group %s: %v", ErrUpstreamUnavailable, key, err)
			}
			for _, s := range group.Site {
				add(group.Code, s)
			}
		}
	}
	if len(snap.byDBName) == 0 {
		return nil, fmt.Errorf("%w: empty sitematrix", ErrUpstreamUnavailable)
	}
	return snap, nil
}
