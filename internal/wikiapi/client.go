// Package wikiapi provides authenticated action API clients, at most one per
// wiki, shared across concurrent callers.
package wikiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// UserAgent builds the user agent emitted on all upstream HTTP calls:
// tool name, version, runtime identifier, HTTP library identifier.
func UserAgent(version string) string {
	return fmt.Sprintf("dispatch/%s %s net/http", version, runtime.Version())
}

// ClientPool hands out one lazily constructed client per wiki.
type ClientPool struct {
	mu        sync.Mutex
	clients   map[string]*Client
	token     string
	userAgent string
	log       *logrus.Entry
}

// NewPool builds a pool. token is the OAuth bearer token presented upstream.
func NewPool(token, version string, log *logrus.Entry) *ClientPool {
	return &ClientPool{
		clients:   make(map[string]*Client),
		token:     token,
		userAgent: UserAgent(version),
		log:       log.WithField("component", "wikiapi"),
	}
}

// For returns the client for the given wiki, constructing it on first use.
func (p *ClientPool) For(wiki *types.Wiki) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[wiki.DBName]; ok {
		return c
	}
	c := NewClient(wiki.APIEndpoint(), p.token, p.userAgent, p.log.WithField("wiki", wiki.DBName))
	p.clients[wiki.DBName] = c
	return c
}

// Client talks to one wiki's action API.
type Client struct {
	endpoint  string
	token     string
	userAgent string
	http      *http.Client
	log       *logrus.Entry
}

// NewClient builds a client for a single action API endpoint.
func NewClient(endpoint, token, userAgent string, log *logrus.Entry) *Client {
	return &Client{
		endpoint:  endpoint,
		token:     token,
		userAgent: userAgent,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

// apiError is the first error of an action API error response.
type apiError struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Text)
}

type envelope struct {
	Errors   []apiError                 `json:"errors"`
	Query    json.RawMessage            `json:"query"`
	Continue map[string]json.RawMessage `json:"continue"`
}

// BadRevID marks a revision id the API did not recognize.
type BadRevID struct {
	RevID int64 `json:"revid"`
}

// QueryPayload is the query portion of an action=query response.
type QueryPayload struct {
	Pages     []APIPage           `json:"pages"`
	BadRevIDs map[string]BadRevID `json:"badrevids"`
}

func (e *envelope) queryPayload() (*QueryPayload, error) {
	if len(e.Query) == 0 {
		return &QueryPayload{}, nil
	}
	var q QueryPayload
	if err := json.Unmarshal(e.Query, &q); err != nil {
		return nil, fmt.Errorf("action api decode query: %w", err)
	}
	return &q, nil
}

// APIPage is a page with its requested revisions.
type APIPage struct {
	PageID    int64         `json:"pageid"`
	Namespace int           `json:"ns"`
	Title     string        `json:"title"`
	Missing   bool          `json:"missing"`
	Revisions []APIRevision `json:"revisions"`
}

// APIRevision is a raw revision as returned by prop=revisions.
type APIRevision struct {
	RevID         int64    `json:"revid"`
	ParentID      int64    `json:"parentid"`
	Minor         bool     `json:"minor"`
	User          string   `json:"user"`
	UserHidden    bool     `json:"userhidden"`
	Timestamp     string   `json:"timestamp"`
	Size          int64    `json:"size"`
	Comment       string   `json:"comment"`
	CommentHidden bool     `json:"commenthidden"`
	ParsedComment string   `json:"parsedcomment"`
	Tags          []string `json:"tags"`
	TextHidden    bool     `json:"texthidden"`
	Slots         map[string]struct {
		ContentModel string  `json:"contentmodel"`
		Content      *string `json:"content"`
	} `json:"slots"`
}

// MainContent returns the main slot content, or nil when the slot is absent
// or its content is hidden.
func (r *APIRevision) MainContent() *string {
	if slot, ok := r.Slots["main"]; ok {
		return slot.Content
	}
	return nil
}

// Get performs one GET request against the action API with the common
// parameters applied, decoding the response envelope.
func (c *Client) Get(ctx context.Context, params url.Values) (*envelope, error) {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	params.Set("errorformat", "plaintext")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action api request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("action api status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("action api read: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("action api decode: %w", err)
	}
	if len(env.Errors) > 0 {
		return nil, &env.Errors[0]
	}
	return &env, nil
}

// RevisionProps fetches the given properties for a set of revision ids in
// one batch. Callers keep batches at or below the API limit of 50.
func (c *Client) RevisionProps(ctx context.Context, ids []int64, props []string) (*QueryPayload, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{}
	params.Set("action", "query")
	params.Set("revids", strings.Join(strs, "|"))
	params.Set("prop", "revisions")
	params.Set("rvprop", strings.Join(props, "|"))
	params.Set("rvslots", "main")

	env, err := c.Get(ctx, params)
	if err != nil {
		return nil, err
	}
	return env.queryPayload()
}

// PageRevisions walks a page's history oldest-first, invoking fn once per
// API page of revisions (with content). Walking stops when fn returns an
// error or the continuation is exhausted.
func (c *Client) PageRevisions(ctx context.Context, title string, fn func(page *APIPage) error) error {
	cont := map[string]json.RawMessage{}
	for {
		params := url.Values{}
		params.Set("action", "query")
		params.Set("titles", title)
		params.Set("prop", "revisions")
		params.Set("rvprop", "ids|timestamp|flags|user|size|comment|tags|content")
		params.Set("rvslots", "main")
		params.Set("rvdir", "newer")
		params.Set("rvlimit", "50")
		for k, v := range cont {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				params.Set(k, s)
			} else {
				params.Set(k, string(v))
			}
		}

		env, err := c.Get(ctx, params)
		if err != nil {
			return err
		}
		q, err := env.queryPayload()
		if err != nil {
			return err
		}
		if len(q.Pages) == 0 {
			return nil
		}
		if err := fn(&q.Pages[0]); err != nil {
			return err
		}
		if len(env.Continue) == 0 {
			return nil
		}
		cont = env.Continue
	}
}

// Siteinfo fetches namespace metadata and general site settings.
func (c *Client) Siteinfo(ctx context.Context) (*Siteinfo, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("meta", "siteinfo")
	params.Set("siprop", "namespaces|namespacealiases|general")

	env, err := c.Get(ctx, params)
	if err != nil {
		return nil, err
	}
	var si Siteinfo
	if err := json.Unmarshal(env.Query, &si); err != nil {
		return nil, fmt.Errorf("siteinfo decode: %w", err)
	}
	return &si, nil
}
