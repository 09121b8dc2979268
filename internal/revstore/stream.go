package revstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
)

// DefaultStreamURL is the public recent-changes event stream.
const DefaultStreamURL = "https://stream.wikimedia.org/v2/stream"

// changeEvent is the union of the fields dispatch reads from the two
// subscribed topics. Database scopes the event to its wiki.
type changeEvent struct {
	Meta struct {
		Stream string `json:"stream"`
	} `json:"meta"`
	Database   string            `json:"database"`
	RevID      int64             `json:"rev_id"`
	Visibility *types.Visibility `json:"visibility"`
	Tags       []string          `json:"tags"`
}

// streamClient maintains one long-lived SSE subscription, reconnecting with
// exponential backoff and resuming from the last seen event id.
type streamClient struct {
	url    string
	http   *http.Client
	cancel context.CancelFunc
	lastID string
	log    *logrus.Entry
}

func newStreamClient(baseURL string, topics []string, log *logrus.Entry) *streamClient {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &streamClient{
		url:  strings.TrimSuffix(baseURL, "/") + "/" + strings.Join(topics, ","),
		http: &http.Client{},
		log:  log,
	}
}

// run drives the subscription in the background, keeping the store's state
// in step with the connection.
func (c *streamClient) run(store *Store) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 0 // retry forever
		_ = backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			store.setStreamState(c, StateConnecting)
			err := c.consume(ctx, store)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			store.setStreamState(c, StateConnecting)
			c.log.WithError(err).Warn("change stream disconnected, reconnecting")
			return fmt.Errorf("stream dropped: %w", err)
		}, backoff.WithContext(policy, ctx))
		store.setStreamState(c, StateClosed)
	}()
}

func (c *streamClient) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// consume holds one SSE connection open and feeds parsed events to the
// store. Returns when the connection drops or ctx is canceled.
func (c *streamClient) consume(ctx context.Context, store *Store) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.lastID != "" {
		req.Header.Set("Last-Event-ID", c.lastID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	store.setStreamState(c, StateOpen)
	c.log.Info("change stream open")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentID, currentData string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if currentData != "" {
				if currentID != "" {
					c.lastID = currentID
				}
				var ev changeEvent
				if err := json.Unmarshal([]byte(currentData), &ev); err == nil {
					store.dispatch(&ev)
				}
			}
			currentID = ""
			currentData = ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "id:"):
			currentID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			if currentData != "" {
				currentData += "\n" + data
			} else {
				currentData = data
			}
		}
		// Comment lines and unknown fields are ignored.
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by peer")
}
