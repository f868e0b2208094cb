// Package agentclient speaks to the coding-agent process embedded in each
// running sandbox. The agent is a black box exposing a session/message REST
// API plus a websocket event feed.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avetra/forgebox/internal/apperr"
	"github.com/coder/websocket"
)

// Client is the consumed surface of one sandbox's agent process.
type Client interface {
	// Subscribe opens the live event feed. The sequence ends when ctx is
	// cancelled; any other termination yields a final error entry.
	Subscribe(ctx context.Context) iter.Seq2[Event, error]

	// ListSessions returns the agent's authoritative session list.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// ListMessages returns the agent's authoritative message list for one
	// session, parts included.
	ListMessages(ctx context.Context, sessionID string) ([]MessageWithParts, error)

	// RespondPermission answers an outstanding approval request.
	RespondPermission(ctx context.Context, sessionID, requestID, response string) error
}

// Factory builds a Client for a sandbox's agent endpoint URL. The sync
// engine dials per sandbox through this.
type Factory func(baseURL string) Client

// HTTPClient implements Client over the agent's HTTP + websocket API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the agent at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewFactory returns a Factory producing HTTP clients.
func NewFactory() Factory {
	return func(baseURL string) Client {
		return NewHTTPClient(baseURL)
	}
}

// Subscribe opens the agent's /event websocket and yields decoded events.
func (c *HTTPClient) Subscribe(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		wsURL, err := websocketURL(c.baseURL, "/event")
		if err != nil {
			yield(nil, fmt.Errorf("build event feed url: %w", err))
			return
		}

		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			yield(nil, fmt.Errorf("%w: dial event feed: %v", apperr.ErrStreamDisconnected, err))
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "subscription ended")
		}()

		// The feed is effectively unbounded; without this a single large
		// tool-output event would kill the connection.
		conn.SetReadLimit(16 << 20)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("%w: read event feed: %v", apperr.ErrStreamDisconnected, err))
				return
			}

			event, err := decodeEvent(data)
			if err != nil {
				// A malformed event is skipped, not fatal: the next full
				// resync corrects anything it carried.
				if !yield(nil, err) {
					return
				}
				continue
			}
			if event == nil {
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// ListSessions returns the agent's session list.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := c.getJSON(ctx, "/session", &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ListMessages returns the agent's messages for one session.
func (c *HTTPClient) ListMessages(ctx context.Context, sessionID string) ([]MessageWithParts, error) {
	var messages []MessageWithParts
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.getJSON(ctx, path, &messages); err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// RespondPermission answers an outstanding approval request.
func (c *HTTPClient) RespondPermission(ctx context.Context, sessionID, requestID, response string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(requestID)
	body, err := json.Marshal(map[string]string{"response": response})
	if err != nil {
		return fmt.Errorf("marshal permission response: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build permission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("respond to permission %s: %w", requestID, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFoundf("permission %s in session %s", requestID, sessionID)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("respond to permission %s: agent returned %s", requestID, resp.Status)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFoundf("agent resource %s", path)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent request %s: returned %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode agent response %s: %w", path, err)
	}
	return nil
}

func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported agent url scheme " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
