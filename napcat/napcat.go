// Package napcat delivers messages through a NapCat (OneBot v11) endpoint.
// A persistent WebSocket connection is preferred; each send falls back to
// the HTTP action API when the socket is down.
package napcat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	reconnectDelay   = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

var errNotConnected = errors.New("websocket not connected")

// Gateway is the logical send contract consumed by the dispatcher.
type Gateway interface {
	SendGroupMessage(ctx context.Context, groupID int64, text string) error
	SendPrivateMessage(ctx context.Context, userID int64, text string) error
}

// Client talks to a NapCat instance. It implements Gateway and, for the
// WebSocket connection lifecycle, suture.Service.
type Client struct {
	httpURL string
	wsURL   string
	token   string
	client  *http.Client
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a gateway client. wsURL may be empty to run HTTP-only.
func New(httpURL, wsURL, token string, client *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpURL: httpURL,
		wsURL:   wsURL,
		token:   token,
		client:  client,
		logger:  logger,
	}
}

// actionFrame is the OneBot request envelope for both transports.
type actionFrame struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type groupMessageParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

type privateMessageParams struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

// SendGroupMessage delivers text to a group.
func (c *Client) SendGroupMessage(ctx context.Context, groupID int64, text string) error {
	return c.send(ctx, "send_group_msg", groupMessageParams{GroupID: groupID, Message: text})
}

// SendPrivateMessage delivers text to a private recipient.
func (c *Client) SendPrivateMessage(ctx context.Context, userID int64, text string) error {
	return c.send(ctx, "send_private_msg", privateMessageParams{UserID: userID, Message: text})
}

// send tries the WebSocket first and falls back to HTTP.
func (c *Client) send(ctx context.Context, action string, params any) error {
	wsErr := c.sendWS(action, params)
	if wsErr == nil {
		return nil
	}
	if !errors.Is(wsErr, errNotConnected) {
		c.logger.Warn("WebSocket send failed, falling back to HTTP", "action", action, "error", wsErr)
	}
	return c.sendHTTP(ctx, action, params)
}

func (c *Client) sendWS(action string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}

	frame := actionFrame{Action: action, Params: params, Echo: uuid.NewString()}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// actionResponse is the OneBot HTTP action result envelope.
type actionResponse struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
}

func (c *Client) sendHTTP(ctx context.Context, action string, params any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal action params: %w", err)
	}

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL+"/"+action, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}

			resp, err := c.client.Do(req)
			if err != nil {
				return fmt.Errorf("post action: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			var result actionResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode action response: %w", err)
			}
			if result.Retcode != 0 {
				// Business-level rejection; retrying the same payload will
				// not change the outcome.
				return retry.Unrecoverable(fmt.Errorf("gateway retcode %d: %s", result.Retcode, result.Message))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying gateway send", "attempt", n, "action", action, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	return nil
}

// Serve maintains the WebSocket connection until the context is cancelled.
// Sends keep working over HTTP while the socket is down.
func (c *Client) Serve(ctx context.Context) error {
	if c.wsURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Warn("Gateway WebSocket connect failed", "url", c.wsURL, "error", err)
		} else {
			c.readLoop(ctx)
		}
		c.closeConn()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialURL := c.wsURL
	if c.token != "" {
		sep := "?"
		if strings.Contains(dialURL, "?") {
			sep = "&"
		}
		dialURL += sep + "access_token=" + url.QueryEscape(c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close handshake response body", "error", closeErr)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Gateway WebSocket connected", "url", c.wsURL)
	return nil
}

// readLoop drains incoming frames (action acks and events) and sends
// periodic pings. Returns when the connection breaks or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Acks are correlated by echo; nothing consumes them yet, but
			// the connection must be drained to observe closure.
			if _, _, err := conn.ReadMessage(); err != nil {
				c.logger.Warn("Gateway WebSocket closed", "error", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("Gateway ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("Failed to close WebSocket", "error", err)
		}
		c.conn = nil
	}
}

// String names the service in supervisor logs.
func (c *Client) String() string { return "napcat-gateway" }
