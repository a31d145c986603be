package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

const defaultTokenTimeout = 10 * time.Second

// TokenClient fetches room access tokens from the token endpoint.
type TokenClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewTokenClient creates a token client for the given endpoint URL.
func NewTokenClient(endpoint string, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = newDefaultHTTPClient()
	}
	return &TokenClient{endpoint: endpoint, httpClient: httpClient}
}

type tokenRequest struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

// TokenResponse is the token endpoint's reply. URL optionally carries the
// room server address so clients need no separate configuration for it.
type TokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
	Room  string `json:"room,omitempty"`
}

// Fetch requests an access token for identity in room.
//
// Any failure — unreachable endpoint, non-2xx status, malformed body, empty
// token — is a token_error.
func (c *TokenClient) Fetch(ctx context.Context, identity, room string) (*TokenResponse, error) {
	if c == nil || strings.TrimSpace(c.endpoint) == "" {
		return nil, core.NewInvalidRequestError("token endpoint is not configured")
	}
	if strings.TrimSpace(identity) == "" {
		return nil, core.NewInvalidRequestError("identity must not be empty")
	}
	if strings.TrimSpace(room) == "" {
		return nil, core.NewInvalidRequestError("room must not be empty")
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		reqCtx, cancel = context.WithTimeout(ctx, defaultTokenTimeout)
		defer cancel()
	}

	body, err := json.Marshal(tokenRequest{Identity: identity, Room: room})
	if err != nil {
		return nil, core.NewTokenError("encode token request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewTokenError("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewTokenError("token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readErrorDetail(resp.Body)
		msg := fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		if detail != "" {
			msg = fmt.Sprintf("%s: %s", msg, detail)
		}
		return nil, &core.Error{Type: core.ErrToken, Message: msg, Code: fmt.Sprintf("status_%d", resp.StatusCode)}
	}

	var token TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&token); err != nil {
		return nil, core.NewTokenError("malformed token response", err)
	}
	if strings.TrimSpace(token.Token) == "" {
		return nil, core.NewTokenError("token response missing token", nil)
	}
	return &token, nil
}

func readErrorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
