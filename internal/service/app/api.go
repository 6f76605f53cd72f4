package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
	"pair_sync/internal/service/reconnect"

	"github.com/gorilla/websocket"
)

const (
	refreshThreshold = time.Minute
	welcomeTimeout   = 10 * time.Second
)

type (
	// API talks to the server's request/response endpoints and keeps the
	// credential obtained from the secret fresh.
	API struct {
		base   *url.URL
		secret string
		http   *http.Client

		mu        sync.Mutex
		token     string
		expiresAt time.Time
		identity  model.Identity
	}

	// wsDialer opens live channels authenticated with the API's credential.
	wsDialer struct {
		api    *API
		dialer *websocket.Dialer
	}

	wsSession struct {
		conn    *websocket.Conn
		pending *model.Frame
	}
)

func NewAPI(serverURL, secret string) (*API, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, err
	}
	return &API{
		base:   u,
		secret: secret,
		http:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (a *API) endpoint(path string) string {
	u := *a.base
	u.Path = u.Path + path
	return u.String()
}

func (a *API) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		var apiErr model.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return model.Errorf(apiErr.Error, "%s", apiErr.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Verify exchanges the secret for a credential.
func (a *API) Verify(ctx context.Context) (model.Identity, error) {
	var resp model.VerifyResponse
	if err := a.do(ctx, http.MethodPost, "/identity/verify", "", model.VerifyRequest{Secret: a.secret}, &resp); err != nil {
		return model.Identity{}, err
	}

	a.mu.Lock()
	a.token = resp.Credential
	a.expiresAt = resp.ExpiresAt
	a.identity = resp.Identity
	a.mu.Unlock()
	return resp.Identity, nil
}

// Credential returns a credential valid for at least a minute, verifying
// again if needed.
func (a *API) Credential(ctx context.Context) (string, error) {
	a.mu.Lock()
	token, expiresAt := a.token, a.expiresAt
	a.mu.Unlock()

	if token != "" && time.Until(expiresAt) > refreshThreshold {
		return token, nil
	}
	if _, err := a.Verify(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, nil
}

// invalidate drops token if it is still the cached credential, so the next
// call to Credential verifies again.
func (a *API) invalidate(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == token {
		a.token = ""
		a.expiresAt = time.Time{}
	}
}

func (a *API) Me(ctx context.Context) (model.Identity, error) {
	token, err := a.Credential(ctx)
	if err != nil {
		return model.Identity{}, err
	}
	var resp model.IdentityResponse
	if err := a.do(ctx, http.MethodGet, "/identity/me", token, nil, &resp); err != nil {
		return model.Identity{}, err
	}
	return resp.Identity, nil
}

func (a *API) Pair(ctx context.Context, partnerSecret string) (model.PairResponse, error) {
	token, err := a.Credential(ctx)
	if err != nil {
		return model.PairResponse{}, err
	}
	var resp model.PairResponse
	err = a.do(ctx, http.MethodPost, "/pairing/pair", token, model.PairRequest{PartnerSecret: partnerSecret}, &resp)
	return resp, err
}

func (a *API) Unpair(ctx context.Context) (model.UnpairResponse, error) {
	token, err := a.Credential(ctx)
	if err != nil {
		return model.UnpairResponse{}, err
	}
	var resp model.UnpairResponse
	err = a.do(ctx, http.MethodPost, "/pairing/unpair", token, nil, &resp)
	return resp, err
}

func (a *API) PartnerStatus(ctx context.Context) (model.Presence, error) {
	token, err := a.Credential(ctx)
	if err != nil {
		return model.Presence{}, err
	}
	var resp model.Presence
	err = a.do(ctx, http.MethodGet, "/status/partner", token, nil, &resp)
	return resp, err
}

// Dialer returns a reconnect.Dialer for the server's live channel.
func (a *API) Dialer() reconnect.Dialer {
	return &wsDialer{
		api: a,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (a *API) wsURL() string {
	u := *a.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/ws"
	return u.String()
}

// Dial opens the live channel and returns once the server has welcomed it.
// A channel the server closes during the handshake is a failed dial.
func (d *wsDialer) Dial(ctx context.Context) (reconnect.Session, error) {
	token, err := d.api.Credential(ctx)
	if err != nil {
		return nil, err
	}

	dialer := *d.dialer
	dialer.Subprotocols = []string{frames.Subprotocol, frames.BearerPrefix + token}
	conn, _, err := dialer.DialContext(ctx, d.api.wsURL(), nil)
	if err != nil {
		return nil, err
	}

	welcome, err := awaitWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			d.api.invalidate(token)
			return nil, model.Errorf(model.KindAuth, "live channel rejected credential: %v", err)
		}
		return nil, err
	}
	return &wsSession{conn: conn, pending: &welcome}, nil
}

func awaitWelcome(ctx context.Context, conn *websocket.Conn) (model.Frame, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(welcomeTimeout)
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return model.Frame{}, err
	}
	frame, err := frames.DecodeServer(data)
	if err != nil {
		return model.Frame{}, err
	}
	if frame.Type != model.FrameWelcome {
		return model.Frame{}, model.Errorf(model.KindProtocol, "expected %s, got %s", model.FrameWelcome, frame.Type)
	}
	return frame, nil
}

func (s *wsSession) Send(frame model.Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(frame)
}

func (s *wsSession) Receive() (model.Frame, error) {
	if s.pending != nil {
		frame := *s.pending
		s.pending = nil
		return frame, nil
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return model.Frame{}, err
		}
		frame, err := frames.DecodeServer(data)
		if err != nil {
			// Unknown frames from a newer server are skipped
			continue
		}
		return frame, nil
	}
}

func (s *wsSession) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
