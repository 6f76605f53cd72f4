package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"pair_sync/internal/model"
	"pair_sync/internal/service/auth"
	"pair_sync/internal/service/directory"
	"pair_sync/internal/service/pairing"
	"pair_sync/internal/service/presence"
	"pair_sync/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type testEnv struct {
	server   *HttpServer
	http     *httptest.Server
	registry *presence.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	// Connection goroutines may outlive the test, keep them off t.Log
	log.SetLogger(zap.NewNop())

	dir := directory.New(nil)
	creds, err := auth.NewCredentials("test-seed", time.Hour)
	if err != nil {
		t.Fatalf("failed to create credentials: %v", err)
	}
	registry := presence.NewRegistry(dir, presence.Config{})
	s := NewHttpServer(Options{}, dir, pairing.NewManager(dir, nil), auth.NewGate(creds, dir), registry)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		registry.Close()
		ts.Close()
	})
	return &testEnv{server: s, http: ts, registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (e *testEnv) verify(t *testing.T, secret string) model.VerifyResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/identity/verify", "", model.VerifyRequest{Secret: secret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify %q: status %d: %s", secret, resp.StatusCode, body)
	}
	var out model.VerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to decode verify response: %v", err)
	}
	return out
}

func (e *testEnv) pair(t *testing.T, token, partnerSecret string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/pairing/pair", token, model.PairRequest{PartnerSecret: partnerSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair: status %d: %s", resp.StatusCode, body)
	}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol, auth.SubprotocolPrefix + token},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial(e.wsURL(), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expect reads frames until one of type want arrives. Error frames fail the
// test unless they are expected.
func expect(t *testing.T, conn *websocket.Conn, want model.FrameType) model.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame model.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if frame.Type == want {
			return frame
		}
		if frame.Type == model.FrameError {
			t.Fatalf("waiting for %s: got error frame %q", want, frame.Message)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func TestVerifyIdentity(t *testing.T) {
	env := newTestEnv(t)

	first := env.verify(t, "alice@1234")
	second := env.verify(t, "alice@1234")
	if first.Identity.ID != second.Identity.ID {
		t.Errorf("verify not deterministic: %s vs %s", first.Identity.ID, second.Identity.ID)
	}
	if first.Credential == "" || first.Credential == "alice@1234" {
		t.Errorf("bad credential: %q", first.Credential)
	}
	if first.Identity.Status != model.StatusOffline || first.Identity.IsOnline {
		t.Errorf("new identity not offline: %+v", first.Identity)
	}

	resp, body := env.do(t, http.MethodPost, "/identity/verify", "", model.VerifyRequest{Secret: "alice"})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), `"error":"Validation"`) {
		t.Errorf("malformed secret: have %d %s", resp.StatusCode, body)
	}
}

func TestIdentityMe(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")

	resp, body := env.do(t, http.MethodGet, "/identity/me", alice.Credential, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d: %s", resp.StatusCode, body)
	}
	var me model.IdentityResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("failed to decode me: %v", err)
	}
	if me.Identity.ID != alice.Identity.ID {
		t.Errorf("me mismatch: have %q, want %q", me.Identity.ID, alice.Identity.ID)
	}

	resp, body = env.do(t, http.MethodGet, "/identity/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), `"error":"Auth"`) {
		t.Errorf("missing credential: have %d %s", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodGet, "/identity/me", alice.Credential+"x", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("tampered credential: have %d", resp.StatusCode)
	}
}

func TestPairingErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")
	env.verify(t, "bob@2")

	tests := []struct {
		name    string
		path    string
		body    any
		status  int
		errKind string
	}{
		{"self", "/pairing/pair", model.PairRequest{PartnerSecret: "alice@1"}, http.StatusBadRequest, "SelfPair"},
		{"unpair unpaired", "/pairing/unpair", nil, http.StatusBadRequest, "NoPartner"},
		{"malformed partner", "/pairing/pair", model.PairRequest{PartnerSecret: "bob"}, http.StatusBadRequest, "Validation"},
		{"pair", "/pairing/pair", model.PairRequest{PartnerSecret: "bob@2"}, http.StatusOK, ""},
		{"pair again", "/pairing/pair", model.PairRequest{PartnerSecret: "carol@3"}, http.StatusBadRequest, "AlreadyPaired"},
		{"unpair", "/pairing/unpair", nil, http.StatusOK, ""},
		{"unpair twice", "/pairing/unpair", nil, http.StatusBadRequest, "NoPartner"},
	}
	for _, tt := range tests {
		resp, body := env.do(t, http.MethodPost, tt.path, alice.Credential, tt.body)
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status mismatch: have %d, want %d: %s", tt.name, resp.StatusCode, tt.status, body)
			continue
		}
		if tt.errKind != "" && !strings.Contains(string(body), `"error":"`+tt.errKind+`"`) {
			t.Errorf("%s: body mismatch: %s", tt.name, body)
		}
	}
}

func TestPairResponse(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")

	resp, body := env.do(t, http.MethodPost, "/pairing/pair", alice.Credential, model.PairRequest{PartnerSecret: "bob@2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair: status %d: %s", resp.StatusCode, body)
	}
	var paired model.PairResponse
	if err := json.Unmarshal(body, &paired); err != nil {
		t.Fatalf("failed to decode pair: %v", err)
	}
	if paired.Self.PartnerID != paired.Partner.ID || paired.Partner.PartnerID != paired.Self.ID {
		t.Errorf("pair not symmetric: %+v", paired)
	}

	resp, body = env.do(t, http.MethodPost, "/pairing/unpair", alice.Credential, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unpair: status %d: %s", resp.StatusCode, body)
	}
	var unpaired model.UnpairResponse
	if err := json.Unmarshal(body, &unpaired); err != nil {
		t.Fatalf("failed to decode unpair: %v", err)
	}
	if unpaired.Self.HasPartner() || unpaired.FormerPartner.HasPartner() || unpaired.FormerPartner.ID != paired.Partner.ID {
		t.Errorf("unpair result mismatch: %+v", unpaired)
	}
}

// Tests that a status update is acknowledged to the sender and forwarded to
// the connected partner.
func TestStatusBroadcast(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")
	bob := env.verify(t, "bob@2")
	env.pair(t, alice.Credential, "bob@2")

	b := env.dial(t, bob.Credential)
	welcome := expect(t, b, model.FrameWelcome)
	if welcome.Identity == nil || welcome.Identity.PartnerID != alice.Identity.ID || !welcome.Identity.IsOnline {
		t.Fatalf("welcome mismatch: %+v", welcome.Identity)
	}

	a := env.dial(t, alice.Credential)
	expect(t, a, model.FrameWelcome)
	expect(t, b, model.FramePartnerOnline)

	send(t, a, `{"type":"status:update","status":"busy"}`)
	ack := expect(t, a, model.FrameStatusUpdated)
	if ack.Status == nil || *ack.Status != "busy" || ack.Timestamp == nil {
		t.Errorf("ack mismatch: %+v", ack)
	}
	forwarded := expect(t, b, model.FramePartnerStatus)
	if forwarded.Status == nil || *forwarded.Status != "busy" || !forwarded.Timestamp.Equal(*ack.Timestamp) {
		t.Errorf("forwarded mismatch: %+v", forwarded)
	}

	resp, body := env.do(t, http.MethodGet, "/status/partner", bob.Credential, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"busy"`) {
		t.Errorf("partner status: have %d %s", resp.StatusCode, body)
	}

	// Closing alice's connection tells bob she went offline
	a.Close()
	offline := expect(t, b, model.FramePartnerOffline)
	if offline.Timestamp == nil {
		t.Errorf("offline frame without timestamp")
	}
}

// Tests that the sender is acknowledged even when its partner is away.
func TestStatusAckWithoutPartner(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")
	env.pair(t, alice.Credential, "bob@2")

	a := env.dial(t, alice.Credential)
	expect(t, a, model.FrameWelcome)

	send(t, a, `{"type":"status:update","status":"away"}`)
	ack := expect(t, a, model.FrameStatusUpdated)
	if *ack.Status != "away" {
		t.Errorf("ack status mismatch: %q", *ack.Status)
	}
}

// Tests that malformed frames produce an error frame and leave the channel
// usable.
func TestMalformedFrames(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")

	a := env.dial(t, alice.Credential)
	expect(t, a, model.FrameWelcome)

	for _, raw := range []string{
		`{"type":"status:update","status":42}`,
		`{"type":"status:update"}`,
		`{"type":"dance"}`,
		`not json`,
	} {
		send(t, a, raw)
		if frame := expect(t, a, model.FrameError); frame.Message == "" {
			t.Errorf("%s: error frame without message", raw)
		}
	}

	send(t, a, `{"type":"status:update","status":"fine"}`)
	if ack := expect(t, a, model.FrameStatusUpdated); *ack.Status != "fine" {
		t.Errorf("channel unusable after errors: %+v", ack)
	}
}

// Tests that an oversized frame is answered with an error frame and the
// channel stays open.
func TestOversizedFrame(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")

	a := env.dial(t, alice.Credential)
	expect(t, a, model.FrameWelcome)

	big := `{"type":"status:update","status":"` + strings.Repeat("x", 5000) + `"}`
	send(t, a, big)
	if frame := expect(t, a, model.FrameError); !strings.Contains(frame.Message, "exceeds") {
		t.Errorf("error message mismatch: %q", frame.Message)
	}

	send(t, a, `{"type":"status:update","status":"fine"}`)
	if ack := expect(t, a, model.FrameStatusUpdated); *ack.Status != "fine" {
		t.Errorf("channel unusable after oversized frame: %+v", ack)
	}
}

func TestWSAuthFailure(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "bogus")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, have %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || !strings.HasPrefix(closeErr.Text, "authentication failed") {
		t.Errorf("close mismatch: %d %q", closeErr.Code, closeErr.Text)
	}
	if env.registry.Len() != 0 {
		t.Errorf("unauthenticated channel registered")
	}
}

// Tests the query parameter fallback and that a newer connection supersedes
// the older one.
func TestWSQueryCredentialAndSupersede(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")

	first := env.dial(t, alice.Credential)
	expect(t, first, model.FrameWelcome)

	u := env.wsURL() + "?" + url.Values{auth.QueryParam: {alice.Credential}}.Encode()
	second, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("failed to dial with query credential: %v", err)
	}
	defer second.Close()
	expect(t, second, model.FrameWelcome)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Text != presence.ReasonSuperseded {
		t.Errorf("superseded close mismatch: %v", err)
	}

	send(t, second, `{"type":"status:update","status":"here"}`)
	expect(t, second, model.FrameStatusUpdated)
}

func TestPutStatus(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")
	bob := env.verify(t, "bob@2")
	env.pair(t, alice.Credential, "bob@2")

	b := env.dial(t, bob.Credential)
	expect(t, b, model.FrameWelcome)

	resp, body := env.do(t, http.MethodPut, "/status", alice.Credential, map[string]any{"status": "lunch"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status: %d %s", resp.StatusCode, body)
	}
	if frame := expect(t, b, model.FramePartnerStatus); *frame.Status != "lunch" {
		t.Errorf("forwarded status mismatch: %q", *frame.Status)
	}

	resp, _ = env.do(t, http.MethodPut, "/status", alice.Credential, map[string]any{"status": 7})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non string status: have %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/status", alice.Credential, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"lunch"`) {
		t.Errorf("own status: have %d %s", resp.StatusCode, body)
	}
}

func TestPartnerStatusUnpaired(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verify(t, "alice@1")

	resp, body := env.do(t, http.MethodGet, "/status/partner", alice.Credential, nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), `"error":"NoPartner"`) {
		t.Errorf("unpaired partner status: have %d %s", resp.StatusCode, body)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("health: have %d %s", resp.StatusCode, body)
	}
}
