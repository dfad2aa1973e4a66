package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nexus-im/courier/internal/attachment"
	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/messaging"
	"github.com/nexus-im/courier/store/memstore"
	"github.com/nexus-im/courier/store/user"
)

type testServer struct {
	srv     *Server
	authn   *auth.Authenticator
	alice   user.User
	bob     user.User
	charlie user.User
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	return newLoggedTestServer(t, cfg, zap.NewNop())
}

func newLoggedTestServer(t *testing.T, cfg Config, log *zap.Logger) *testServer {
	t.Helper()
	db := memstore.New()
	ts := &testServer{
		authn:   auth.NewAuthenticator("test-secret", "courier", time.Hour),
		alice:   db.AddUser(user.User{Username: "alice", DisplayName: "Alice"}),
		bob:     db.AddUser(user.User{Username: "bob", DisplayName: "Bob"}),
		charlie: db.AddUser(user.User{Username: "charlie"}),
	}
	svc := messaging.New(db.Conversations(), db.Messages(), db.Users(),
		attachment.NewSaver(attachment.NewMemoryStore()), messaging.Options{})
	ts.srv = New(svc, ts.authn, log, cfg)
	t.Cleanup(func() {
		if ts.srv.limiter != nil {
			ts.srv.limiter.Close()
		}
	})
	return ts
}

func (ts *testServer) token(t *testing.T, u user.User) string {
	t.Helper()
	tok, err := ts.authn.GenerateToken(u.ID, u.Username)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, req *http.Request, as *user.User) (int, map[string]any) {
	t.Helper()
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, *as))
	}
	resp, err := ts.srv.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, body
}

func jsonRequest(method, target string, payload any) *http.Request {
	var buf bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&buf).Encode(payload)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (ts *testServer) start(t *testing.T, from user.User, username string) string {
	t.Helper()
	status, body := ts.do(t, jsonRequest(http.MethodPost, "/api/conversations/start/"+username, nil), &from)
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("start conversation: status %d body %v", status, body)
	}
	return body["conversation_id"].(string)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := ts.srv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/conversations", nil), nil)
	if status != http.StatusUnauthorized || errorCode(body) != "unauthenticated" {
		t.Errorf("status = %d body = %v", status, body)
	}
}

func TestStartConversation(t *testing.T) {
	ts := newTestServer(t, Config{})

	status, body := ts.do(t, jsonRequest(http.MethodPost, "/api/conversations/start/bob", nil), &ts.alice)
	if status != http.StatusCreated || body["created"] != true {
		t.Fatalf("first start: status %d body %v", status, body)
	}
	id := body["conversation_id"]

	status, body = ts.do(t, jsonRequest(http.MethodPost, "/api/conversations/start/alice", nil), &ts.bob)
	if status != http.StatusOK || body["created"] != false || body["conversation_id"] != id {
		t.Errorf("reverse start: status %d body %v", status, body)
	}

	status, body = ts.do(t, jsonRequest(http.MethodPost, "/api/conversations/start/alice", nil), &ts.alice)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_operation" {
		t.Errorf("self start: status %d body %v", status, body)
	}

	status, body = ts.do(t, jsonRequest(http.MethodPost, "/api/conversations/start/nobody", nil), &ts.alice)
	if status != http.StatusNotFound || errorCode(body) != "not_found" {
		t.Errorf("unknown user: status %d body %v", status, body)
	}
}

func TestSendAndPoll(t *testing.T) {
	ts := newTestServer(t, Config{})
	convID := ts.start(t, ts.alice, "bob")
	base := "/api/conversations/" + convID

	status, sent := ts.do(t, jsonRequest(http.MethodPost, base+"/messages", map[string]string{"message": "Hello <b>Bob</b>"}), &ts.alice)
	if status != http.StatusCreated {
		t.Fatalf("send: status %d body %v", status, sent)
	}
	if sent["body"] != "Hello &lt;b&gt;Bob&lt;/b&gt;" || sent["is_self"] != true {
		t.Errorf("send echo = %v", sent)
	}

	status, body := ts.do(t, httptest.NewRequest(http.MethodGet, base+"/poll?tz=UTC", nil), &ts.bob)
	if status != http.StatusOK {
		t.Fatalf("poll: status %d body %v", status, body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("poll returned %d messages", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["id"] != sent["id"] || first["is_self"] != false || first["sender"] != "alice" {
		t.Errorf("polled message = %v", first)
	}

	status, body = ts.do(t, httptest.NewRequest(http.MethodGet, base+"/poll?last_msg_id="+sent["id"].(string), nil), &ts.bob)
	if status != http.StatusOK || len(body["messages"].([]any)) != 0 {
		t.Errorf("caught-up poll: status %d body %v", status, body)
	}

	status, body = ts.do(t, httptest.NewRequest(http.MethodGet, base+"/poll?last_msg_id=bogus", nil), &ts.bob)
	if status != http.StatusOK || len(body["messages"].([]any)) != 0 {
		t.Errorf("bogus cursor poll: status %d body %v", status, body)
	}

	status, body = ts.do(t, httptest.NewRequest(http.MethodGet, base+"/messages", nil), &ts.alice)
	if status != http.StatusOK || len(body["messages"].([]any)) != 1 {
		t.Errorf("history: status %d body %v", status, body)
	}

	status, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/conversations", nil), &ts.bob)
	if status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}
	convs := body["conversations"].([]any)
	if len(convs) != 1 || convs[0].(map[string]any)["unread_count"] != float64(1) {
		t.Errorf("list = %v", convs)
	}

	status, _ = ts.do(t, httptest.NewRequest(http.MethodPost, base+"/read", nil), &ts.bob)
	if status != http.StatusNoContent {
		t.Errorf("mark read: status %d", status)
	}
}

func TestSendValidationErrors(t *testing.T) {
	ts := newTestServer(t, Config{})
	convID := ts.start(t, ts.alice, "bob")

	status, body := ts.do(t, jsonRequest(http.MethodPost, "/api/conversations/"+convID+"/messages", map[string]string{"message": "   "}), &ts.alice)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_argument" {
		t.Errorf("empty message: status %d body %v", status, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+convID+"/messages", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	status, body = ts.do(t, req, &ts.alice)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_argument" {
		t.Errorf("malformed json: status %d body %v", status, body)
	}
}

func TestNonMemberGetsNotFound(t *testing.T) {
	ts := newTestServer(t, Config{})
	convID := ts.start(t, ts.alice, "bob")

	cases := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/conversations/"+convID+"/poll", nil),
		httptest.NewRequest(http.MethodGet, "/api/conversations/"+convID+"/messages", nil),
		jsonRequest(http.MethodPost, "/api/conversations/"+convID+"/messages", map[string]string{"message": "hi"}),
		httptest.NewRequest(http.MethodGet, "/api/conversations/6f1c3c1e-0000-4000-8000-000000000000/poll", nil),
		httptest.NewRequest(http.MethodGet, "/api/conversations/not-a-uuid/poll", nil),
	}
	for _, req := range cases {
		status, body := ts.do(t, req, &ts.charlie)
		if status != http.StatusNotFound || errorCode(body) != "not_found" {
			t.Errorf("%s %s: status %d body %v", req.Method, req.URL.Path, status, body)
		}
	}
}

func TestSendImageMultipart(t *testing.T) {
	ts := newTestServer(t, Config{})
	convID := ts.start(t, ts.alice, "bob")

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="dot.png"`)
	h.Set("Content-Type", "image/png")
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+convID+"/messages", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	status, body := ts.do(t, req, &ts.alice)
	if status != http.StatusCreated {
		t.Fatalf("send image: status %d body %v", status, body)
	}
	if body["image_url"] == nil || body["thumbnail_url"] == nil {
		t.Errorf("image echo = %v", body)
	}

	_, list := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/conversations", nil), &ts.bob)
	conv := list["conversations"].([]any)[0].(map[string]any)
	if conv["last_message_preview"] != "📷 Image" {
		t.Errorf("preview = %v", conv["last_message_preview"])
	}
}

func TestSearchUsers(t *testing.T) {
	ts := newTestServer(t, Config{})

	status, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/users/search?q=b", nil), &ts.alice)
	if status != http.StatusOK {
		t.Fatalf("search: status %d", status)
	}
	users := body["users"].([]any)
	if len(users) != 1 || users[0].(map[string]any)["username"] != "bob" {
		t.Errorf("users = %v", users)
	}

	status, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/users/search?q="+strings.Repeat("x", 101), nil), &ts.alice)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_argument" {
		t.Errorf("long query: status %d body %v", status, body)
	}
}

func TestPollRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{PollRPS: 0.001, PollBurst: 1})
	convID := ts.start(t, ts.alice, "bob")
	target := "/api/conversations/" + convID + "/poll"

	if status, _ := ts.do(t, httptest.NewRequest(http.MethodGet, target, nil), &ts.alice); status != http.StatusOK {
		t.Fatalf("first poll: status %d", status)
	}
	status, body := ts.do(t, httptest.NewRequest(http.MethodGet, target, nil), &ts.alice)
	if status != http.StatusTooManyRequests || errorCode(body) != "rate_limited" {
		t.Errorf("second poll: status %d body %v", status, body)
	}

	// Limits are per user.
	if status, _ := ts.do(t, httptest.NewRequest(http.MethodGet, target, nil), &ts.bob); status != http.StatusOK {
		t.Errorf("other user's poll: status %d", status)
	}
}

func TestRequestLogNamesCaller(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ts := newLoggedTestServer(t, Config{}, zap.New(core))

	status, _ := ts.do(t, jsonRequest(http.MethodGet, "/api/conversations", nil), &ts.alice)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 request log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["username"] != "alice" || fields["user_id"] != ts.alice.ID {
		t.Errorf("request log fields = %v", fields)
	}
	if fields["status"] != int64(http.StatusOK) {
		t.Errorf("status field = %v", fields["status"])
	}
}
