package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-relay/internal/domain"
	"agent-relay/internal/llm"
	"agent-relay/internal/metrics"
	"agent-relay/internal/service"
	"agent-relay/internal/sse"
)

func frame(event, data string) string {
	return "event:" + event + "\ndata:" + data + "\n\n"
}

var agentStream = strings.Join([]string{
	frame(llm.EventChatCreated, `{"id":"chat-1","conversation_id":"conv-1"}`),
	frame(llm.EventMessageDelta, `{"id":"m1","role":"assistant","type":"answer","content":"Hel"}`),
	frame(llm.EventMessageDelta, `{"id":"m1","role":"assistant","type":"answer","content":"lo"}`),
	frame(llm.EventMessageCompleted, `{"id":"m1","role":"assistant","type":"answer","content":"Hello","content_type":"text"}`),
	"data: [DONE]\n\n",
}, "")

type testServer struct {
	router  *gin.Engine
	agent   *llm.MockAgent
	verify  *service.TokenVerifier
	metrics *metrics.Relay
}

type serverOption func(*RouterDeps)

func withVerifier(v *service.TokenVerifier) serverOption {
	return func(d *RouterDeps) { d.Verifier = v }
}

func withLimiter(l service.RateLimiter) serverOption {
	return func(d *RouterDeps) { d.Limiter = l }
}

func newTestServer(t *testing.T, agent *llm.MockAgent, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	m := metrics.NewRelay(reg)
	sessions := service.NewSessionService(agent, nil, "secret", nil)
	relay := service.NewRelayService(agent, sessions, service.NewMessageBuilder(100), nil,
		service.WithMetrics(m),
		service.WithPolling(2, time.Millisecond),
	)
	deps := RouterDeps{
		Chat:           NewChatHandler(nil, relay, agent, service.NewFileIntake(1024), 0),
		Handlers:       NewHandlers(nil, sessions, relay, map[string]any{"environment": "test"}),
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{router: NewRouter(deps), agent: agent, metrics: m}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// readEvents decodifica el cuerpo SSE del relay y comprueba el centinela final.
func readEvents(t *testing.T, body string) []domain.StreamEvent {
	t.Helper()
	dec := sse.NewDecoder(strings.NewReader(body))
	var events []domain.StreamEvent
	sawDone := false
	for {
		f, err := dec.Next()
		if err != nil {
			break
		}
		if f.Done() {
			sawDone = true
			continue
		}
		ev, err := domain.DecodeEvent([]byte(f.Data))
		if err != nil {
			t.Fatalf("decode event %q: %v", f.Data, err)
		}
		events = append(events, ev)
	}
	if !sawDone {
		t.Fatalf("stream did not end with [DONE]: %q", body)
	}
	return events
}

func eventTypes(events []domain.StreamEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type())
	}
	return out
}

func TestAnalyzeStream_TextQuestion(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{ConversationID: "conv-1", StreamBody: agentStream})

	rec := srv.do(jsonRequest(http.MethodPost, "/analyze", `{"userId":"u1","question":"Rate my resume","analysisType":"evaluate"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	want := []domain.EventType{
		domain.EventSessionStarted,
		domain.EventContentDelta,
		domain.EventContentDelta,
		domain.EventContentComplete,
		domain.EventEnded,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	started := events[0].(domain.SessionStarted)
	if started.ConversationID != "conv-1" || started.ChatID != "chat-1" {
		t.Fatalf("unexpected session event: %+v", started)
	}
	if srv.agent.CreateCalls != 1 || srv.agent.RequestCount() != 1 {
		t.Fatalf("expected one create and one send")
	}
}

func TestAnalyzeStream_UpstreamErrorIsFailedEvent(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{
		ConversationID: "conv-1",
		StreamErr:      &llm.APIError{Status: 401, Hint: "authentication failed, check the API key"},
	})

	rec := srv.do(jsonRequest(http.MethodPost, "/analyze", `{"userId":"u1","question":"hi"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once streaming started, got %d", rec.Code)
	}
	events := readEvents(t, rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", eventTypes(events))
	}
	failed, ok := events[0].(domain.Failed)
	if !ok || failed.Code != 401 {
		t.Fatalf("unexpected terminal: %+v", events[0])
	}
}

func TestAnalyzeStream_ValidationErrors(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{ConversationID: "conv-1"})

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing question", `{"userId":"u1"}`, http.StatusBadRequest},
		{"invalid type", `{"userId":"u1","question":"hi","analysisType":"poem"}`, http.StatusBadRequest},
		{"missing user", `{"question":"hi"}`, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(jsonRequest(http.MethodPost, "/analyze", tc.body))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
				t.Fatalf("expected JSON error, got %q", rec.Header().Get("Content-Type"))
			}
		})
	}
	if srv.agent.CreateCalls != 0 || srv.agent.RequestCount() != 0 {
		t.Fatalf("invalid requests must not reach the agent")
	}
}

func multipartRequest(t *testing.T, path string, fields map[string]string, fileName string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestAnalyzeStream_MultipartFile(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{ConversationID: "conv-1", FileID: "file-1", StreamBody: agentStream})

	req := multipartRequest(t, "/analyze", map[string]string{"userId": "u1", "analysisType": "generate"}, "cv.txt", []byte("Jane Doe, Go developer"))
	rec := srv.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	readEvents(t, rec.Body.String())

	if srv.agent.UploadCalls != 1 {
		t.Fatalf("expected one upload, got %d", srv.agent.UploadCalls)
	}
	sent := srv.agent.Requests[0]
	if sent.Mode != domain.ModeGenerate || sent.Message.FileID != "file-1" {
		t.Fatalf("unexpected chat request: %+v", sent)
	}
}

func TestAnalyzeStream_FileRejections(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{ConversationID: "conv-1"})

	unsupported := multipartRequest(t, "/analyze", map[string]string{"userId": "u1"}, "archive.zip", []byte("PK\x03\x04\x14\x00\x00\x00"))
	if rec := srv.do(unsupported); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}

	big := multipartRequest(t, "/analyze", map[string]string{"userId": "u1"}, "cv.txt", bytes.Repeat([]byte("a"), 2048))
	if rec := srv.do(big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if srv.agent.UploadCalls != 0 {
		t.Fatalf("rejected files must not be uploaded")
	}
}

func TestAnalyzeStream_JWTIdentity(t *testing.T) {
	verifier := service.NewTokenVerifier("jwt-secret", "")
	srv := newTestServer(t, &llm.MockAgent{ConversationID: "conv-1", StreamBody: agentStream}, withVerifier(verifier))

	rec := srv.do(jsonRequest(http.MethodPost, "/analyze", `{"userId":"spoofed","question":"hi"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := verifier.IssueAccessToken("real-user", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := jsonRequest(http.MethodPost, "/analyze", `{"userId":"spoofed","question":"hi"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = srv.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	readEvents(t, rec.Body.String())

	list := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	list.Header.Set("Authorization", "Bearer "+token)
	rec = srv.do(list)
	var resp struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].OwnerID != "real-user" {
		t.Fatalf("expected conversation owned by token user, got %+v", resp.Conversations)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{ConversationID: "conv-1", StreamBody: agentStream},
		withLimiter(service.NewMemoryRateLimiter(1)))

	req := jsonRequest(http.MethodPost, "/analyze", `{"question":"hi"}`)
	req.Header.Set(UserIDHeader, "u1")
	if rec := srv.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	req = jsonRequest(http.MethodPost, "/analyze", `{"question":"hi"}`)
	req.Header.Set(UserIDHeader, "u1")
	if rec := srv.do(req); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestAnalyzeSync(t *testing.T) {
	agent := &llm.MockAgent{
		ConversationID: "conv-1",
		Chat:           llm.ChatInfo{ID: "chat-1"},
		History:        []domain.HistoryMessage{{Role: domain.RoleAssistant, Type: "answer", Content: "Solid resume."}},
	}
	srv := newTestServer(t, agent)

	rec := srv.do(jsonRequest(http.MethodPost, "/analyze/sync", `{"userId":"u1","question":"hi","analysisType":"mock"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result service.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Content != "Solid resume." || result.Mode != domain.ModeMock {
		t.Fatalf("unexpected result: %+v", result)
	}

	agent.History = nil
	rec = srv.do(jsonRequest(http.MethodPost, "/analyze/sync", `{"userId":"u1","question":"hi"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while pending, got %d", rec.Code)
	}
}

func TestUploadFile(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{FileID: "file-7"})

	rec := srv.do(multipartRequest(t, "/files", map[string]string{"userId": "u1"}, "cv.txt", []byte("Jane Doe")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["fileId"] != "file-7" || resp["mimeType"] != "text/plain" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	srv.agent.UploadErr = errors.New("connection reset")
	rec = srv.do(multipartRequest(t, "/files", map[string]string{"userId": "u1"}, "cv.txt", []byte("Jane Doe")))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	agent := &llm.MockAgent{
		ConversationID: "conv-1",
		StreamBody:     agentStream,
		History:        []domain.HistoryMessage{{ID: "m1", Role: domain.RoleUser, Content: "hi"}},
	}
	srv := newTestServer(t, agent)

	srv.do(jsonRequest(http.MethodPost, "/analyze", `{"userId":"owner","question":"hi"}`))

	req := httptest.NewRequest(http.MethodGet, "/conversations/conv-1/messages?limit=10", nil)
	req.Header.Set(UserIDHeader, "owner")
	rec := srv.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"m1"`) {
		t.Fatalf("expected history in body, got %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/conversations/conv-1/messages", nil)
	req.Header.Set(UserIDHeader, "intruder")
	if rec := srv.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign conversation, got %d", rec.Code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	srv := newTestServer(t, &llm.MockAgent{})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/analysis-types", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"evaluate"`) {
		t.Fatalf("unexpected analysis types response: %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	srv.metrics.ObserveEvent(domain.EventEnded)
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "agent_relay_events_total") {
		t.Fatalf("unexpected metrics response: %d", rec.Code)
	}

	rec = srv.do(httptest.NewRequest(http.MethodOptions, "/analyze", nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response: %d %v", rec.Code, rec.Header())
	}
}
