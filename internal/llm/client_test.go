package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agent-relay/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "secret-key", "bot-1", 5*time.Second, nil)
}

func TestCreateConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversation/create" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret-key" {
			t.Errorf("missing bearer token")
		}
		_, _ = io.WriteString(w, `{"code":0,"msg":"","data":{"id":"conv-9"}}`)
	})

	id, err := c.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if id != "conv-9" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestCreateConversation_MissingID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":0,"data":{}}`)
	})
	if _, err := c.CreateConversation(context.Background()); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestCreateConversation_EnvelopeCodeIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":4100,"msg":"token expired"}`)
	})
	_, err := c.CreateConversation(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 4100 || apiErr.Message != "token expired" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestHTTPErrorWithHTMLBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>not here</body></html>")
	})
	_, err := c.CreateConversation(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || !strings.Contains(apiErr.Message, "HTML") {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "check the API URL") {
		t.Fatalf("expected status hint, got %q", apiErr.Error())
	}
}

func TestUploadFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/files/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "cv.pdf" || string(data) != "%PDF-1.4" {
			t.Errorf("unexpected upload %s %q", header.Filename, data)
		}
		if header.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("unexpected part content type %q", header.Header.Get("Content-Type"))
		}
		_, _ = io.WriteString(w, `{"code":0,"data":{"id":"file-1","bytes":8,"file_name":"cv.pdf"}}`)
	})

	id, err := c.UploadFile(context.Background(), domain.UploadedFile{Name: "cv.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if id != "file-1" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestStreamChat_SendsMultipartMessageAndReturnsBody(t *testing.T) {
	var got chatRequestBody
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/chat" || r.URL.Query().Get("conversation_id") != "conv-1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event:done\ndata:\"[DONE]\"\n\n")
	})

	msg := domain.Message{
		Role:        domain.RoleUser,
		ContentKind: domain.ContentMultipart,
		Parts: []domain.Part{
			{Type: domain.PartText, Text: "analiza"},
			{Type: domain.PartFile, FileID: "file-1"},
		},
	}
	body, err := c.StreamChat(context.Background(), ChatRequest{
		ConversationID: "conv-1",
		IsolationKey:   "iso-1",
		Message:        msg,
		Mode:           domain.ModeMock,
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	defer body.Close()
	raw, _ := io.ReadAll(body)
	if !strings.Contains(string(raw), "event:done") {
		t.Fatalf("unexpected stream body %q", raw)
	}

	if !got.Stream || got.BotID != "bot-1" || got.UserID != "iso-1" {
		t.Fatalf("unexpected chat body %+v", got)
	}
	if got.MetaData["isolation_key"] != "iso-1" || got.CustomVariables["analysis_type"] != "mock" {
		t.Fatalf("expected isolation key and analysis type, got %+v", got)
	}
	if len(got.AdditionalMessages) != 1 {
		t.Fatalf("expected one message, got %d", len(got.AdditionalMessages))
	}
	wm := got.AdditionalMessages[0]
	if wm.ContentType != "object_string" || wm.Type != "question" || wm.Role != "user" {
		t.Fatalf("unexpected wire message %+v", wm)
	}
	if wm.Content != `[{"type":"text","text":"analiza"},{"type":"file","file_id":"file-1"}]` {
		t.Fatalf("unexpected multipart content %s", wm.Content)
	}
}

func TestStreamChat_JSONErrorInsteadOfStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"code":4015,"msg":"bot not published"}`)
	})
	_, err := c.StreamChat(context.Background(), ChatRequest{ConversationID: "c", Message: domain.Message{Text: "hola"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 4015 {
		t.Fatalf("expected APIError code 4015, got %v", err)
	}
}

func TestStreamChat_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})
	_, err := c.StreamChat(context.Background(), ChatRequest{ConversationID: "c", Message: domain.Message{Text: "hola"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 429 || apiErr.Message != "slow down" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestChatMessagesFlattensObjectContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("chat_id") != "chat-1" {
			t.Errorf("missing chat id")
		}
		_, _ = io.WriteString(w, `{"code":0,"data":[
			{"id":"m1","role":"user","type":"question","content_type":"object_string","content":"[{\"type\":\"text\",\"text\":\"revisa\"},{\"type\":\"file\",\"file_id\":\"f\"}]","created_at":1700000000},
			{"id":"m2","role":"assistant","type":"answer","content_type":"text","content":"listo","created_at":1700000001}
		]}`)
	})
	msgs, err := c.ChatMessages(context.Background(), "conv-1", "chat-1")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "revisa" || msgs[1].Content != "listo" {
		t.Fatalf("unexpected contents %q %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[1].CreatedAt.Unix() != 1700000001 {
		t.Fatalf("unexpected timestamp %v", msgs[1].CreatedAt)
	}
}

func TestListMessagesPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["order"] != "desc" || body["limit"] != float64(5) {
			t.Errorf("unexpected list body %+v", body)
		}
		_, _ = io.WriteString(w, `{"code":0,"data":[{"id":"m1","role":"user","content":"hola"}],"first_id":"m1","last_id":"m1","has_more":true}`)
	})
	page, err := c.ListMessages(context.Background(), "conv-1", ListOptions{Order: "desc", Limit: 5})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(page.Messages) != 1 || !page.HasMore || page.FirstID != "m1" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestFlattenContent_PlainTextUntouched(t *testing.T) {
	if got := FlattenContent("text", "[no es json"); got != "[no es json" {
		t.Fatalf("unexpected %q", got)
	}
}
