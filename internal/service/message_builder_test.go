package service

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"agent-relay/internal/domain"
)

func TestMessageBuilder_Build(t *testing.T) {
	b := NewMessageBuilder(100)

	t.Run("text only", func(t *testing.T) {
		msg, err := b.Build("  Rate my resume  ", "")
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if msg.ContentKind != domain.ContentText || msg.Text != "Rate my resume" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if msg.Role != domain.RoleUser || msg.ID == "" {
			t.Fatalf("expected user role and id, got %+v", msg)
		}
	})

	t.Run("file with question", func(t *testing.T) {
		msg, err := b.Build("Check this", "file-1")
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if msg.ContentKind != domain.ContentMultipart || msg.FileID != "file-1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if len(msg.Parts) != 2 || msg.Parts[0].Text != "Check this" || msg.Parts[1].FileID != "file-1" {
			t.Fatalf("unexpected parts: %+v", msg.Parts)
		}
	})

	t.Run("file without question uses default prompt", func(t *testing.T) {
		msg, err := b.Build("   ", "file-1")
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if msg.Parts[0].Text != DefaultFilePrompt {
			t.Fatalf("expected default prompt, got %q", msg.Parts[0].Text)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := b.Build(" ", ""); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage, got %v", err)
		}
	})
}

func TestMessageBuilder_Truncate(t *testing.T) {
	b := NewMessageBuilder(50)

	short := "hola"
	if got := b.Truncate(short); got != short {
		t.Fatalf("short text should be untouched, got %q", got)
	}

	long := strings.Repeat("ñ", 80)
	got := b.Truncate(long)
	if utf8.RuneCountInString(got) != 50 {
		t.Fatalf("expected 50 runes, got %d", utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}

}

func TestMessageBuilder_TruncateSmallLimitKeepsMarker(t *testing.T) {
	tiny := NewMessageBuilder(5)
	if tiny.MaxTextLength != MinTextLength {
		t.Fatalf("expected limit clamped to %d, got %d", MinTextLength, tiny.MaxTextLength)
	}
	long := strings.Repeat("x", 100)
	if got := tiny.Truncate(long); got != "x"+TruncationMarker {
		t.Fatalf("expected one rune plus marker, got %q", got)
	}

	// un builder armado a mano tambien respeta el minimo
	literal := MessageBuilder{MaxTextLength: 3}
	got := literal.Truncate(long)
	if !strings.HasSuffix(got, TruncationMarker) || utf8.RuneCountInString(got) != MinTextLength {
		t.Fatalf("expected marker within %d runes, got %q", MinTextLength, got)
	}
}

func TestMessageBuilder_BuildWithDocument(t *testing.T) {
	b := NewMessageBuilder(DefaultMaxTextLength)

	msg, err := b.BuildWithDocument("", "Jane Doe\nGo developer")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.ContentKind != domain.ContentText {
		t.Fatalf("expected text message, got %s", msg.ContentKind)
	}
	if !strings.HasPrefix(msg.Text, DefaultFilePrompt) || !strings.Contains(msg.Text, "Go developer") {
		t.Fatalf("unexpected text: %q", msg.Text)
	}

	if _, err := b.BuildWithDocument("", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage for empty document without question, got %v", err)
	}
}
