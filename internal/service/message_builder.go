package service

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"agent-relay/internal/domain"
)

const (
	DefaultMaxTextLength = 8000
	TruncationMarker     = "\n...[content truncated]"
	DefaultFilePrompt    = "Please analyze the attached file using the preset analysis template."
	documentHeader       = "Document content:\n"
)

var ErrEmptyMessage = errors.New("question or file is required")

// MinTextLength deja lugar para el marcador y al menos una runa de contenido.
var MinTextLength = utf8.RuneCountInString(TruncationMarker) + 1

// MessageBuilder arma el mensaje de usuario que se envia al agente.
type MessageBuilder struct {
	MaxTextLength int
	now           func() time.Time
}

func NewMessageBuilder(maxTextLength int) MessageBuilder {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}
	if maxTextLength < MinTextLength {
		maxTextLength = MinTextLength
	}
	return MessageBuilder{
		MaxTextLength: maxTextLength,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Build produce un mensaje de texto o, si hay fileID, uno multipart con la
// pregunta (o el prompt por defecto) y la referencia al archivo.
func (b MessageBuilder) Build(question, fileID string) (domain.Message, error) {
	question = strings.TrimSpace(question)
	fileID = strings.TrimSpace(fileID)
	if question == "" && fileID == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	msg := b.base()
	if fileID == "" {
		msg.ContentKind = domain.ContentText
		msg.Text = b.Truncate(question)
		return msg, nil
	}

	prompt := question
	if prompt == "" {
		prompt = DefaultFilePrompt
	}
	msg.ContentKind = domain.ContentMultipart
	msg.FileID = fileID
	msg.Parts = []domain.Part{
		{Type: domain.PartText, Text: b.Truncate(prompt)},
		{Type: domain.PartFile, FileID: fileID},
	}
	return msg, nil
}

// BuildWithDocument incrusta el texto extraido de un documento en un mensaje
// de texto. Se usa cuando el agente no acepta el archivo.
func (b MessageBuilder) BuildWithDocument(question, document string) (domain.Message, error) {
	question = strings.TrimSpace(question)
	document = strings.TrimSpace(document)
	if document == "" {
		return b.Build(question, "")
	}
	if question == "" {
		question = DefaultFilePrompt
	}
	msg := b.base()
	msg.ContentKind = domain.ContentText
	msg.Text = b.Truncate(question + "\n\n" + documentHeader + document)
	return msg, nil
}

// Truncate corta por runas y siempre agrega TruncationMarker; el resultado,
// marcador incluido, nunca supera MaxTextLength (como minimo MinTextLength).
func (b MessageBuilder) Truncate(text string) string {
	limit := b.MaxTextLength
	if limit <= 0 {
		limit = DefaultMaxTextLength
	}
	if limit < MinTextLength {
		limit = MinTextLength
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	keep := limit - utf8.RuneCountInString(TruncationMarker)
	return string(runes[:keep]) + TruncationMarker
}

func (b MessageBuilder) base() domain.Message {
	now := time.Now().UTC()
	if b.now != nil {
		now = b.now()
	}
	return domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		CreatedAt: now,
	}
}
