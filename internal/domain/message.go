package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type ContentKind string

const (
	ContentText      ContentKind = "text"
	ContentMultipart ContentKind = "multipart"
)

type PartType string

const (
	PartText PartType = "text"
	PartFile PartType = "file"
)

// Part es un fragmento tipado de un mensaje multipart.
type Part struct {
	Type   PartType `json:"type"`
	Text   string   `json:"text,omitempty"`
	FileID string   `json:"file_id,omitempty"`
}

// Message es inmutable una vez construido: Text se usa cuando ContentKind es
// text y Parts cuando es multipart.
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	ContentKind ContentKind `json:"content_kind"`
	Text        string      `json:"text,omitempty"`
	Parts       []Part      `json:"parts,omitempty"`
	FileID      string      `json:"file_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PlainText devuelve el contenido legible del mensaje, uniendo las partes de
// texto cuando es multipart.
func (m Message) PlainText() string {
	if m.ContentKind != ContentMultipart {
		return m.Text
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HistoryMessage es un mensaje tal como lo devuelve el historial del agente.
type HistoryMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id,omitempty"`
	Role           Role      `json:"role"`
	Type           string    `json:"type"`
	ContentType    string    `json:"content_type"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
