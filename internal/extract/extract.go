package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"agent-relay/internal/domain"
)

var (
	ErrUnsupportedType = errors.New("text extraction not supported for this file type")
	ErrNoText          = errors.New("no extractable text in file")
)

// Extractor obtiene texto plano de un archivo adjunto.
type Extractor interface {
	Extract(ctx context.Context, file domain.UploadedFile) (string, error)
}

// DocumentExtractor soporta PDF y texto plano. Las imagenes no tienen texto
// que extraer sin OCR.
type DocumentExtractor struct {
	// MaxBytes limita cuanto texto se lee de un PDF; 0 significa sin limite.
	MaxBytes int64
}

func NewDocumentExtractor(maxBytes int64) *DocumentExtractor {
	return &DocumentExtractor{MaxBytes: maxBytes}
}

func (e *DocumentExtractor) Extract(ctx context.Context, file domain.UploadedFile) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var (
		text string
		err  error
	)
	switch baseType(file.MIMEType) {
	case "application/pdf":
		text, err = e.pdfText(file.Data)
	case "text/plain":
		text = plainText(file.Data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, file.MIMEType)
	}
	if err != nil {
		return "", err
	}
	text = normalizeWhitespace(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func (e *DocumentExtractor) pdfText(data []byte) (text string, err error) {
	// El parser entra en panico con algunos PDF corruptos.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	if e.MaxBytes > 0 {
		plain = io.LimitReader(plain, e.MaxBytes)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return plainText(out), nil
}

func plainText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func baseType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
