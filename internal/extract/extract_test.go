package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"agent-relay/internal/domain"
)

// buildPDF genera un PDF minimo de una pagina con una linea de texto.
func buildPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestDocumentExtractor_PDF(t *testing.T) {
	ex := NewDocumentExtractor(0)
	file := domain.UploadedFile{Name: "cv.pdf", MIMEType: "application/pdf", Data: buildPDF("Hello Relay")}

	text, err := ex.Extract(context.Background(), file)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(text, "Hello") {
		t.Fatalf("expected extracted text, got %q", text)
	}
}

func TestDocumentExtractor_CorruptPDF(t *testing.T) {
	ex := NewDocumentExtractor(0)
	file := domain.UploadedFile{MIMEType: "application/pdf", Data: []byte("%PDF-1.4\nnot really a pdf")}
	if _, err := ex.Extract(context.Background(), file); err == nil {
		t.Fatalf("expected error for corrupt pdf")
	}
}

func TestDocumentExtractor_PlainText(t *testing.T) {
	ex := NewDocumentExtractor(0)
	data := []byte("\xef\xbb\xbfJane Doe\r\n\r\n\r\n\r\nGo developer   \n")
	text, err := ex.Extract(context.Background(), domain.UploadedFile{MIMEType: "text/plain; charset=utf-8", Data: data})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Jane Doe\n\nGo developer" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestDocumentExtractor_Errors(t *testing.T) {
	ex := NewDocumentExtractor(0)
	ctx := context.Background()

	if _, err := ex.Extract(ctx, domain.UploadedFile{MIMEType: "image/png", Data: []byte("x")}); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if _, err := ex.Extract(ctx, domain.UploadedFile{MIMEType: "text/plain", Data: []byte(" \n\t ")}); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ex.Extract(canceled, domain.UploadedFile{MIMEType: "text/plain", Data: []byte("hi")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
