package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"agent-relay/internal/domain"
)

const DefaultMaxFileSize int64 = 20 * 1024 * 1024

var (
	ErrEmptyFile           = errors.New("file is empty")
	ErrFileTooLarge        = errors.New("file too large")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// SupportedMIMETypes son los tipos que el agente acepta como adjunto.
var SupportedMIMETypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"text/plain",
}

var extensionMIME = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".txt":  "text/plain",
}

// FileIntake valida un archivo recibido del cliente antes de enviarlo al agente.
type FileIntake struct {
	MaxSize int64
}

func NewFileIntake(maxSize int64) FileIntake {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return FileIntake{MaxSize: maxSize}
}

// Prepare detecta el tipo por contenido (el nombre solo desempata cuando el
// contenido no es reconocible) y aplica los limites.
func (f FileIntake) Prepare(name string, data []byte) (domain.UploadedFile, error) {
	maxSize := f.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if len(data) == 0 {
		return domain.UploadedFile{}, ErrEmptyFile
	}
	if int64(len(data)) > maxSize {
		return domain.UploadedFile{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), maxSize)
	}

	mimeType, err := DetectMIMEType(name, data)
	if err != nil {
		return domain.UploadedFile{}, err
	}
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload" + defaultExtension(mimeType)
	}
	return domain.UploadedFile{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

// DetectMIMEType devuelve uno de SupportedMIMETypes o ErrUnsupportedFileType.
func DetectMIMEType(name string, data []byte) (string, error) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for _, supported := range SupportedMIMETypes {
			if m.Is(supported) {
				return supported, nil
			}
		}
	}
	if detected.Is("application/octet-stream") {
		if mt, ok := extensionMIME[strings.ToLower(filepath.Ext(name))]; ok && mt != "text/plain" {
			return mt, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, detected.String())
}

func defaultExtension(mimeType string) string {
	for ext, mt := range extensionMIME {
		if mt == mimeType && ext != ".jpeg" {
			return ext
		}
	}
	return ""
}
