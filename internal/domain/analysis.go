package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type AnalysisMode string

const (
	ModeEvaluate AnalysisMode = "evaluate"
	ModeGenerate AnalysisMode = "generate"
	ModeMock     AnalysisMode = "mock"
)

// AnalysisModes enumera los modos soportados, en el orden en que se listan.
var AnalysisModes = []AnalysisMode{ModeEvaluate, ModeGenerate, ModeMock}

func (m AnalysisMode) Description() string {
	switch m {
	case ModeEvaluate:
		return "Resume evaluation"
	case ModeGenerate:
		return "Resume generation"
	case ModeMock:
		return "Mock interview"
	}
	return "Unknown"
}

var (
	ErrInvalidAnalysisMode    = errors.New("invalid analysis mode")
	ErrInvalidAnalysisRequest = errors.New("invalid analysis request")
)

// ParseAnalysisMode normaliza el modo recibido; vacio equivale a evaluate.
func ParseAnalysisMode(raw string) (AnalysisMode, error) {
	mode := AnalysisMode(strings.ToLower(strings.TrimSpace(raw)))
	if mode == "" {
		return ModeEvaluate, nil
	}
	for _, m := range AnalysisModes {
		if m == mode {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAnalysisMode, raw)
}

// AnalysisRequest agrupa lo que el cliente envia en una peticion de analisis.
// Debe traer pregunta, archivo ya subido o archivo adjunto.
type AnalysisRequest struct {
	UserID         string        `validate:"required"`
	ConversationID string        `validate:"omitempty,max=128"`
	Question       string        `validate:"required_without_all=FileID File"`
	FileID         string        `validate:"omitempty,max=128"`
	File           *UploadedFile `validate:"omitempty"`
	Mode           AnalysisMode  `validate:"required,oneof=evaluate generate mock"`
}

func (r AnalysisRequest) HasFile() bool {
	return r.FileID != "" || r.File != nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate aplica las reglas de la peticion y devuelve un error legible.
func (r AnalysisRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidAnalysisRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch {
		case fe.Field() == "Question" && fe.Tag() == "required_without_all":
			msgs = append(msgs, "question or file is required")
		case fe.Field() == "UserID":
			msgs = append(msgs, "user id is required")
		case fe.Field() == "Mode":
			msgs = append(msgs, "analysis type must be one of evaluate, generate, mock")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidAnalysisRequest, strings.Join(msgs, "; "))
}
