package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent-relay/internal/domain"
	"agent-relay/internal/extract"
	"agent-relay/internal/llm"
	"agent-relay/internal/metrics"
	"agent-relay/internal/sse"
)

const (
	UpstreamUnavailableMessage = "upstream agent unavailable"
	tracerName                 = "agent-relay/service"
)

var (
	ErrStreamInterrupted = errors.New("agent stream interrupted")
	ErrAnalysisPending   = errors.New("analysis not ready yet")
	errNoTextFallback    = errors.New("text fallback not available")
)

// EventSink recibe los eventos normalizados en orden.
type EventSink interface {
	Emit(ev domain.StreamEvent) error
}

type EventSinkFunc func(ev domain.StreamEvent) error

func (f EventSinkFunc) Emit(ev domain.StreamEvent) error { return f(ev) }

// FallbackError reune el fallo del modo archivo y el del reintento como texto.
type FallbackError struct {
	FileErr error
	TextErr error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("file mode: %v; text fallback: %v", e.FileErr, e.TextErr)
}

func (e *FallbackError) Unwrap() []error { return []error{e.FileErr, e.TextErr} }

// AnalysisResult es la respuesta del modo no streaming.
type AnalysisResult struct {
	ConversationID string              `json:"conversationId"`
	ChatID         string              `json:"chatId"`
	Mode           domain.AnalysisMode `json:"mode"`
	Content        string              `json:"content"`
	Suggestions    []string            `json:"suggestions,omitempty"`
}

// RelayService orquesta una peticion de analisis: sesion, archivo, envio al
// agente y normalizacion del stream de vuelta.
type RelayService struct {
	agent        llm.AgentClient
	sessions     *SessionService
	builder      MessageBuilder
	extractor    extract.Extractor
	metrics      *metrics.Relay
	logger       *zap.Logger
	tracer       trace.Tracer
	pollAttempts int
	pollInterval time.Duration
}

type RelayOption func(*RelayService)

// WithExtractor habilita el reintento como texto cuando el agente rechaza el archivo.
func WithExtractor(e extract.Extractor) RelayOption {
	return func(s *RelayService) { s.extractor = e }
}

func WithMetrics(m *metrics.Relay) RelayOption {
	return func(s *RelayService) { s.metrics = m }
}

func WithPolling(attempts int, interval time.Duration) RelayOption {
	return func(s *RelayService) {
		if attempts > 0 {
			s.pollAttempts = attempts
		}
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

func NewRelayService(agent llm.AgentClient, sessions *SessionService, builder MessageBuilder, logger *zap.Logger, opts ...RelayOption) *RelayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RelayService{
		agent:        agent,
		sessions:     sessions,
		builder:      builder,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		pollAttempts: 5,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type preparedChat struct {
	req      domain.AnalysisRequest
	conv     domain.Conversation
	msg      domain.Message
	file     *domain.UploadedFile
	fileMode bool
}

// Stream ejecuta la peticion y entrega los eventos a sink. Salvo cancelacion,
// sink recibe siempre exactamente un evento terminal. El error devuelto ya fue
// reportado al cliente y sirve solo para logs.
func (s *RelayService) Stream(ctx context.Context, req domain.AnalysisRequest, sink EventSink) error {
	ctx, span := s.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("analysis.mode", string(req.Mode)),
		attribute.Bool("relay.has_file", req.HasFile()),
	))
	defer span.End()
	finish := s.metrics.StreamStarted()

	terminal, err := s.stream(ctx, req, sink)
	if err != nil && terminal == nil {
		if ctx.Err() != nil {
			finish("canceled")
			s.logger.Info("relay stream canceled", zap.String("user_id", req.UserID))
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failed := FailureFor(err)
		if emitErr := s.emit(sink, failed); emitErr != nil {
			s.logger.Warn("could not report failure to client", zap.Error(emitErr))
		}
		s.logger.Warn("relay stream failed", zap.String("user_id", req.UserID), zap.Error(err))
		finish("failed")
		return err
	}
	if failed, ok := terminal.(domain.Failed); ok {
		span.SetStatus(codes.Error, failed.ErrorMessage)
		finish("failed")
		return nil
	}
	finish("ended")
	return nil
}

func (s *RelayService) stream(ctx context.Context, req domain.AnalysisRequest, sink EventSink) (domain.StreamEvent, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("relay.conversation_id", p.conv.ID))

	var body io.ReadCloser
	err = s.withFallback(ctx, p, func(msg domain.Message) error {
		b, err := s.agent.StreamChat(ctx, s.chatRequest(p, msg))
		if err != nil {
			s.metrics.UpstreamError("send")
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return s.pump(ctx, p, body, sink)
}

// pump consume el stream del agente hasta el primer evento terminal o EOF.
func (s *RelayService) pump(ctx context.Context, p *preparedChat, body io.Reader, sink EventSink) (domain.StreamEvent, error) {
	dec := sse.NewDecoder(body)
	norm := llm.Normalizer{OnUsage: func(u llm.Usage) {
		s.metrics.Tokens(u.InputCount, u.OutputCount)
		s.logger.Debug("agent usage",
			zap.String("chat_id", u.ChatID),
			zap.Int("input_tokens", u.InputCount),
			zap.Int("output_tokens", u.OutputCount),
		)
	}}

	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			ended := domain.Ended{}
			if err := s.emit(sink, ended); err != nil {
				return nil, fmt.Errorf("emit event: %w", err)
			}
			return ended, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.metrics.UpstreamError("stream")
			return nil, fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}

		ev, err := norm.Normalize(frame)
		if err != nil {
			s.metrics.MalformedFrame()
			s.logger.Warn("dropping malformed agent frame", zap.String("event", frame.Event), zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		if started, ok := ev.(domain.SessionStarted); ok && started.ConversationID == "" {
			started.ConversationID = p.conv.ID
			ev = started
		}
		if err := s.emit(sink, ev); err != nil {
			return nil, fmt.Errorf("emit event: %w", err)
		}
		if domain.IsTerminal(ev) {
			return ev, nil
		}
	}
}

// Analyze es la variante no streaming: crea el chat y consulta el resultado
// hasta pollAttempts veces.
func (s *RelayService) Analyze(ctx context.Context, req domain.AnalysisRequest) (AnalysisResult, error) {
	ctx, span := s.tracer.Start(ctx, "relay.analyze", trace.WithAttributes(
		attribute.String("analysis.mode", string(req.Mode)),
		attribute.Bool("relay.has_file", req.HasFile()),
	))
	defer span.End()

	p, err := s.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		return AnalysisResult{}, err
	}

	var chat llm.ChatInfo
	err = s.withFallback(ctx, p, func(msg domain.Message) error {
		c, err := s.agent.CreateChat(ctx, s.chatRequest(p, msg))
		if err != nil {
			s.metrics.UpstreamError("send")
			return err
		}
		chat = c
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return AnalysisResult{}, err
	}

	result := AnalysisResult{ConversationID: p.conv.ID, ChatID: chat.ID, Mode: req.Mode}
	for attempt := 1; attempt <= s.pollAttempts; attempt++ {
		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}

		msgs, err := s.agent.ChatMessages(ctx, p.conv.ID, chat.ID)
		if err != nil {
			s.metrics.UpstreamError("poll")
			s.logger.Warn("poll chat messages failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if content, suggestions, ok := pickAnswer(msgs); ok {
			result.Content = content
			result.Suggestions = suggestions
			return result, nil
		}
	}
	return result, ErrAnalysisPending
}

// Messages devuelve el historial de una conversacion del usuario.
func (s *RelayService) Messages(ctx context.Context, userID, conversationID string, opts llm.ListOptions) (llm.MessagePage, error) {
	if err := s.sessions.Authorize(ctx, userID, conversationID); err != nil {
		return llm.MessagePage{}, err
	}
	page, err := s.agent.ListMessages(ctx, conversationID, opts)
	if err != nil {
		s.metrics.UpstreamError("history")
		return llm.MessagePage{}, err
	}
	return page, nil
}

func (s *RelayService) prepare(ctx context.Context, req domain.AnalysisRequest) (*preparedChat, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := &preparedChat{req: req}

	if req.File == nil {
		conv, err := s.sessions.Resolve(ctx, req.UserID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		msg, err := s.builder.Build(req.Question, req.FileID)
		if err != nil {
			return nil, err
		}
		p.conv, p.msg, p.fileMode = conv, msg, strings.TrimSpace(req.FileID) != ""
		return p, nil
	}

	// Subida y resolucion de sesion son independientes.
	var (
		fileID    string
		uploadErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := s.agent.UploadFile(gctx, *req.File)
		if err != nil {
			s.metrics.UpstreamError("upload")
			if s.extractor == nil {
				return fmt.Errorf("upload file: %w", err)
			}
			uploadErr = err
			return nil
		}
		fileID = id
		return nil
	})
	g.Go(func() error {
		conv, err := s.sessions.Resolve(gctx, req.UserID, req.ConversationID)
		if err != nil {
			return err
		}
		p.conv = conv
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.file = req.File

	if uploadErr != nil {
		s.logger.Warn("file upload rejected, retrying as text", zap.String("file", req.File.Name), zap.Error(uploadErr))
		msg, err := s.textFallback(ctx, p)
		if err != nil {
			s.metrics.Fallback("failed")
			return nil, &FallbackError{FileErr: fmt.Errorf("upload file: %w", uploadErr), TextErr: err}
		}
		s.metrics.Fallback("ok")
		p.msg = msg
		return p, nil
	}

	msg, err := s.builder.Build(req.Question, fileID)
	if err != nil {
		return nil, err
	}
	p.msg, p.fileMode = msg, true
	return p, nil
}

// withFallback envia el mensaje y, si el modo archivo falla y hay bytes del
// archivo, reintenta una vez con el texto extraido.
func (s *RelayService) withFallback(ctx context.Context, p *preparedChat, send func(domain.Message) error) error {
	err := send(p.msg)
	if err == nil || !p.fileMode || p.file == nil || s.extractor == nil || ctx.Err() != nil {
		return err
	}
	s.logger.Warn("file mode rejected by agent, retrying as text", zap.String("conversation_id", p.conv.ID), zap.Error(err))

	msg, xerr := s.textFallback(ctx, p)
	if xerr != nil {
		s.metrics.Fallback("failed")
		return &FallbackError{FileErr: err, TextErr: xerr}
	}
	if serr := send(msg); serr != nil {
		s.metrics.Fallback("failed")
		return &FallbackError{FileErr: err, TextErr: serr}
	}
	s.metrics.Fallback("ok")
	return nil
}

func (s *RelayService) textFallback(ctx context.Context, p *preparedChat) (domain.Message, error) {
	if s.extractor == nil || p.file == nil {
		return domain.Message{}, errNoTextFallback
	}
	text, err := s.extractor.Extract(ctx, *p.file)
	if err != nil {
		return domain.Message{}, fmt.Errorf("extract text: %w", err)
	}
	return s.builder.BuildWithDocument(p.req.Question, text)
}

func (s *RelayService) chatRequest(p *preparedChat, msg domain.Message) llm.ChatRequest {
	return llm.ChatRequest{
		ConversationID: p.conv.ID,
		IsolationKey:   p.conv.IsolationKey,
		Message:        msg,
		Mode:           p.req.Mode,
	}
}

func (s *RelayService) emit(sink EventSink, ev domain.StreamEvent) error {
	if err := sink.Emit(ev); err != nil {
		return err
	}
	s.metrics.ObserveEvent(ev.Type())
	return nil
}

func pickAnswer(msgs []domain.HistoryMessage) (string, []string, bool) {
	var (
		answer      string
		found       bool
		suggestions []string
	)
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		switch m.Type {
		case "answer":
			if strings.TrimSpace(m.Content) != "" {
				answer, found = m.Content, true
			}
		case "follow_up":
			suggestions = append(suggestions, m.Content)
		}
	}
	return answer, suggestions, found
}

// FailureFor traduce un error del relay al evento Failed que ve el cliente.
func FailureFor(err error) domain.Failed {
	var (
		fallback *FallbackError
		apiErr   *llm.APIError
	)
	switch {
	case err == nil:
		return domain.Failed{ErrorMessage: sse.GenericFailureMessage}
	case errors.As(err, &fallback):
		return domain.Failed{ErrorMessage: fallback.Error()}
	case errors.As(err, &apiErr):
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Hint
		}
		if msg == "" {
			msg = UpstreamUnavailableMessage
		}
		code := apiErr.Code
		if code == 0 {
			code = apiErr.Status
		}
		return domain.Failed{ErrorMessage: msg, Code: code}
	case errors.Is(err, ErrStreamInterrupted):
		return domain.Failed{ErrorMessage: sse.GenericFailureMessage}
	case errors.Is(err, ErrConversationForbidden):
		return domain.Failed{ErrorMessage: "conversation not found", Code: 404}
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, domain.ErrInvalidAnalysisRequest):
		return domain.Failed{ErrorMessage: err.Error(), Code: 400}
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Failed{ErrorMessage: "upstream agent timed out", Code: 504}
	}
	return domain.Failed{ErrorMessage: UpstreamUnavailableMessage}
}
