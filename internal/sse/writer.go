package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"agent-relay/internal/domain"
)

// GenericFailureMessage se envia cuando el productor falla sin un mensaje propio.
const GenericFailureMessage = "stream interrupted, please retry"

var ErrWriterClosed = errors.New("sse: writer closed")

// Writer reemite eventos normalizados como SSE, una linea data: por evento,
// y termina con data: [DONE] exactamente una vez.
type Writer struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	logger   *zap.Logger
	failure  func(error) domain.Failed
	started  bool
	terminal bool
	closed   bool
}

type WriterOption func(*Writer)

// WithFailureMapper decide como se traduce a Failed el error recibido en Close.
func WithFailureMapper(fn func(error) domain.Failed) WriterOption {
	return func(w *Writer) {
		if fn != nil {
			w.failure = fn
		}
	}
}

func NewWriter(w http.ResponseWriter, logger *zap.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	flusher, _ := w.(http.Flusher)
	sw := &Writer{
		w:       w,
		flusher: flusher,
		logger:  logger,
		failure: func(error) domain.Failed {
			return domain.Failed{ErrorMessage: GenericFailureMessage}
		},
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Emit escribe un evento. Los eventos posteriores a uno terminal se descartan.
func (w *Writer) Emit(ev domain.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if w.terminal {
		w.logger.Warn("dropping event after terminal", zap.String("type", string(ev.Type())))
		return nil
	}
	if err := w.writeEvent(ev); err != nil {
		return err
	}
	if domain.IsTerminal(ev) {
		w.terminal = true
	}
	return nil
}

// KeepAlive envia un comentario SSE para que los proxies no corten la conexion.
func (w *Writer) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.write(": ping\n\n")
}

// Close garantiza el evento terminal y escribe el centinela [DONE].
func (w *Writer) Close(cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if !w.terminal {
		var ev domain.StreamEvent = domain.Ended{}
		if cause != nil {
			ev = w.failure(cause)
		}
		if err := w.writeEvent(ev); err != nil {
			errs = append(errs, err)
		}
		w.terminal = true
	}
	if err := w.write("data: " + DoneMarker + "\n\n"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (w *Writer) writeEvent(ev domain.StreamEvent) error {
	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return w.write("data: " + string(payload) + "\n\n")
}

func (w *Writer) write(s string) error {
	if !w.started {
		h := w.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		h.Del("Content-Length")
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	if _, err := io.WriteString(w.w, s); err != nil {
		return fmt.Errorf("write sse: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
