package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"agent-relay/internal/domain"
	"agent-relay/internal/sse"
)

// ErrCanceled indica que el usuario detuvo el stream; no es un fallo.
var ErrCanceled = fmt.Errorf("stream canceled: %w", context.Canceled)

// EventHandler recibe cada evento normalizado en orden de llegada.
type EventHandler func(domain.StreamEvent)

// Consume lee un stream SSE del relay hasta [DONE], fin de stream o cancelacion.
// El body se cierra siempre; cancelar ctx lo cierra tambien para desbloquear
// una lectura en curso.
func Consume(ctx context.Context, body io.ReadCloser, onEvent EventHandler) error {
	return consume(ctx, body, onEvent, zap.NewNop())
}

func consume(ctx context.Context, body io.ReadCloser, onEvent EventHandler, logger *zap.Logger) error {
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	dec := sse.NewDecoder(body)
	terminal := false
	for {
		if err := ctx.Err(); err != nil {
			return canceled(err)
		}
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			// Un stream que termina sin [DONE] se trata como fin normal.
			if !terminal {
				onEvent(domain.Ended{})
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return canceled(ctxErr)
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if f.Done() {
			return nil
		}

		ev, err := domain.DecodeEvent([]byte(f.Data))
		if err != nil {
			logger.Warn("skipping invalid stream frame", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		if domain.IsTerminal(ev) {
			terminal = true
		}
		onEvent(ev)
	}
}

func canceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	return err
}
