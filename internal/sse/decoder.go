package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// DoneMarker es el payload sintetico que cierra un stream.
const DoneMarker = "[DONE]"

// DefaultMaxLineBytes limita el tamano de una linea pendiente en el buffer.
const DefaultMaxLineBytes = 1 << 20

const readChunkSize = 4096

var ErrLineTooLong = errors.New("sse: line exceeds maximum length")

// Frame es una unidad (evento, data) extraida del stream.
type Frame struct {
	Event string
	Data  string
}

// Done indica si el frame es el terminador [DONE].
func (f Frame) Done() bool {
	return f.Data == DoneMarker
}

// Decoder convierte un stream de bytes troceado arbitrariamente en frames.
//
// El nombre de evento recordado solo cambia con una nueva linea "event:";
// las lineas en blanco no lo reinician.
type Decoder struct {
	r        io.Reader
	buf      []byte
	event    string
	pending  []Frame
	done     bool
	err      error
	maxLine  int
	readSize int
}

type Option func(*Decoder)

// WithMaxLineBytes cambia el limite de longitud de linea.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithReadSize fija el tamano de cada lectura del reader subyacente.
func WithReadSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:        r,
		maxLine:  DefaultMaxLineBytes,
		readSize: readChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed agrega un chunk y devuelve los frames completos que contiene. Tras un
// frame [DONE] el resto del buffer se descarta y Feed no devuelve nada mas.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done || d.err != nil {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if f, ok := d.processLine(line); ok {
			frames = append(frames, f)
			if f.Done() {
				d.finish()
				return frames
			}
		}
	}

	if len(d.buf) > d.maxLine {
		d.err = ErrLineTooLong
		d.buf = nil
	}
	// Compacta para no retener el array original de chunks ya procesados.
	if len(d.buf) > 0 && cap(d.buf) > 2*len(d.buf)+d.readSize {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames
}

// Flush procesa la linea final sin salto de linea pendiente en el buffer.
func (d *Decoder) Flush() []Frame {
	if d.done || d.err != nil || len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	f, ok := d.processLine(line)
	if !ok {
		return nil
	}
	if f.Done() {
		d.finish()
	}
	return []Frame{f}
}

// Next devuelve el siguiente frame leyendo del reader cuando hace falta.
// Devuelve io.EOF al terminar el stream o despues de entregar [DONE].
func (d *Decoder) Next() (Frame, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return Frame{}, d.err
		}
		if d.done || d.r == nil {
			return Frame{}, io.EOF
		}
		chunk := make([]byte, d.readSize)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.pending = append(d.pending, d.Feed(chunk[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.pending = append(d.pending, d.Flush()...)
				d.done = true
				continue
			}
			if len(d.pending) == 0 {
				return Frame{}, err
			}
			d.err = err
		}
	}
	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, nil
}

func (d *Decoder) processLine(line string) (Frame, bool) {
	line = strings.TrimSuffix(line, "\r")
	switch {
	case line == "" || strings.HasPrefix(line, ":"):
		return Frame{}, false
	case strings.HasPrefix(line, "event:"):
		d.event = strings.TrimSpace(line[len("event:"):])
		return Frame{}, false
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimPrefix(line[len("data:"):], " ")
		return Frame{Event: d.event, Data: data}, true
	}
	return Frame{}, false
}

func (d *Decoder) finish() {
	d.done = true
	d.buf = nil
}
