package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"golang.org/x/text/encoding/unicode"
)

const (
	dataPrefix       = "data: "
	defaultChunkSize = 4096
)

// Option configures a Decoder or an Assembler.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	malformedLimit int
	chunkSize      int
}

// WithLogger sets the logger used to report skipped lines.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMalformedLimit makes the Decoder fail with a ProtocolError after n consecutive malformed
// payloads. Zero, the default, never escalates.
func WithMalformedLimit(n int) Option {
	return func(o *options) {
		o.malformedLimit = n
	}
}

// WithChunkSize sets the size of the buffer passed to each Read call.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 {
		o.chunkSize = defaultChunkSize
	}
	return o
}

// Decoder extracts Events from a response body. Input is decoded as UTF-8 incrementally, so
// multi-byte sequences split across reads are reassembled, and lines split across reads are
// buffered until their terminating newline arrives.
type Decoder struct {
	r    io.Reader
	opts options

	chunk   []byte
	pending []byte
	readErr error

	malformed int
	finished  bool
}

type payload struct {
	Content *string `json:"content"`
	Error   *string `json:"error"`
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	o := newOptions(opts)
	return &Decoder{
		r:     unicode.UTF8.NewDecoder().Reader(r),
		opts:  o,
		chunk: make([]byte, o.chunkSize),
	}
}

// Next returns the next Event. The final event is always KindDone or KindError, unless an error
// is returned instead: a *TransportError when reading fails, or a *ProtocolError when the
// malformed line limit is exceeded. After the final event or an error, Next returns io.EOF.
func (d *Decoder) Next() (Event, error) {
	if d.finished {
		return Event{}, io.EOF
	}

	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := d.pending[:i]
			d.pending = d.pending[i+1:]

			ev, ok, err := d.parseLine(line)
			if err != nil {
				d.finished = true
				return Event{}, err
			}
			if !ok {
				continue
			}
			if ev.Kind == KindError {
				d.finished = true
			}
			return ev, nil
		}

		if d.readErr != nil {
			d.finished = true
			if errors.Is(d.readErr, io.EOF) {
				if len(d.pending) > 0 {
					d.opts.logger.Debug("Discarding incomplete trailing line",
						slog.String("line", string(d.pending)))
				}
				return Done(), nil
			}
			return Event{}, &TransportError{Err: d.readErr}
		}

		n, err := d.r.Read(d.chunk)
		d.pending = append(d.pending, d.chunk[:n]...)
		if err != nil {
			d.readErr = err
		}
	}
}

func (d *Decoder) parseLine(line []byte) (Event, bool, error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false, nil
	}
	data := line[len(dataPrefix):]

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		d.malformed++
		d.opts.logger.Warn("Skipping malformed stream payload",
			slog.String("data", string(data)),
			slog.Int("consecutive", d.malformed),
			slog.String("err", err.Error()))
		if d.opts.malformedLimit > 0 && d.malformed >= d.opts.malformedLimit {
			return Event{}, false, &ProtocolError{Line: string(line), Err: err}
		}
		return Event{}, false, nil
	}
	d.malformed = 0

	if p.Error != nil && *p.Error != "" {
		return Failure(*p.Error), true, nil
	}
	if p.Content != nil && *p.Content != "" {
		return Delta(*p.Content), true, nil
	}
	return Event{}, false, nil
}

// Read returns an iterator over the Events of r. Iteration ends after a KindDone or KindError
// event, or after the first error.
func Read(r io.Reader, opts ...Option) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		d := NewDecoder(r, opts...)
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}
