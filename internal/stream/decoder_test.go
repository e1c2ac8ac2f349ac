package stream_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
)

// chunkReader returns one chunk per Read call, then err (io.EOF when nil).
type chunkReader struct {
	chunks []string
	err    error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, r io.Reader, opts ...stream.Option) ([]stream.Event, error) {
	t.Helper()
	var events []stream.Event
	for ev, err := range stream.Read(r, opts...) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestDecoderEvents(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []stream.Event
	}{
		{
			name:   "Single delta",
			chunks: []string{"data: {\"content\":\"hi\"}\n\n"},
			want:   []stream.Event{stream.Delta("hi"), stream.Done()},
		},
		{
			name:   "Line split across reads",
			chunks: []string{"data: {\"con", "tent\":\"a\"}\n", "data: {\"content\":\"b\"}\n"},
			want:   []stream.Event{stream.Delta("a"), stream.Delta("b"), stream.Done()},
		},
		{
			name:   "Non data lines are skipped",
			chunks: []string{": keep-alive\nevent: message\n\ndata: {\"content\":\"x\"}\n"},
			want:   []stream.Event{stream.Delta("x"), stream.Done()},
		},
		{
			name:   "CRLF line endings",
			chunks: []string{"data: {\"content\":\"x\"}\r\n\r\n"},
			want:   []stream.Event{stream.Delta("x"), stream.Done()},
		},
		{
			name:   "Empty content and null payloads are skipped",
			chunks: []string{"data: {\"content\":\"\"}\ndata: null\ndata: {}\n"},
			want:   []stream.Event{stream.Done()},
		},
		{
			name:   "Error terminates the stream",
			chunks: []string{"data: {\"error\":\"boom\"}\ndata: {\"content\":\"late\"}\n"},
			want:   []stream.Event{stream.Failure("boom")},
		},
		{
			name:   "Trailing partial line is discarded",
			chunks: []string{"data: {\"content\":\"a\"}\ndata: {\"content\":\"b\"}"},
			want:   []stream.Event{stream.Delta("a"), stream.Done()},
		},
		{
			name:   "Empty body",
			chunks: nil,
			want:   []stream.Event{stream.Done()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collect(t, &chunkReader{chunks: tt.chunks})
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Read() events = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecoderMalformedLineIsSkipped(t *testing.T) {
	body := "data: {\"content\":\"a\"}\ndata: {not json\ndata: {\"content\":\"b\"}\n"

	got, err := collect(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []stream.Event{stream.Delta("a"), stream.Delta("b"), stream.Done()}
	if len(got) != len(want) {
		t.Fatalf("Read() events = %+v, want %+v", got, want)
	}
}

func TestDecoderMalformedLimit(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int
		wantErr bool
	}{
		{
			name:  "Unbounded by default",
			body:  "data: x\ndata: y\ndata: z\n",
			limit: 0,
		},
		{
			name:    "Limit reached",
			body:    "data: x\ndata: y\ndata: z\n",
			limit:   3,
			wantErr: true,
		},
		{
			name:  "Valid payload resets the count",
			body:  "data: x\ndata: y\ndata: {\"content\":\"ok\"}\ndata: z\n",
			limit: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := collect(t, strings.NewReader(tt.body), stream.WithMalformedLimit(tt.limit))
			var protocolErr *stream.ProtocolError
			if got := errors.As(err, &protocolErr); got != tt.wantErr {
				t.Errorf("Read() error = %v, want ProtocolError %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecoderTransportFailure(t *testing.T) {
	resetErr := errors.New("connection reset by peer")
	r := &chunkReader{chunks: []string{"data: {\"content\":\"a\"}\n"}, err: resetErr}

	got, err := collect(t, r)
	if len(got) != 1 || got[0] != stream.Delta("a") {
		t.Errorf("Read() events = %+v, want one delta before the failure", got)
	}
	var transportErr *stream.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Read() error = %v, want TransportError", err)
	}
	if !errors.Is(err, resetErr) {
		t.Errorf("Read() error should wrap %v", resetErr)
	}
}

func TestDecoderNextAfterEnd(t *testing.T) {
	d := stream.NewDecoder(strings.NewReader("data: {\"content\":\"a\"}\n"))

	for _, want := range []stream.Event{stream.Delta("a"), stream.Done()} {
		ev, err := d.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if ev != want {
			t.Fatalf("Next() = %+v, want %+v", ev, want)
		}
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after Done error = %v, want io.EOF", err)
	}
}
