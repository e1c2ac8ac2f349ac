// Package stream turns the body of a streamed model response into display state.
//
// The wire format is a sequence of lines; every line starting with "data: " carries a JSON object
// of the form {"content": "..."} or {"error": "..."}. A Decoder extracts Event values from the raw
// bytes, and an Assembler folds those events into a single growing text buffer, notifying a
// subscriber after every change.
package stream

// Kind identifies the variant of an Event.
type Kind int

const (
	// KindDelta carries a text fragment to append to the response buffer.
	KindDelta Kind = iota
	// KindError carries an error reported by the model service. It terminates the stream.
	KindError
	// KindDone marks the normal end of the stream.
	KindDone
)

// Event is a single parsed unit of a response stream. Text holds the delta for KindDelta and the
// error message for KindError, and is empty for KindDone.
type Event struct {
	Kind Kind
	Text string
}

// Delta returns a KindDelta event.
func Delta(text string) Event {
	return Event{Kind: KindDelta, Text: text}
}

// Failure returns a KindError event.
func Failure(message string) Event {
	return Event{Kind: KindError, Text: message}
}

// Done returns a KindDone event.
func Done() Event {
	return Event{Kind: KindDone}
}

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}
