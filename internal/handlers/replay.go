package handlers

import (
	"strings"

	"github.com/tmaxmax/go-sse"
)

const (
	messageTopicPrefix = "message-"

	// maxEndedMessages bounds how many finished messages stay replayable.
	maxEndedMessages = 256
)

// messageReplayer remembers the last render and the close event of every assistant message, so a
// client that subscribes to a message after some of its updates were published starts from the
// current state instead of waiting for the next delta.
//
// The sse.Joe provider calls Put and Replay from its single dispatch goroutine. A replay and the
// registration of its subscriber therefore never interleave with a publish.
type messageReplayer struct {
	states map[string]*messageState
	// Topics of ended messages, oldest first.
	ended []string
}

type messageState struct {
	latest *sse.Message
	closed *sse.Message
}

func newMessageReplayer() *messageReplayer {
	return &messageReplayer{states: make(map[string]*messageState)}
}

// Put records messages published on a message topic. Other topics pass through untouched.
func (r *messageReplayer) Put(msg *sse.Message, topics []string) (*sse.Message, error) {
	if len(topics) == 0 {
		return nil, sse.ErrNoTopic
	}

	for _, topic := range topics {
		if !strings.HasPrefix(topic, messageTopicPrefix) {
			continue
		}

		st, ok := r.states[topic]
		if !ok {
			st = &messageState{}
			r.states[topic] = st
		}

		switch msg.Type {
		case closeMessageSSEType:
			if st.closed == nil {
				r.ended = append(r.ended, topic)
			}
			st.closed = msg
		case messagesSSEType:
			st.latest = msg
		}
	}

	for len(r.ended) > maxEndedMessages {
		delete(r.states, r.ended[0])
		r.ended = r.ended[1:]
	}

	return msg, nil
}

// Replay sends the current render of every followed message, then its close event if the message
// has ended.
func (r *messageReplayer) Replay(sub sse.Subscription) error {
	sent := false
	for _, topic := range sub.Topics {
		st, ok := r.states[topic]
		if !ok {
			continue
		}

		for _, msg := range []*sse.Message{st.latest, st.closed} {
			if msg == nil {
				continue
			}
			if err := sub.Client.Send(msg); err != nil {
				return err
			}
			sent = true
		}
	}

	if !sent {
		return nil
	}
	return sub.Client.Flush()
}
