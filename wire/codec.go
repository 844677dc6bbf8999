package wire

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/posit-dev/amalthea-go/session"
)

// MalformedFrameError is returned when a multipart message does not contain
// the "<IDS|MSG>" delimiter.
type MalformedFrameError struct{}

func (e *MalformedFrameError) Error() string { return "malformed frame: missing <IDS|MSG> delimiter" }

// InvalidSignatureError is returned when a message's signature frame does not
// match the session's computed HMAC.
type InvalidSignatureError struct{}

func (e *InvalidSignatureError) Error() string { return "message had an invalid signature" }

// UnsupportedMessageError is returned when a header's msg_type is not one of
// the recognized variants.
type UnsupportedMessageError struct {
	MsgType string
}

func (e *UnsupportedMessageError) Error() string {
	return "unsupported message type: " + e.MsgType
}

// Codec decodes/encodes wire messages for one session.
type Codec struct {
	Session *session.Session
}

// NewCodec creates a Codec bound to sess.
func NewCodec(sess *session.Session) *Codec {
	return &Codec{Session: sess}
}

// Decode splits a raw multipart frame list at the "<IDS|MSG>" delimiter,
// verifies the signature, and unmarshals header/parent/metadata/content.
//
// Returns the routing-identity prefix frames (the zero or more frames before
// the delimiter; populated by ROUTER sockets) and the decoded message.
func (c *Codec) Decode(frames [][]byte) (routing [][]byte, msg *ComposedMessage, err error) {
	i := 0
	for i < len(frames) && string(frames[i]) != Delimiter {
		i++
	}
	if i == len(frames) {
		return nil, nil, errors.WithStack(&MalformedFrameError{})
	}
	routing = frames[:i]

	// frames[i] is the delimiter; frames[i+1] is the signature; frames[i+2:i+6]
	// are header, parent header, metadata, content.
	if len(frames) < i+6 {
		return nil, nil, errors.WithStack(&MalformedFrameError{})
	}
	sig := string(frames[i+1])
	signed := frames[i+2 : i+6]
	if !c.Session.Verify(sig, signed...) {
		return nil, nil, errors.WithStack(&InvalidSignatureError{})
	}

	m := &ComposedMessage{}
	if err := json.Unmarshal(frames[i+2], &m.Header); err != nil {
		return nil, nil, errors.WithMessage(err, "decoding header")
	}
	if len(frames[i+3]) > 0 && string(frames[i+3]) != "{}" {
		if err := json.Unmarshal(frames[i+3], &m.ParentHeader); err != nil {
			return nil, nil, errors.WithMessage(err, "decoding parent_header")
		}
	}
	if len(frames[i+4]) > 0 {
		if err := json.Unmarshal(frames[i+4], &m.Metadata); err != nil {
			return nil, nil, errors.WithMessage(err, "decoding metadata")
		}
	}
	m.Content = append(json.RawMessage(nil), frames[i+5]...)
	if len(frames) > i+6 {
		m.Buffers = frames[i+6:]
	}
	return routing, m, nil
}

// Encode serializes header/parent/metadata/content, signs it, and returns
// the full multipart frame list: routing | delimiter | signature | header |
// parent | metadata | content | buffers.
func (c *Codec) Encode(routing [][]byte, msg *ComposedMessage) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, errors.WithMessage(err, "marshaling header")
	}
	parentHeader := []byte("{}")
	if !msg.ParentHeader.IsZero() {
		if parentHeader, err = json.Marshal(msg.ParentHeader); err != nil {
			return nil, errors.WithMessage(err, "marshaling parent_header")
		}
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.WithMessage(err, "marshaling metadata")
	}
	content := msg.Content
	if content == nil {
		content = json.RawMessage("{}")
	}

	sig := c.Session.Sign(header, parentHeader, metadataJSON, content)

	out := make([][]byte, 0, len(routing)+3+4+len(msg.Buffers))
	out = append(out, routing...)
	out = append(out, []byte(Delimiter), []byte(sig), header, parentHeader, metadataJSON, []byte(content))
	out = append(out, msg.Buffers...)
	return out, nil
}

// NewHeader builds a fresh header for an outgoing message: a new msg_id,
// the local session id/username, the current UTC instant, and msgType.
func NewHeader(sess *session.Session, msgType string) Header {
	id, _ := uuid.NewV4()
	return Header{
		MsgID:    id.String(),
		Session:  sess.ID,
		Username: sess.Username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}

// NewReply builds a ComposedMessage of type msgType whose ParentHeader is
// request's Header, with a fresh header and the given content marshaled to
// JSON.
func NewReply(sess *session.Session, request *ComposedMessage, msgType string, content any) (*ComposedMessage, error) {
	return newDerivedFromHeader(sess, request.Header, msgType, content)
}

// NewSideEffect builds a ComposedMessage (typically for IOPub) whose
// ParentHeader is parent, the header of the request that caused this
// side-effect (e.g. a comm event, a stream write, a status change).
func NewSideEffect(sess *session.Session, parent Header, msgType string, content any) (*ComposedMessage, error) {
	return newDerivedFromHeader(sess, parent, msgType, content)
}

func newDerivedFromHeader(sess *session.Session, parent Header, msgType string, content any) (*ComposedMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshaling %q content", msgType)
	}
	return &ComposedMessage{
		Header:       NewHeader(sess, msgType),
		ParentHeader: parent,
		Metadata:     map[string]any{},
		Content:      raw,
	}, nil
}
