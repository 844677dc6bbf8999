// Package stdin implements the stdin reverse-request coordinator (spec.md
// §4.C8): the kernel-initiated input_request/input_reply round trip a
// handler uses to prompt the frontend for input mid-execution, with a
// single-outstanding-request guard.
//
// Grounded on the teacher's Message.PromptInput/CancelInput/DeliverInput
// (kernel/messages.go) and its callback-registration pattern
// (Kernel.stdinMsg/stdinFn), generalized to use a channel-based wait instead
// of a kernel-global callback pair, in the style of
// goexec/goplsclient.Latch.
package stdin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/wire"
)

// ErrRequestInFlight is returned by RequestInput when a prior prompt is
// still awaiting a reply; Amalthea allows at most one outstanding
// input_request at a time.
var ErrRequestInFlight = errors.New("stdin: a request is already outstanding")

type pending struct {
	reply chan string
	err   chan error
}

// Coordinator owns the bound Stdin ROUTER socket.
type Coordinator struct {
	sck   *socket.Socket
	codec *wire.Codec

	mu      sync.Mutex
	current *pending
}

// New constructs a Coordinator bound to sck, signing outgoing messages with
// sess.
func New(sck *socket.Socket, sess *session.Session) *Coordinator {
	return &Coordinator{sck: sck, codec: wire.NewCodec(sess)}
}

// RequestInput sends an input_request to routing (the identity frames of the
// execute_request that's prompting for input) with parent as its
// parent_header, and blocks until the matching input_reply arrives, ctx is
// canceled, or the coordinator is stopped.
func (c *Coordinator) RequestInput(ctx context.Context, routing [][]byte, parent wire.Header, prompt string, password bool) (string, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return "", ErrRequestInFlight
	}
	p := &pending{reply: make(chan string, 1), err: make(chan error, 1)}
	c.current = p
	c.mu.Unlock()

	clear := func() {
		c.mu.Lock()
		if c.current == p {
			c.current = nil
		}
		c.mu.Unlock()
	}

	composed, err := wire.NewSideEffect(c.codec.Session, parent, wire.MsgInputRequest,
		wire.InputRequestContent{Prompt: prompt, Password: password})
	if err != nil {
		clear()
		return "", err
	}
	frames, err := c.codec.Encode(routing, composed)
	if err != nil {
		clear()
		return "", err
	}
	if err := c.sck.SendMultipart(frames); err != nil {
		clear()
		return "", errors.WithMessage(err, "stdin: sending input_request")
	}

	select {
	case v := <-p.reply:
		return v, nil
	case err := <-p.err:
		return "", err
	case <-ctx.Done():
		clear()
		return "", ctx.Err()
	}
}

// Run consumes input_reply messages (or recv errors) from the socket until
// ctx is canceled, delivering each to the one outstanding RequestInput call.
// A reply arriving with no outstanding request is logged and dropped.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		p := c.current
		c.current = nil
		c.mu.Unlock()
		if p != nil {
			p.err <- errors.New("stdin: coordinator stopped")
		}
	}()
	for f := range c.sck.Frames(ctx) {
		if f.Err != nil {
			return errors.WithMessage(f.Err, "stdin: recv failed")
		}
		_, msg, err := c.codec.Decode(f.Data)
		if err != nil {
			klog.Warningf("stdin: discarding malformed frame: %v", err)
			continue
		}
		if msg.MsgType() != wire.MsgInputReply {
			klog.Warningf("stdin: unsupported message type %q", msg.MsgType())
			continue
		}

		var content wire.InputReplyContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			klog.Warningf("stdin: decoding input_reply: %v", err)
			continue
		}

		c.mu.Lock()
		p := c.current
		c.current = nil
		c.mu.Unlock()

		if p == nil {
			klog.Warningf("stdin: input_reply with no outstanding request, dropping")
			continue
		}
		p.reply <- content.Value
	}
	return ctx.Err()
}
