// Package iopub implements the IOPub broadcaster (spec.md §4.C5): the single
// consumer of a many-producer channel of outbound status/output/comm-lifecycle
// messages, publishing each on the bound PUB socket with no routing prefix.
//
// Grounded on the teacher's Message.Publish/PublishKernelStatus/
// PublishExecutionInput/PublishExecutionResult/PublishExecutionError/
// PublishDisplayData (kernel/messages.go) generalized into a standalone
// single-consumer broadcaster, and on
// original_source/crates/amalthea/src/socket/iopub.rs's IOPubMessage enum and
// its execution_thread consumer loop.
package iopub

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/wire"
)

// Channel tolerates up to this many queued outbound messages before a send
// blocks its producer. Carries forward the 100000 send high-water mark
// original_source/.../socket.rs applies to the PUB socket itself, which
// go-zeromq/zmq4 has no equivalent knob for (see the socket entry in
// DESIGN.md).
const DefaultBufferSize = 100000

// Message is one thing the broadcaster can publish. Implementations are the
// closed set below; each carries the parent_header its originating request
// or comm event should be correlated against.
type Message interface {
	Envelope() (msgType string, parent wire.Header, content any)
}

type Status struct {
	Parent wire.Header
	State  wire.ExecutionState
}

func (m Status) Envelope() (string, wire.Header, any) {
	return wire.MsgStatus, m.Parent, wire.StatusContent{ExecutionState: m.State}
}

type Stream struct {
	Parent wire.Header
	Name   string // wire.StreamStdout or wire.StreamStderr
	Text   string
}

func (m Stream) Envelope() (string, wire.Header, any) {
	return wire.MsgStream, m.Parent, wire.StreamContent{Name: m.Name, Text: m.Text}
}

type ExecuteInput struct {
	Parent         wire.Header
	Code           string
	ExecutionCount int
}

func (m ExecuteInput) Envelope() (string, wire.Header, any) {
	return wire.MsgExecuteInput, m.Parent, wire.ExecuteInputContent{Code: m.Code, ExecutionCount: m.ExecutionCount}
}

type ExecuteResult struct {
	Parent         wire.Header
	ExecutionCount int
	Data           wire.MIMEBundle
	Metadata       wire.MIMEBundle
}

func (m ExecuteResult) Envelope() (string, wire.Header, any) {
	return wire.MsgExecuteResult, m.Parent, wire.ExecuteResultContent{
		ExecutionCount: m.ExecutionCount, Data: m.Data, Metadata: m.Metadata,
	}
}

type ExecuteError struct {
	Parent    wire.Header
	Ename     string
	Evalue    string
	Traceback []string
}

func (m ExecuteError) Envelope() (string, wire.Header, any) {
	return wire.MsgExecuteError, m.Parent, wire.ExecuteErrorContent{
		Ename: m.Ename, Evalue: m.Evalue, Traceback: m.Traceback,
	}
}

type DisplayData struct {
	Parent   wire.Header
	Data     wire.MIMEBundle
	Metadata wire.MIMEBundle
}

func (m DisplayData) Envelope() (string, wire.Header, any) {
	return wire.MsgDisplayData, m.Parent, wire.DisplayDataContent{Data: m.Data, Metadata: m.Metadata}
}

type UpdateDisplayData struct {
	Parent   wire.Header
	Data     wire.MIMEBundle
	Metadata wire.MIMEBundle
}

func (m UpdateDisplayData) Envelope() (string, wire.Header, any) {
	return wire.MsgUpdateDisplayData, m.Parent, wire.DisplayDataContent{Data: m.Data, Metadata: m.Metadata}
}

type CommOpen struct {
	Parent     wire.Header
	CommID     string
	TargetName string
	Data       map[string]any
}

func (m CommOpen) Envelope() (string, wire.Header, any) {
	return wire.MsgCommOpen, m.Parent, wire.CommOpenContent{CommID: m.CommID, TargetName: m.TargetName, Data: m.Data}
}

type CommMsg struct {
	Parent wire.Header
	CommID string
	Data   map[string]any
}

func (m CommMsg) Envelope() (string, wire.Header, any) {
	return wire.MsgCommMsg, m.Parent, wire.CommMsgContent{CommID: m.CommID, Data: m.Data}
}

type CommClose struct {
	Parent wire.Header
	CommID string
	Data   map[string]any
}

func (m CommClose) Envelope() (string, wire.Header, any) {
	return wire.MsgCommClose, m.Parent, wire.CommCloseContent{CommID: m.CommID, Data: m.Data}
}

// DebugEvent relays an asynchronous DAP event (e.g. "stopped", "continued")
// a handler's debug adapter raised outside the debug_request/debug_reply
// cycle (spec.md's supplemented debug_event passthrough; see
// handler.DebugEventSource).
type DebugEvent struct {
	Parent  wire.Header
	Content wire.DebugEventContent
}

func (m DebugEvent) Envelope() (string, wire.Header, any) {
	return wire.MsgDebugEvent, m.Parent, m.Content
}

// CommOutgoing is the indirection a comm uses to guarantee its outbound
// traffic is FIFO-ordered relative to other IOPub emissions from the same
// producing thread: rather than writing to the socket itself, a comm wraps
// its event in CommOutgoing and hands it to the shared broadcaster channel.
// Inner is one of CommOpen/CommMsg/CommClose.
type CommOutgoing struct {
	Inner Message
}

func (m CommOutgoing) Envelope() (string, wire.Header, any) {
	return m.Inner.Envelope()
}

// Broadcaster owns the bound IOPub PUB socket and the single channel every
// other component publishes through.
type Broadcaster struct {
	sck   *socket.Socket
	codec *wire.Codec
	in    chan Message

	mu   sync.Mutex
	subs []chan<- Message
}

// New constructs a Broadcaster. sess must be the kernel's session, used to
// sign every published envelope.
func New(sck *socket.Socket, sess *session.Session, bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		sck:   sck,
		codec: wire.NewCodec(sess),
		in:    make(chan Message, bufferSize),
	}
}

// In returns the channel producers publish to. Closing it (after all
// producers have stopped) causes Run to drain and return.
func (b *Broadcaster) In() chan<- Message {
	return b.in
}

// Subscribe registers a read-only tee of every message this broadcaster
// publishes, for consumers outside the Jupyter wire protocol itself (e.g.
// diagnostics.Relay). Delivery to subscribers is best-effort and
// non-blocking: a slow or absent subscriber never backs up or reorders the
// real IOPub publish path. The returned channel is never closed by the
// broadcaster; it is sized bufferSize and intended for one subscriber's
// lifetime.
func (b *Broadcaster) Subscribe(bufferSize int) <-chan Message {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ch := make(chan Message, bufferSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) tee(msg Message) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			klog.V(2).Info("iopub: diagnostics subscriber full, dropping tee")
		}
	}
}

// Run consumes messages until the channel is closed or ctx is canceled,
// publishing each as a signed envelope with no routing prefix. A graceful
// shutdown_request closes In() instead of canceling ctx (spec.md §4.C11
// "drop the IOPub sender so the broadcaster drains and exits"): Run then
// keeps servicing b.in until it empties, rather than racing the channel
// drain against ctx.Done() in the same select and risking that already
// queued messages (including the final busy/idle pair a dispatcher may
// still be enqueueing) are discarded.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-b.in:
			if !ok {
				klog.V(1).Info("iopub: channel closed, broadcaster exiting")
				return nil
			}
			if err := b.publish(msg); err != nil {
				// A send failure on IOPub is treated as fatal: spec.md §7 calls
				// out that silently logging a closed IOPub channel (the
				// original's behavior) is wrong; the broadcaster must stop and
				// let the kernel shut down.
				return errors.WithMessage(err, "iopub: publish failed")
			}
			b.tee(msg)
		case <-ctx.Done():
			return b.drain(ctx)
		}
	}
}

// drain flushes whatever is already buffered in b.in before honoring a
// canceled ctx, so a forced shutdown (signal, panic) still delivers
// already-queued IOPub traffic instead of dropping it outright.
func (b *Broadcaster) drain(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-b.in:
			if !ok {
				return nil
			}
			if err := b.publish(msg); err != nil {
				return errors.WithMessage(err, "iopub: publish failed")
			}
			b.tee(msg)
		default:
			return ctx.Err()
		}
	}
}

func (b *Broadcaster) publish(msg Message) error {
	msgType, parent, content := msg.Envelope()
	composed, err := wire.NewSideEffect(b.codec.Session, parent, msgType, content)
	if err != nil {
		return err
	}
	frames, err := b.codec.Encode(nil, composed)
	if err != nil {
		return err
	}
	return b.sck.SendMultipart(frames)
}
