// Package control implements the Control dispatcher (spec.md §4.C7): a
// second ROUTER-socket loop, independent of Shell, so interrupt_request and
// shutdown_request are never head-of-line-blocked behind a long execute.
//
// Grounded on original_source/crates/amalthea/src/socket/shell.rs's
// listen/process_message loop (the control socket in the original shares
// the same handler as shell.rs; this port splits accepted types per
// spec.md's explicit Control table) and the teacher's
// internal/dispatcher.RunKernel control-socket poll, which already forwards
// to the same handleShellMsg for its accepted subset.
package control

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/iopub"
	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/wire"
)

// acceptedMessageTypes is the Control socket's accepted message-type set
// (spec.md §4.C7's table: kernel_info, interrupt, shutdown, debug). Checked
// the way the teacher's internal/dispatcher checks membership in
// BusyMessageTypes, via slices.Contains, rather than falling through a
// switch's default case.
var acceptedMessageTypes = []string{
	wire.MsgKernelInfoRequest,
	wire.MsgInterruptRequest,
	wire.MsgShutdownRequest,
	wire.MsgDebugRequest,
}

// Dispatcher runs the Control socket's receive loop.
type Dispatcher struct {
	sck     *socket.Socket
	codec   *wire.Codec
	handler handler.Handler
	iopubIn chan<- iopub.Message

	// debugEvents, when non-nil, is relayed onto IOPub as debug_event for
	// as long as Run is active (spec.md's supplemented debug_event
	// passthrough; see handler.DebugEventSource).
	debugEvents <-chan wire.DebugEventContent

	// Interrupt is called when interrupt_request arrives; it should cancel
	// whatever execution is currently running on Shell.
	Interrupt func()

	// Shutdown is called once shutdown_request has been acknowledged.
	Shutdown func(restart bool)
}

// New constructs a Control dispatcher. If h also implements
// handler.DebugEventSource, its debug events are relayed onto iopubIn for
// the lifetime of Run.
func New(sck *socket.Socket, sess *session.Session, iopubIn chan<- iopub.Message, h handler.Handler) *Dispatcher {
	d := &Dispatcher{sck: sck, codec: wire.NewCodec(sess), handler: h, iopubIn: iopubIn}
	if src, ok := h.(handler.DebugEventSource); ok {
		d.debugEvents = src.DebugEvents()
	}
	return d
}

// Run processes Control messages until ctx is canceled or the socket errors,
// relaying any debug events alongside.
func (d *Dispatcher) Run(ctx context.Context) error {
	frames := d.sck.Frames(ctx)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return ctx.Err()
			}
			if f.Err != nil {
				return errors.WithMessage(f.Err, "control: recv failed")
			}
			routing, composed, err := d.codec.Decode(f.Data)
			if err != nil {
				klog.Warningf("control: discarding malformed message: %v", err)
				continue
			}
			if err := d.dispatch(ctx, routing, composed); err != nil {
				return err
			}
		case ev, ok := <-d.debugEvents:
			if ok {
				d.iopubIn <- iopub.DebugEvent{Content: ev}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	msgType := composed.MsgType()
	if !slices.Contains(acceptedMessageTypes, msgType) {
		klog.Errorf("control: %s", (&wire.UnsupportedMessageError{MsgType: msgType}).Error())
		return nil
	}

	switch msgType {
	case wire.MsgKernelInfoRequest:
		return d.handleKernelInfo(ctx, routing, composed)
	case wire.MsgInterruptRequest:
		return d.handleInterrupt(routing, composed)
	case wire.MsgShutdownRequest:
		return d.handleShutdown(routing, composed)
	case wire.MsgDebugRequest:
		return d.handleDebug(ctx, routing, composed)
	}
	return nil
}

func (d *Dispatcher) reply(routing [][]byte, request *wire.ComposedMessage, msgType string, content any) error {
	composed, err := wire.NewReply(d.codec.Session, request, msgType, content)
	if err != nil {
		return err
	}
	frames, err := d.codec.Encode(routing, composed)
	if err != nil {
		return err
	}
	return d.sck.SendMultipart(frames)
}

func (d *Dispatcher) handleKernelInfo(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	info, err := d.handler.KernelInfo(ctx)
	if err != nil {
		klog.Errorf("control: kernel_info_request handler failed: %+v", err)
		info.Status = "error"
	} else {
		info.Status = "ok"
	}
	info.ProtocolVersion = wire.ProtocolVersion
	return d.reply(routing, composed, wire.MsgKernelInfoReply, info)
}

func (d *Dispatcher) handleInterrupt(routing [][]byte, composed *wire.ComposedMessage) error {
	klog.Info("control: interrupt_request received")
	if d.Interrupt != nil {
		d.Interrupt()
	}
	return d.reply(routing, composed, wire.MsgInterruptReply, wire.InterruptReplyContent{Status: "ok"})
}

func (d *Dispatcher) handleShutdown(routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.ShutdownRequestContent
	_ = json.Unmarshal(composed.Content, &req)

	klog.Infof("control: shutdown_request received (restart=%v)", req.Restart)
	if err := d.reply(routing, composed, wire.MsgShutdownReply, wire.ShutdownReplyContent{Status: "ok", Restart: req.Restart}); err != nil {
		klog.Errorf("control: failed to acknowledge shutdown_request: %+v", err)
	}
	if d.Shutdown != nil {
		d.Shutdown(req.Restart)
	}
	return nil
}

func (d *Dispatcher) handleDebug(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.DebugRequestContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		klog.Warningf("control: malformed debug_request: %v", err)
		return nil
	}
	reply, err := d.handler.Debug(ctx, req)
	if err != nil {
		klog.Warningf("control: debug_request failed: %+v", err)
	}
	return d.reply(routing, composed, wire.MsgDebugReply, reply)
}
