// Package shell implements the Shell dispatcher (spec.md §4.C6): the main
// ROUTER-socket loop that receives one request at a time, brackets it with
// busy/idle on IOPub, dispatches to the handler, and replies on Shell.
//
// execute_request is special: it is handed to a dedicated execution
// goroutine (the "language execution thread" of spec.md §5) via a request/
// reply channel pair, so that a Control-channel interrupt_request (handled
// concurrently by the control package, sharing this Dispatcher) can cancel
// it without needing to touch the blocked Shell goroutine.
//
// Grounded on the teacher's internal/dispatcher.handleShellMsg/
// handleBusyMessage/handleExecuteRequest (busy/idle wrap, reply construction)
// and original_source/crates/amalthea/src/socket/shell.rs's listen/
// process_message loop.
package shell

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/iopub"
	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/stdin"
	"github.com/posit-dev/amalthea-go/wire"
)

// Dispatcher runs the Shell socket's receive loop.
type Dispatcher struct {
	sck     *socket.Socket
	codec   *wire.Codec
	iopubIn chan<- iopub.Message
	handler handler.Handler
	comms   *comm.Manager
	stdin   *stdin.Coordinator

	execCount int64

	execJobs chan execJob
	execOnce sync.Once

	mu         sync.Mutex
	execCancel context.CancelFunc

	// Shutdown is invoked once a shutdown_request has been acknowledged on
	// Shell. Restart reflects the request's "restart" field.
	Shutdown func(restart bool)
}

type execJob struct {
	ctx     context.Context
	ec      handler.ExecContext
	count   int
	req     wire.ExecuteRequestContent
	replyCh chan error
}

// New constructs a Shell dispatcher.
func New(sck *socket.Socket, sess *session.Session, iopubIn chan<- iopub.Message, h handler.Handler, comms *comm.Manager, stdinCoord *stdin.Coordinator) *Dispatcher {
	return &Dispatcher{
		sck:     sck,
		codec:   wire.NewCodec(sess),
		iopubIn: iopubIn,
		handler: h,
		comms:   comms,
		stdin:   stdinCoord,
		execJobs: make(chan execJob),
	}
}

// Interrupt cancels the currently running execute_request, if any.
func (d *Dispatcher) Interrupt() {
	d.mu.Lock()
	cancel := d.execCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run processes Shell messages until ctx is canceled or the socket errors.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.execOnce.Do(func() { go d.runExecutionThread(ctx) })

	for f := range d.sck.Frames(ctx) {
		if f.Err != nil {
			return errors.WithMessage(f.Err, "shell: recv failed")
		}
		routing, composed, err := d.codec.Decode(f.Data)
		if err != nil {
			klog.Warningf("shell: discarding malformed message: %v", err)
			continue
		}
		if err := d.dispatch(ctx, routing, composed); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (d *Dispatcher) dispatch(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	parent := composed.Header
	d.iopubIn <- iopub.Status{Parent: parent, State: wire.StatusBusy}

	// Shutdown, if requested by this message, must fire only after the idle
	// status below has actually been enqueued: Shutdown may drop the IOPub
	// sender once it believes every producer is done (spec.md §4.C11), and
	// racing that against this dispatch's own still-pending idle send would
	// either panic (send on a closed channel) or silently drop the kernel's
	// last status message. Deferred funcs run LIFO, so registering this one
	// first makes it run after the idle defer registered below.
	var notifyShutdown func()
	defer func() {
		if notifyShutdown != nil {
			notifyShutdown()
		}
	}()
	defer func() { d.iopubIn <- iopub.Status{Parent: parent, State: wire.StatusIdle} }()

	switch composed.MsgType() {
	case wire.MsgKernelInfoRequest:
		return d.handleKernelInfo(routing, composed)
	case wire.MsgExecuteRequest:
		return d.handleExecute(ctx, routing, composed)
	case wire.MsgInspectRequest:
		return d.handleInspect(routing, composed)
	case wire.MsgCompleteRequest:
		return d.handleComplete(routing, composed)
	case wire.MsgIsCompleteRequest:
		return d.handleIsComplete(ctx, routing, composed)
	case wire.MsgCommInfoRequest:
		return d.handleCommInfo(ctx, routing, composed)
	case wire.MsgCommOpen:
		return d.handleCommOpen(ctx, composed)
	case wire.MsgCommMsg:
		return d.handleCommMsg(composed)
	case wire.MsgCommClose:
		return d.handleCommClose(composed)
	case wire.MsgShutdownRequest:
		return d.handleShutdown(routing, composed, &notifyShutdown)
	default:
		klog.Errorf("shell: %s", (&wire.UnsupportedMessageError{MsgType: composed.MsgType()}).Error())
		return nil
	}
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

func (d *Dispatcher) handleKernelInfo(routing [][]byte, composed *wire.ComposedMessage) error {
	info, err := d.handler.KernelInfo(context.Background())
	if err != nil {
		klog.Errorf("shell: kernel_info_request handler failed: %+v", err)
		info.Status = "error"
	} else {
		info.Status = "ok"
	}
	info.ProtocolVersion = wire.ProtocolVersion
	return d.reply(routing, composed, wire.MsgKernelInfoReply, info)
}

func (d *Dispatcher) handleInspect(routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.InspectRequestContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		return d.reply(routing, composed, wire.MsgInspectReply, wire.InspectReplyContent{Status: "error"})
	}
	reply, err := d.handler.Inspect(context.Background(), req)
	if err != nil {
		klog.Warningf("shell: inspect_request failed: %+v", err)
		reply.Status = "error"
	} else if reply.Status == "" {
		reply.Status = "ok"
	}
	return d.reply(routing, composed, wire.MsgInspectReply, reply)
}

func (d *Dispatcher) handleComplete(routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.CompleteRequestContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		return d.reply(routing, composed, wire.MsgCompleteReply, wire.CompleteReplyContent{Status: "error"})
	}
	reply, err := d.handler.Complete(context.Background(), req)
	if err != nil {
		klog.Warningf("shell: complete_request failed: %+v", err)
		reply.Status = "error"
	} else if reply.Status == "" {
		reply.Status = "ok"
	}
	return d.reply(routing, composed, wire.MsgCompleteReply, reply)
}

func (d *Dispatcher) handleIsComplete(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.IsCompleteRequestContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		return d.reply(routing, composed, wire.MsgIsCompleteReply, wire.IsCompleteReplyContent{Status: "unknown"})
	}
	reply, err := d.handler.IsComplete(ctx, req.Code)
	if err != nil {
		klog.Warningf("shell: is_complete_request failed: %+v", err)
		reply.Status = "unknown"
	}
	return d.reply(routing, composed, wire.MsgIsCompleteReply, reply)
}

func (d *Dispatcher) handleCommInfo(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.CommInfoRequestContent
	_ = json.Unmarshal(composed.Content, &req)

	infos, err := d.comms.Info(ctx, req.TargetName)
	reply := wire.CommInfoReplyContent{Comms: map[string]wire.CommInfoEntry{}}
	if err != nil {
		reply.Status = "error"
		return d.reply(routing, composed, wire.MsgCommInfoReply, reply)
	}
	reply.Status = "ok"
	for id, info := range infos {
		reply.Comms[id] = wire.CommInfoEntry{TargetName: info.TargetName}
	}
	return d.reply(routing, composed, wire.MsgCommInfoReply, reply)
}

func (d *Dispatcher) handleCommOpen(ctx context.Context, composed *wire.ComposedMessage) error {
	var req wire.CommOpenContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		klog.Warningf("shell: malformed comm_open: %v", err)
		return nil
	}
	s := d.comms.OpenFrontend(req.CommID, req.TargetName, req.Data)
	if err := d.handler.CreateComm(ctx, s, req.Data); err != nil {
		klog.Warningf("shell: comm_open for target %q rejected: %+v", req.TargetName, err)
		d.comms.Close(req.CommID)
	}
	return nil
}

func (d *Dispatcher) handleCommMsg(composed *wire.ComposedMessage) error {
	var req wire.CommMsgContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		klog.Warningf("shell: malformed comm_msg: %v", err)
		return nil
	}
	d.comms.Dispatch(req.CommID, composed.Header, req.Data)
	return nil
}

func (d *Dispatcher) handleCommClose(composed *wire.ComposedMessage) error {
	var req wire.CommCloseContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		klog.Warningf("shell: malformed comm_close: %v", err)
		return nil
	}
	d.comms.Close(req.CommID)
	return nil
}

func (d *Dispatcher) handleShutdown(routing [][]byte, composed *wire.ComposedMessage, notifyShutdown *func()) error {
	var req wire.ShutdownRequestContent
	_ = json.Unmarshal(composed.Content, &req)

	if err := d.reply(routing, composed, wire.MsgShutdownReply, wire.ShutdownReplyContent{Status: "ok", Restart: req.Restart}); err != nil {
		klog.Errorf("shell: failed to acknowledge shutdown_request: %+v", err)
	}
	if d.Shutdown != nil {
		restart := req.Restart
		*notifyShutdown = func() { d.Shutdown(restart) }
	}
	return nil
}

// --- execute_request / execution thread --------------------------------

func (d *Dispatcher) handleExecute(ctx context.Context, routing [][]byte, composed *wire.ComposedMessage) error {
	var req wire.ExecuteRequestContent
	if err := json.Unmarshal(composed.Content, &req); err != nil {
		return d.reply(routing, composed, wire.MsgExecuteReply, wire.ExecuteReplyContent{Status: "error", Ename: "BadRequest", Evalue: err.Error()})
	}

	count := int(atomic.AddInt64(&d.execCount, 1))

	if !req.Silent {
		d.iopubIn <- iopub.ExecuteInput{Parent: composed.Header, Code: req.Code, ExecutionCount: count}
	}

	execCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.execCancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.execCancel = nil
		d.mu.Unlock()
		cancel()
	}()

	ec := &publisher{d: d, parent: composed.Header, routing: routing, count: count}
	job := execJob{ctx: execCtx, ec: ec, count: count, req: req, replyCh: make(chan error, 1)}
	select {
	case d.execJobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	var execErr error
	select {
	case execErr = <-job.replyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	reply := wire.ExecuteReplyContent{ExecutionCount: count, UserExpressions: map[string]any{}}
	if execErr != nil {
		ename, evalue, traceback := exceptionParts(execErr)
		reply.Status, reply.Ename, reply.Evalue, reply.Traceback = "error", ename, evalue, traceback
		d.iopubIn <- iopub.ExecuteError{Parent: composed.Header, Ename: ename, Evalue: evalue, Traceback: traceback}
	} else {
		reply.Status = "ok"
	}
	return d.reply(routing, composed, wire.MsgExecuteReply, reply)
}

func (d *Dispatcher) runExecutionThread(ctx context.Context) {
	for {
		select {
		case job := <-d.execJobs:
			job.replyCh <- d.handler.Execute(job.ctx, job.ec, job.count, job.req)
		case <-ctx.Done():
			return
		}
	}
}

func exceptionParts(err error) (ename, evalue string, traceback []string) {
	var exc *handler.Exception
	if errors.As(err, &exc) {
		return exc.Ename, exc.Evalue, exc.Traceback
	}
	return "InternalError", err.Error(), nil
}

// publisher implements handler.ExecContext for a single execute_request.
type publisher struct {
	d       *Dispatcher
	parent  wire.Header
	routing [][]byte
	count   int
}

func (p *publisher) Stream(name, text string) {
	p.d.iopubIn <- iopub.Stream{Parent: p.parent, Name: name, Text: text}
}

func (p *publisher) ExecuteResult(data, metadata wire.MIMEBundle) {
	p.d.iopubIn <- iopub.ExecuteResult{
		Parent: p.parent, ExecutionCount: p.count, Data: data, Metadata: metadata,
	}
}

func (p *publisher) DisplayData(data, metadata wire.MIMEBundle) {
	p.d.iopubIn <- iopub.DisplayData{Parent: p.parent, Data: data, Metadata: metadata}
}

func (p *publisher) UpdateDisplayData(data, metadata wire.MIMEBundle) {
	p.d.iopubIn <- iopub.UpdateDisplayData{Parent: p.parent, Data: data, Metadata: metadata}
}

func (p *publisher) RequestInput(ctx context.Context, prompt string, password bool) (string, error) {
	return p.d.stdin.RequestInput(ctx, p.routing, p.parent, prompt, password)
}
