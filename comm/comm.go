// Package comm implements the comm socket and comm manager (spec.md §4.C10):
// a per-comm bidirectional channel pair, a registry of open comms, and
// IOPub-ordered egress for comm-originated traffic.
//
// Grounded directly on
// original_source/crates/amalthea/src/socket/comm.rs (CommSocket,
// CommOutgoingTx, handle_request) and
// original_source/crates/amalthea/src/comm/comm_manager.rs (CommManager's
// single execution_thread loop over CommManagerEvent), generalized from the
// teacher's single-widget internal/comms/comms.go into a registry that can
// hold any number of concurrently open comms.
package comm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofrs/uuid"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/iopub"
	"github.com/posit-dev/amalthea-go/wire"
)

// ErrCommClosed is returned by a Request whose comm closed before a reply
// arrived.
var ErrCommClosed = errors.New("comm: closed before reply arrived")

// Initiator records which side opened a comm.
type Initiator int

const (
	InitiatorBackend Initiator = iota
	InitiatorFrontend
)

// JSON-RPC error codes used by handle_request replies (spec.md §4.C10).
const (
	MethodNotFound = -32601
	InternalError  = -32603
)

// IncomingMessage is a comm_msg (or the close event) relayed from the
// frontend to a comm's owning handler.
type IncomingMessage struct {
	ParentHeader wire.Header
	Data         map[string]any
	Closed       bool
}

// Socket is a relay between the backend and the frontend of one comm. The
// handler that owns it reads Incoming() and writes through Send/HandleRequest;
// the manager is the only other thing with a reference to it.
type Socket struct {
	CommID     string
	TargetName string
	Initiator  Initiator

	iopubIn  chan<- iopub.Message
	incoming chan IncomingMessage
	closed   chan struct{}

	mu      sync.Mutex
	pending map[string]chan IncomingMessage
}

func newSocket(initiator Initiator, commID, targetName string, iopubIn chan<- iopub.Message) *Socket {
	return &Socket{
		CommID:     commID,
		TargetName: targetName,
		Initiator:  initiator,
		iopubIn:    iopubIn,
		incoming:   make(chan IncomingMessage, 64),
		closed:     make(chan struct{}),
		pending:    make(map[string]chan IncomingMessage),
	}
}

// deliver routes a frontend-originated comm_msg: if its "id" matches a
// Request awaiting a reply, that call unblocks; otherwise the message is
// handed to Incoming().
func (s *Socket) deliver(msg IncomingMessage) {
	if id, ok := msg.Data["id"].(string); ok {
		s.mu.Lock()
		reply, found := s.pending[id]
		if found {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		if found {
			reply <- msg
			return
		}
	}
	select {
	case s.incoming <- msg:
	default:
		klog.Warningf("comm %s incoming queue full, dropping message", s.CommID)
	}
}

// Incoming receives frontend-originated comm_msg events and a final event
// with Closed set to true when the comm is torn down.
func (s *Socket) Incoming() <-chan IncomingMessage {
	return s.incoming
}

// Send routes an outbound comm_msg through IOPub, inheriting that channel's
// producer-local FIFO ordering relative to the sending thread's other IOPub
// emissions (spec.md invariant "Comm FIFO").
func (s *Socket) Send(parent wire.Header, data map[string]any) {
	s.iopubIn <- iopub.CommOutgoing{Inner: iopub.CommMsg{Parent: parent, CommID: s.CommID, Data: data}}
}

// HandleRequest decodes msg.Data as Req, invokes fn, and sends the reply (or
// a JSON-RPC error) back through Send. A decode failure is reported as
// MethodNotFound; an error from fn is reported as InternalError.
func HandleRequest[Req any, Rep any](s *Socket, msg IncomingMessage, fn func(Req) (Rep, error)) {
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		s.sendError(msg.ParentHeader, InternalError, "failed to re-marshal request: "+err.Error())
		return
	}

	var req Req
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(msg.ParentHeader, MethodNotFound, "no handler for "+s.TargetName+" request: "+err.Error())
		return
	}

	rep, err := fn(req)
	if err != nil {
		s.sendError(msg.ParentHeader, InternalError, "failed to process "+s.TargetName+" request: "+err.Error())
		return
	}

	repRaw, err := json.Marshal(rep)
	if err != nil {
		s.sendError(msg.ParentHeader, InternalError, "failed to serialize reply: "+err.Error())
		return
	}
	var data map[string]any
	if err := json.Unmarshal(repRaw, &data); err != nil {
		s.sendError(msg.ParentHeader, InternalError, "failed to serialize reply: "+err.Error())
		return
	}
	s.Send(msg.ParentHeader, data)
}

// Request sends a backend-initiated RPC addressed to the frontend side of
// this comm and blocks for the reply, correlated by a generated "id"
// (spec.md §4.C8's reverse comm RPCs). Returns ctx.Err() if ctx is done
// first; the pending waiter is then abandoned rather than left to leak.
func (s *Socket) Request(ctx context.Context, parent wire.Header, method string, params any) (json.RawMessage, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	idStr := id.String()

	reply := make(chan IncomingMessage, 1)
	s.mu.Lock()
	s.pending[idStr] = reply
	s.mu.Unlock()

	s.iopubIn <- iopub.CommOutgoing{Inner: iopub.CommMsg{
		CommID: s.CommID,
		Parent: parent,
		Data:   map[string]any{"id": idStr, "method": method, "params": params},
	}}

	select {
	case msg := <-reply:
		if msg.Closed {
			return nil, ErrCommClosed
		}
		return json.Marshal(msg.Data)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, idStr)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// abandonPending fails every in-flight Request once the comm closes, so
// callers blocked in Request don't hang forever.
func (s *Socket) abandonPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, reply := range s.pending {
		reply <- IncomingMessage{Closed: true}
		delete(s.pending, id)
	}
}

func (s *Socket) sendError(parent wire.Header, code int, message string) {
	klog.V(1).Infof("comm %s (%s): %s", s.CommID, s.TargetName, message)
	s.Send(parent, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

// --- Manager -----------------------------------------------------------

// Info describes one open comm for comm_info_request.
type Info struct {
	TargetName string
}

type event interface{ isCommEvent() }

type eventOpened struct {
	socket *Socket
	data   map[string]any
}

func (eventOpened) isCommEvent() {}

type eventMessage struct {
	commID string
	msg    IncomingMessage
}

func (eventMessage) isCommEvent() {}

type eventClosed struct{ commID string }

func (eventClosed) isCommEvent() {}

type eventInfoRequest struct {
	targetName string
	reply      chan map[string]Info
}

func (eventInfoRequest) isCommEvent() {}

type eventCloseAll struct{ done chan struct{} }

func (eventCloseAll) isCommEvent() {}

// Manager owns the registry of open comms. It runs on a single goroutine;
// every other component talks to it only through its channel-backed methods,
// so the registry itself never needs a lock.
type Manager struct {
	iopubIn chan<- iopub.Message
	events  chan event
}

// NewManager constructs a Manager that publishes backend-initiated comm_open
// notifications (and every comm's outbound traffic) through iopubIn.
func NewManager(iopubIn chan<- iopub.Message) *Manager {
	return &Manager{iopubIn: iopubIn, events: make(chan event, 256)}
}

// Run consumes comm lifecycle events until ctx is canceled or the event
// channel is closed. Intended to run on its own goroutine for the life of
// the kernel.
func (m *Manager) Run(ctx context.Context) error {
	open := make(map[string]*Socket)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case eventOpened:
				if e.socket.Initiator == InitiatorBackend {
					m.iopubIn <- iopub.CommOpen{
						CommID: e.socket.CommID, TargetName: e.socket.TargetName, Data: e.data,
					}
				}
				open[e.socket.CommID] = e.socket
				klog.V(1).Infof("comm %s (%s) opened; %d open comms", e.socket.CommID, e.socket.TargetName, len(open))

			case eventMessage:
				s, found := open[e.commID]
				if !found {
					klog.Warningf("comm_msg for unknown comm %s dropped", e.commID)
					continue
				}
				s.deliver(e.msg)

			case eventClosed:
				s, found := open[e.commID]
				if !found {
					klog.Warningf("comm_close for unknown comm %s dropped", e.commID)
					continue
				}
				s.incoming <- IncomingMessage{Closed: true}
				s.abandonPending()
				close(s.closed)
				delete(open, e.commID)
				klog.V(1).Infof("comm %s closed; %d open comms", e.commID, len(open))

			case eventInfoRequest:
				infos := make(map[string]Info, len(open))
				for id, s := range open {
					if e.targetName == "" || s.TargetName == e.targetName {
						infos[id] = Info{TargetName: s.TargetName}
					}
				}
				e.reply <- infos

			case eventCloseAll:
				for id, s := range open {
					m.iopubIn <- iopub.CommClose{CommID: id}
					s.incoming <- IncomingMessage{Closed: true}
					s.abandonPending()
					close(s.closed)
					delete(open, id)
				}
				klog.V(1).Infof("comm: closed all open comms for shutdown")
				close(e.done)
			}
		}
	}
}

// OpenBackend registers a backend-initiated comm (the handler asked to open
// one, e.g. to push a variables pane) and announces it on IOPub.
func (m *Manager) OpenBackend(targetName string, data map[string]any) (*Socket, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	s := newSocket(InitiatorBackend, id.String(), targetName, m.iopubIn)
	m.events <- eventOpened{socket: s, data: data}
	return s, nil
}

// OpenFrontend registers a comm the frontend just opened over Shell
// (comm_open with the given id, already generated by the frontend).
func (m *Manager) OpenFrontend(commID, targetName string, data map[string]any) *Socket {
	s := newSocket(InitiatorFrontend, commID, targetName, m.iopubIn)
	m.events <- eventOpened{socket: s, data: data}
	return s
}

// Dispatch relays a comm_msg received on Shell to its comm's owning handler.
func (m *Manager) Dispatch(commID string, parent wire.Header, data map[string]any) {
	m.events <- eventMessage{commID: commID, msg: IncomingMessage{ParentHeader: parent, Data: data}}
}

// Close relays a comm_close received on Shell, or a backend-initiated close.
func (m *Manager) Close(commID string) {
	m.events <- eventClosed{commID: commID}
}

// CloseAll closes every currently open comm, emitting a comm_close
// notification for each on IOPub, and blocks until done (spec.md §4.C11's
// shutdown_request sequence: open comms are torn down before the kernel
// stops). Safe to call even with no comms open.
func (m *Manager) CloseAll(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.events <- eventCloseAll{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info answers comm_info_request, optionally filtered to one target_name.
func (m *Manager) Info(ctx context.Context, targetName string) (map[string]Info, error) {
	reply := make(chan map[string]Info, 1)
	select {
	case m.events <- eventInfoRequest{targetName: targetName, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
