// Package handler defines the contract a language backend implements to plug
// into the dispatch engine (spec.md §1 "a hosting program provides
// language-specific handlers; Amalthea provides everything else").
//
// Grounded on the teacher's goexec.State method set as called from
// internal/dispatcher/dispatcher.go (handleExecuteRequest, HandleInspectRequest,
// handleCompleteRequest) generalized into an interface, and on
// original_source/echo/src/shell.rs's ShellHandler trait (kernel_info/execute/
// is_complete/complete/inspect/comm_info/create_comm/handle_debug_request).
package handler

import (
	"context"

	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/wire"
)

// Exception is a language-level failure: the handler understood the request
// but evaluating it failed. The dispatcher translates it into the error form
// of whichever reply is in flight (and, for execute, an additional
// execute_error on IOPub) rather than treating it as a transport fault.
type Exception struct {
	Ename     string
	Evalue    string
	Traceback []string
}

func (e *Exception) Error() string { return e.Ename + ": " + e.Evalue }

// Publisher lets a handler emit IOPub side effects while it is running,
// in the order it calls them (iopub.Broadcaster preserves producer-local
// send order).
type Publisher interface {
	Stream(name, text string)
	ExecuteResult(data, metadata wire.MIMEBundle)
	DisplayData(data, metadata wire.MIMEBundle)
	UpdateDisplayData(data, metadata wire.MIMEBundle)
}

// InputRequester lets the handler block the execution thread on a
// stdin round trip (spec.md §4.C8).
type InputRequester interface {
	RequestInput(ctx context.Context, prompt string, password bool) (string, error)
}

// ExecContext is handed to Execute: the publisher for this request's IOPub
// side effects plus the stdin coordinator.
type ExecContext interface {
	Publisher
	InputRequester
}

// DebugEventSource is an optional extension to Handler: implement it when a
// debug adapter needs to push asynchronous DAP events ("stopped",
// "continued", and the like) to the frontend outside the
// debug_request/debug_reply cycle. Control relays anything sent on the
// returned channel onto IOPub as debug_event.
type DebugEventSource interface {
	DebugEvents() <-chan wire.DebugEventContent
}

// Handler is the full contract. Every method may return an *Exception for a
// handler-level failure; any other non-nil error is treated as an internal
// dispatch fault (logged, replied to with status "error" using a generic
// ename, the session is not torn down).
type Handler interface {
	// KernelInfo answers kernel_info_request. Implementations fill in
	// LanguageInfo and Banner; Amalthea fills ProtocolVersion and Status.
	KernelInfo(ctx context.Context) (wire.KernelInfoReplyContent, error)

	// IsComplete answers is_complete_request: whether code is a complete,
	// executable unit, and if not, how the continuation line should be
	// indented.
	IsComplete(ctx context.Context, code string) (wire.IsCompleteReplyContent, error)

	// Complete answers complete_request at the given cursor position.
	Complete(ctx context.Context, req wire.CompleteRequestContent) (wire.CompleteReplyContent, error)

	// Inspect answers inspect_request: contextual documentation for the
	// identifier under the cursor.
	Inspect(ctx context.Context, req wire.InspectRequestContent) (wire.InspectReplyContent, error)

	// Execute runs code. ec.Stream/ExecuteResult/DisplayData publish side
	// effects in call order; ec.RequestInput blocks for stdin. The
	// execute_reply's Status/ExecutionCount/UserExpressions are filled by the
	// dispatcher; implementations only need to run the code and publish
	// results, returning a non-nil error (ideally *Exception) on failure.
	Execute(ctx context.Context, ec ExecContext, executionCount int, req wire.ExecuteRequestContent) error

	// CreateComm is invoked for every comm_open received on Shell, whatever
	// its target name, letting the handler attach an RPC handler to the new
	// comm.Socket. Returning an error rejects the comm open.
	CreateComm(ctx context.Context, c *comm.Socket, initialData map[string]any) error

	// Debug answers debug_request (a passthrough DAP envelope); most
	// handlers that don't implement a debug adapter can return
	// wire.DebugReplyContent{} unmodified with a nil error.
	Debug(ctx context.Context, req wire.DebugRequestContent) (wire.DebugReplyContent, error)
}
