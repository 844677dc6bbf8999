package main

import (
	"context"

	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/version"
	"github.com/posit-dev/amalthea-go/wire"
)

// echoHandler is a toy language backend: execute_request just echoes its
// code back as the result, and the code "err" always raises a canned
// exception. Grounded directly on
// original_source/echo/src/shell.rs's Shell.
type echoHandler struct{}

func (echoHandler) KernelInfo(context.Context) (wire.KernelInfoReplyContent, error) {
	return wire.KernelInfoReplyContent{
		ProtocolVersion:       wire.ProtocolVersion,
		Implementation:        "Amalthea Echo",
		ImplementationVersion: version.AppVersion.Version,
		Banner:                "Amalthea Echo",
		LanguageInfo: wire.LanguageInfo{
			Name:          "Echo",
			Version:       "1.0",
			FileExtension: ".ech",
			MIMEType:      "text/echo",
		},
	}, nil
}

func (echoHandler) IsComplete(context.Context, string) (wire.IsCompleteReplyContent, error) {
	// An echo language never has unterminated syntax.
	return wire.IsCompleteReplyContent{Status: "complete"}, nil
}

func (echoHandler) Complete(context.Context, wire.CompleteRequestContent) (wire.CompleteReplyContent, error) {
	return wire.CompleteReplyContent{Status: "ok"}, nil
}

func (echoHandler) Inspect(context.Context, wire.InspectRequestContent) (wire.InspectReplyContent, error) {
	return wire.InspectReplyContent{Status: "ok", Found: false}, nil
}

func (echoHandler) Execute(_ context.Context, ec handler.ExecContext, _ int, req wire.ExecuteRequestContent) error {
	if req.Code == "err" {
		return &handler.Exception{
			Ename:     "Generic Error",
			Evalue:    "Some kind of error occurred. No idea which.",
			Traceback: []string{"Frame1", "Frame2", "Frame3"},
		}
	}
	ec.ExecuteResult(wire.MIMEBundle{"text/plain": req.Code}, nil)
	return nil
}

// CreateComm rejects every comm open: echo has no comm targets of its own.
func (echoHandler) CreateComm(_ context.Context, _ *comm.Socket, _ map[string]any) error {
	return &handler.Exception{Ename: "CommNotSupported", Evalue: "echo has no comm targets"}
}

func (echoHandler) Debug(context.Context, wire.DebugRequestContent) (wire.DebugReplyContent, error) {
	return wire.DebugReplyContent{}, nil
}
