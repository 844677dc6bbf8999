package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/posit-dev/amalthea-go/amaltheatest"
	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/connection"
	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/wire"
)

// scenarioHandler implements the behaviors spec.md §8's S1-S5 scenarios
// exercise: arithmetic on "1+1", a forced error on "err", an input prompt
// on "prompt", and an echoing comm.
type scenarioHandler struct{}

func (scenarioHandler) KernelInfo(context.Context) (wire.KernelInfoReplyContent, error) {
	return wire.KernelInfoReplyContent{
		Implementation: "amaltheatest-scenarios",
		LanguageInfo:   wire.LanguageInfo{Name: "scenario"},
	}, nil
}
func (scenarioHandler) IsComplete(context.Context, string) (wire.IsCompleteReplyContent, error) {
	return wire.IsCompleteReplyContent{Status: "complete"}, nil
}
func (scenarioHandler) Complete(context.Context, wire.CompleteRequestContent) (wire.CompleteReplyContent, error) {
	return wire.CompleteReplyContent{Status: "ok"}, nil
}
func (scenarioHandler) Inspect(context.Context, wire.InspectRequestContent) (wire.InspectReplyContent, error) {
	return wire.InspectReplyContent{Status: "ok"}, nil
}

func (scenarioHandler) Execute(ctx context.Context, ec handler.ExecContext, _ int, req wire.ExecuteRequestContent) error {
	switch req.Code {
	case "err":
		return &handler.Exception{Ename: "Generic Error", Evalue: "something went wrong", Traceback: []string{"line 1"}}
	case "prompt":
		v, err := ec.RequestInput(ctx, "> ", false)
		if err != nil {
			return err
		}
		ec.Stream(wire.StreamStdout, v)
	default:
		ec.ExecuteResult(wire.MIMEBundle{"text/plain": "2"}, nil)
	}
	return nil
}

func (scenarioHandler) CreateComm(_ context.Context, s *comm.Socket, _ map[string]any) error {
	go func() {
		for msg := range s.Incoming() {
			if msg.Closed {
				return
			}
			s.Send(msg.ParentHeader, msg.Data)
		}
	}()
	return nil
}

func (scenarioHandler) Debug(context.Context, wire.DebugRequestContent) (wire.DebugReplyContent, error) {
	return wire.DebugReplyContent{}, nil
}

func newScenarioFrontend(t *testing.T) *amaltheatest.Frontend {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	conn := &connection.Connection{Transport: "tcp", IP: "127.0.0.1", Key: "scenario-key"}
	k, err := New(ctx, conn, scenarioHandler{})
	require.NoError(t, err)
	go func() { _ = k.Run(ctx) }()

	fe, err := amaltheatest.Dial(ctx, []byte(conn.Key), amaltheatest.Addrs{
		Shell: k.ShellAddr(), Control: k.ControlAddr(), IOPub: k.IOPubAddr(),
		Stdin: k.StdinAddr(), Heartbeat: k.HBAddr(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		fe.Close()
		cancel()
		_ = k.Close()
	})
	return fe
}

func TestScenarioKernelInfoRoundTrip(t *testing.T) {
	fe := newScenarioFrontend(t)
	_, err := fe.SendShell(wire.MsgKernelInfoRequest, wire.KernelInfoRequestContent{})
	require.NoError(t, err)

	fe.RecvIOPubStatus(t, wire.StatusBusy)
	reply, err := fe.RecvShell()
	require.NoError(t, err)
	require.Equal(t, wire.MsgKernelInfoReply, reply.MsgType())
	fe.RecvIOPubStatus(t, wire.StatusIdle)
}

func TestScenarioExecuteSuccess(t *testing.T) {
	fe := newScenarioFrontend(t)
	_, err := fe.SendExecuteRequest("1+1")
	require.NoError(t, err)

	fe.RecvIOPubStatus(t, wire.StatusBusy)
	in := fe.RecvIOPubExecuteInput(t)
	require.Equal(t, "1+1", in.Code)
	require.Equal(t, "2", fe.RecvIOPubExecuteResult(t))
	fe.RecvIOPubStatus(t, wire.StatusIdle)

	reply := fe.RecvShellExecuteReply(t)
	require.Equal(t, "ok", reply.Status)
}

func TestScenarioExecuteError(t *testing.T) {
	fe := newScenarioFrontend(t)
	_, err := fe.SendExecuteRequest("err")
	require.NoError(t, err)

	fe.RecvIOPubStatus(t, wire.StatusBusy)
	fe.RecvIOPubExecuteInput(t)
	msg, err := fe.RecvIOPub()
	require.NoError(t, err)
	require.Equal(t, wire.MsgExecuteError, msg.MsgType())
	fe.RecvIOPubStatus(t, wire.StatusIdle)

	reply := fe.RecvShellExecuteReply(t)
	require.Equal(t, "error", reply.Status)
	require.Equal(t, "Generic Error", reply.Ename)
}

func TestScenarioStdinPrompt(t *testing.T) {
	fe := newScenarioFrontend(t)
	_, err := fe.SendExecuteRequest("prompt")
	require.NoError(t, err)

	fe.RecvIOPubStatus(t, wire.StatusBusy)
	fe.RecvIOPubExecuteInput(t)

	req, err := fe.RecvStdin()
	require.NoError(t, err)
	require.Equal(t, wire.MsgInputRequest, req.MsgType())

	_, err = fe.SendStdin(wire.MsgInputReply, wire.InputReplyContent{Value: "x"})
	require.NoError(t, err)

	msg, err := fe.RecvIOPub()
	require.NoError(t, err)
	require.Equal(t, wire.MsgStream, msg.MsgType())
	fe.RecvIOPubStatus(t, wire.StatusIdle)

	reply := fe.RecvShellExecuteReply(t)
	require.Equal(t, "ok", reply.Status)
}

func TestScenarioCommLifecycle(t *testing.T) {
	fe := newScenarioFrontend(t)

	_, err := fe.SendShell(wire.MsgCommOpen, wire.CommOpenContent{CommID: "c1", TargetName: "t"})
	require.NoError(t, err)
	fe.RecvIOPubStatus(t, wire.StatusBusy)
	fe.RecvIOPubStatus(t, wire.StatusIdle)

	_, err = fe.SendShell(wire.MsgCommMsg, wire.CommMsgContent{CommID: "c1", Data: map[string]any{"k": float64(1)}})
	require.NoError(t, err)
	fe.RecvIOPubStatus(t, wire.StatusBusy)

	msg, err := fe.RecvIOPub()
	require.NoError(t, err)
	require.Equal(t, wire.MsgCommMsg, msg.MsgType())
	fe.RecvIOPubStatus(t, wire.StatusIdle)

	_, err = fe.SendShell(wire.MsgCommClose, wire.CommCloseContent{CommID: "c1"})
	require.NoError(t, err)
	fe.RecvIOPubStatus(t, wire.StatusBusy)
	fe.RecvIOPubStatus(t, wire.StatusIdle)
}

// TestScenarioSignatureRejectionThenRecovery is spec.md §8's S6: a message
// with a tampered signature must be dropped silently (no reply, no IOPub
// busy/idle bracket), and the dispatcher must remain responsive to the next,
// correctly-signed request.
func TestScenarioSignatureRejectionThenRecovery(t *testing.T) {
	fe := newScenarioFrontend(t)

	header := wire.NewHeader(fe.Session, wire.MsgKernelInfoRequest)
	composed := &wire.ComposedMessage{Header: header, Metadata: map[string]any{}, Content: []byte("{}")}
	codec := wire.NewCodec(fe.Session)
	frames, err := codec.Encode(nil, composed)
	require.NoError(t, err)

	// frames[1] is the hex-encoded signature; flip its first character.
	sig := []byte(string(frames[1]))
	if sig[0] == '0' {
		sig[0] = '1'
	} else {
		sig[0] = '0'
	}
	frames[1] = sig

	require.NoError(t, fe.SendRawShell(frames))
	fe.AssertNoIncoming(t)

	_, err = fe.SendShell(wire.MsgKernelInfoRequest, wire.KernelInfoRequestContent{})
	require.NoError(t, err)
	fe.RecvIOPubStatus(t, wire.StatusBusy)
	reply, err := fe.RecvShell()
	require.NoError(t, err)
	require.Equal(t, wire.MsgKernelInfoReply, reply.MsgType())
	fe.RecvIOPubStatus(t, wire.StatusIdle)
}
