package shell

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/iopub"
	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/stdin"
	"github.com/posit-dev/amalthea-go/wire"
)

// fakeHandler is a minimal handler.Handler used to exercise the dispatcher
// without a real language backend.
type fakeHandler struct {
	executeErr error
}

func (h *fakeHandler) KernelInfo(context.Context) (wire.KernelInfoReplyContent, error) {
	return wire.KernelInfoReplyContent{
		Implementation: "fake",
		LanguageInfo:   wire.LanguageInfo{Name: "fake"},
	}, nil
}

func (h *fakeHandler) IsComplete(context.Context, string) (wire.IsCompleteReplyContent, error) {
	return wire.IsCompleteReplyContent{Status: "complete"}, nil
}

func (h *fakeHandler) Complete(context.Context, wire.CompleteRequestContent) (wire.CompleteReplyContent, error) {
	return wire.CompleteReplyContent{Status: "ok"}, nil
}

func (h *fakeHandler) Inspect(context.Context, wire.InspectRequestContent) (wire.InspectReplyContent, error) {
	return wire.InspectReplyContent{Status: "ok"}, nil
}

func (h *fakeHandler) Execute(ctx context.Context, ec handler.ExecContext, count int, req wire.ExecuteRequestContent) error {
	if h.executeErr != nil {
		return h.executeErr
	}
	if req.Code == "prompt" {
		v, err := ec.RequestInput(ctx, "> ", false)
		if err != nil {
			return err
		}
		ec.Stream(wire.StreamStdout, v)
		return nil
	}
	ec.ExecuteResult(wire.MIMEBundle{"text/plain": "2"}, nil)
	return nil
}

func (h *fakeHandler) CreateComm(context.Context, *comm.Socket, map[string]any) error { return nil }

func (h *fakeHandler) Debug(context.Context, wire.DebugRequestContent) (wire.DebugReplyContent, error) {
	return wire.DebugReplyContent{}, nil
}

type harness struct {
	dealer  zmq4.Socket
	sub     zmq4.Socket
	sess    *session.Session
	codec   *wire.Codec
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, h handler.Handler) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	shellSck, err := socket.New(ctx, socket.RoleShell, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	pubSck, err := socket.New(ctx, socket.RoleIOPub, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	stdinSck, err := socket.New(ctx, socket.RoleStdin, "tcp://127.0.0.1:0")
	require.NoError(t, err)

	sess, err := session.New("kernel", []byte("key"))
	require.NoError(t, err)

	b := iopub.New(pubSck, sess, 100)
	go func() { _ = b.Run(ctx) }()

	comms := comm.NewManager(b.In())
	go func() { _ = comms.Run(ctx) }()

	sc := stdin.New(stdinSck, sess)
	go func() { _ = sc.Run(ctx) }()

	d := New(shellSck, sess, b.In(), h, comms, sc)
	go func() { _ = d.Run(ctx) }()

	dealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend-1")))
	require.NoError(t, dealer.Dial(shellSck.Addr()))

	sub := zmq4.NewSub(ctx)
	require.NoError(t, sub.SetOption(zmq4.OptionSubscribe, ""))
	require.NoError(t, sub.Dial(pubSck.Addr()))
	time.Sleep(50 * time.Millisecond)

	stdinDealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend-1")))
	require.NoError(t, stdinDealer.Dial(stdinSck.Addr()))

	t.Cleanup(func() {
		cancel()
		dealer.Close()
		sub.Close()
		stdinDealer.Close()
		shellSck.Close()
		pubSck.Close()
		stdinSck.Close()
	})

	go autoAnswerStdin(t, stdinDealer, sess, "x")

	return &harness{dealer: dealer, sub: sub, sess: sess, codec: wire.NewCodec(sess), cancel: cancel}
}

func autoAnswerStdin(t *testing.T, d zmq4.Socket, sess *session.Session, value string) {
	codec := wire.NewCodec(sess)
	msg, err := d.Recv()
	if err != nil {
		return
	}
	_, req, err := codec.Decode(msg.Frames)
	if err != nil {
		return
	}
	reply, err := wire.NewReply(sess, req, wire.MsgInputReply, wire.InputReplyContent{Value: value})
	require.NoError(t, err)
	frames, err := codec.Encode(nil, reply)
	require.NoError(t, err)
	_ = d.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (h *harness) send(t *testing.T, msgType string, content any) *wire.ComposedMessage {
	t.Helper()
	header := wire.NewHeader(h.sess, msgType)
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	composed := &wire.ComposedMessage{Header: header, Metadata: map[string]any{}, Content: raw}
	frames, err := h.codec.Encode(nil, composed)
	require.NoError(t, err)
	require.NoError(t, h.dealer.SendMulti(zmq4.NewMsgFrom(frames...)))
	return composed
}

func (h *harness) recvShellReply(t *testing.T) *wire.ComposedMessage {
	t.Helper()
	msg, err := h.dealer.Recv()
	require.NoError(t, err)
	_, got, err := h.codec.Decode(msg.Frames)
	require.NoError(t, err)
	return got
}

func (h *harness) recvIOPub(t *testing.T) *wire.ComposedMessage {
	t.Helper()
	msg, err := h.sub.Recv()
	require.NoError(t, err)
	_, got, err := h.codec.Decode(msg.Frames)
	require.NoError(t, err)
	return got
}

func TestKernelInfoRoundTrip(t *testing.T) {
	h := newHarness(t, &fakeHandler{})
	req := h.send(t, wire.MsgKernelInfoRequest, wire.KernelInfoRequestContent{})

	busy := h.recvIOPub(t)
	require.Equal(t, wire.MsgStatus, busy.MsgType())
	require.Equal(t, req.Header.MsgID, busy.ParentHeader.MsgID)

	reply := h.recvShellReply(t)
	require.Equal(t, wire.MsgKernelInfoReply, reply.MsgType())
	require.Equal(t, req.Header.MsgID, reply.ParentHeader.MsgID)

	idle := h.recvIOPub(t)
	require.Equal(t, wire.MsgStatus, idle.MsgType())
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, &fakeHandler{})
	h.send(t, wire.MsgExecuteRequest, wire.ExecuteRequestContent{Code: "1+1", StoreHistory: true})

	require.Equal(t, wire.MsgStatus, h.recvIOPub(t).MsgType())
	execInput := h.recvIOPub(t)
	require.Equal(t, wire.MsgExecuteInput, execInput.MsgType())
	result := h.recvIOPub(t)
	require.Equal(t, wire.MsgExecuteResult, result.MsgType())
	require.Equal(t, wire.MsgStatus, h.recvIOPub(t).MsgType())

	reply := h.recvShellReply(t)
	require.Equal(t, wire.MsgExecuteReply, reply.MsgType())
}

func TestExecuteError(t *testing.T) {
	h := newHarness(t, &fakeHandler{executeErr: &handler.Exception{Ename: "Generic Error", Evalue: "boom"}})
	h.send(t, wire.MsgExecuteRequest, wire.ExecuteRequestContent{Code: "err"})

	require.Equal(t, wire.MsgStatus, h.recvIOPub(t).MsgType())
	require.Equal(t, wire.MsgExecuteInput, h.recvIOPub(t).MsgType())
	execErr := h.recvIOPub(t)
	require.Equal(t, wire.MsgExecuteError, execErr.MsgType())
	require.Equal(t, wire.MsgStatus, h.recvIOPub(t).MsgType())

	reply := h.recvShellReply(t)
	require.Equal(t, wire.MsgExecuteReply, reply.MsgType())
}
