package kernel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/connection"
	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/wire"
)

type fakeHandler struct{}

func (fakeHandler) KernelInfo(context.Context) (wire.KernelInfoReplyContent, error) {
	return wire.KernelInfoReplyContent{Implementation: "fake", LanguageInfo: wire.LanguageInfo{Name: "fake"}}, nil
}
func (fakeHandler) IsComplete(context.Context, string) (wire.IsCompleteReplyContent, error) {
	return wire.IsCompleteReplyContent{Status: "complete"}, nil
}
func (fakeHandler) Complete(context.Context, wire.CompleteRequestContent) (wire.CompleteReplyContent, error) {
	return wire.CompleteReplyContent{Status: "ok"}, nil
}
func (fakeHandler) Inspect(context.Context, wire.InspectRequestContent) (wire.InspectReplyContent, error) {
	return wire.InspectReplyContent{Status: "ok"}, nil
}
func (fakeHandler) Execute(_ context.Context, ec handler.ExecContext, _ int, req wire.ExecuteRequestContent) error {
	ec.ExecuteResult(wire.MIMEBundle{"text/plain": req.Code}, nil)
	return nil
}
func (fakeHandler) CreateComm(context.Context, *comm.Socket, map[string]any) error { return nil }
func (fakeHandler) Debug(context.Context, wire.DebugRequestContent) (wire.DebugReplyContent, error) {
	return wire.DebugReplyContent{}, nil
}

func newTestKernel(t *testing.T) (*Kernel, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	conn := &connection.Connection{Transport: "tcp", IP: "127.0.0.1", Key: "testkey"}
	k, err := New(ctx, conn, fakeHandler{})
	require.NoError(t, err)

	go func() { _ = k.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = k.Close()
	})
	return k, cancel
}

func TestKernelInfoEndToEnd(t *testing.T) {
	k, _ := newTestKernel(t)

	ctx := context.Background()
	dealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend-1")))
	defer dealer.Close()
	require.NoError(t, dealer.Dial(k.ShellAddr()))

	codec := wire.NewCodec(k.Session)
	header := wire.NewHeader(k.Session, wire.MsgKernelInfoRequest)
	composed := &wire.ComposedMessage{Header: header, Metadata: map[string]any{}, Content: []byte("{}")}
	frames, err := codec.Encode(nil, composed)
	require.NoError(t, err)
	require.NoError(t, dealer.SendMulti(zmq4.NewMsgFrom(frames...)))

	msg, err := dealer.Recv()
	require.NoError(t, err)
	_, reply, err := codec.Decode(msg.Frames)
	require.NoError(t, err)
	require.Equal(t, wire.MsgKernelInfoReply, reply.MsgType())

	var content wire.KernelInfoReplyContent
	require.NoError(t, json.Unmarshal(reply.Content, &content))
	require.Equal(t, "fake", content.Implementation)
	require.Equal(t, wire.ProtocolVersion, content.ProtocolVersion)
}

func TestHeartbeatEndToEnd(t *testing.T) {
	k, _ := newTestKernel(t)

	ctx := context.Background()
	req := zmq4.NewReq(ctx)
	defer req.Close()
	require.NoError(t, req.Dial(k.HBAddr()))
	require.NoError(t, req.Send(zmq4.NewMsgString("ping")))

	msg, err := req.Recv()
	require.NoError(t, err)
	require.Equal(t, "ping", string(msg.Frames[0]))
}

func TestInterruptCancelsExecution(t *testing.T) {
	blocked := make(chan struct{})
	h := blockingHandler{started: blocked}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &connection.Connection{Transport: "tcp", IP: "127.0.0.1", Key: "testkey"}
	k, err := New(ctx, conn, h)
	require.NoError(t, err)
	go func() { _ = k.Run(ctx) }()
	t.Cleanup(func() { _ = k.Close() })

	dealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend-1")))
	defer dealer.Close()
	require.NoError(t, dealer.Dial(k.ShellAddr()))

	controlDealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend-1")))
	defer controlDealer.Close()
	require.NoError(t, controlDealer.Dial(k.ControlAddr()))

	codec := wire.NewCodec(k.Session)
	header := wire.NewHeader(k.Session, wire.MsgExecuteRequest)
	content, err := json.Marshal(wire.ExecuteRequestContent{Code: "sleep"})
	require.NoError(t, err)
	composed := &wire.ComposedMessage{Header: header, Metadata: map[string]any{}, Content: content}
	frames, err := codec.Encode(nil, composed)
	require.NoError(t, err)
	require.NoError(t, dealer.SendMulti(zmq4.NewMsgFrom(frames...)))

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}

	interruptHeader := wire.NewHeader(k.Session, wire.MsgInterruptRequest)
	interruptComposed := &wire.ComposedMessage{Header: interruptHeader, Metadata: map[string]any{}, Content: []byte("{}")}
	iframes, err := codec.Encode(nil, interruptComposed)
	require.NoError(t, err)
	require.NoError(t, controlDealer.SendMulti(zmq4.NewMsgFrom(iframes...)))

	msg, err := dealer.Recv()
	require.NoError(t, err)
	_, reply, err := codec.Decode(msg.Frames)
	require.NoError(t, err)
	require.Equal(t, wire.MsgExecuteReply, reply.MsgType())

	var execReply wire.ExecuteReplyContent
	require.NoError(t, json.Unmarshal(reply.Content, &execReply))
	require.Equal(t, "error", execReply.Status)
}

type blockingHandler struct {
	started chan struct{}
}

func (blockingHandler) KernelInfo(context.Context) (wire.KernelInfoReplyContent, error) {
	return wire.KernelInfoReplyContent{}, nil
}
func (blockingHandler) IsComplete(context.Context, string) (wire.IsCompleteReplyContent, error) {
	return wire.IsCompleteReplyContent{}, nil
}
func (blockingHandler) Complete(context.Context, wire.CompleteRequestContent) (wire.CompleteReplyContent, error) {
	return wire.CompleteReplyContent{}, nil
}
func (blockingHandler) Inspect(context.Context, wire.InspectRequestContent) (wire.InspectReplyContent, error) {
	return wire.InspectReplyContent{}, nil
}
func (h blockingHandler) Execute(ctx context.Context, _ handler.ExecContext, _ int, _ wire.ExecuteRequestContent) error {
	close(h.started)
	<-ctx.Done()
	return ctx.Err()
}
func (blockingHandler) CreateComm(context.Context, *comm.Socket, map[string]any) error { return nil }
func (blockingHandler) Debug(context.Context, wire.DebugRequestContent) (wire.DebugReplyContent, error) {
	return wire.DebugReplyContent{}, nil
}

func TestGuardedRecoversPanic(t *testing.T) {
	err := guarded("test", func() error { panic("boom") })()
	require.Error(t, err)
	require.Contains(t, err.Error(), "test dispatcher panicked")
	require.Contains(t, err.Error(), "boom")
}

func TestGuardedPassesThroughError(t *testing.T) {
	wantErr := context.Canceled
	err := guarded("test", func() error { return wantErr })()
	require.ErrorIs(t, err, wantErr)
}
