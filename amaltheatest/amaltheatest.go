// Package amaltheatest implements a synthetic Jupyter frontend: a client
// that dials a running kernel's five sockets the way a real frontend would,
// for use in integration tests and scenario coverage.
//
// Grounded directly on
// original_source/crates/amalthea/src/test/dummy_frontend.rs's
// DummyFrontend: the same five-socket dial, the same Shell/Stdin shared
// identity, and the same recv_iopub_busy/idle/execute_input/execute_result
// convenience assertions.
package amaltheatest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/wire"
)

// Addrs is the dialable address of each of the kernel's five sockets,
// typically k.ShellAddr() etc. from a running kernel.Kernel.
type Addrs struct {
	Shell     string
	Control   string
	IOPub     string
	Stdin     string
	Heartbeat string
}

// Frontend drives a kernel's sockets as a synthetic client would.
type Frontend struct {
	Session *session.Session
	codec   *wire.Codec

	shell, control, stdin, iopub, hb zmq4.Socket
}

// Dial connects to every socket in addrs, signing outgoing messages with a
// freshly generated session keyed by key. Shell and Stdin share one ZeroMQ
// identity, per the Jupyter messaging spec (both sockets must route replies
// back to the same frontend instance).
func Dial(ctx context.Context, key []byte, addrs Addrs) (*Frontend, error) {
	sess, err := session.New("amaltheatest", key)
	if err != nil {
		return nil, err
	}
	identity := zmq4.WithID(zmq4.SocketIdentity(sess.ID))

	shell := zmq4.NewDealer(ctx, identity)
	if err := shell.Dial(addrs.Shell); err != nil {
		return nil, err
	}
	control := zmq4.NewDealer(ctx)
	if err := control.Dial(addrs.Control); err != nil {
		return nil, err
	}
	stdin := zmq4.NewDealer(ctx, identity)
	if err := stdin.Dial(addrs.Stdin); err != nil {
		return nil, err
	}
	iopub := zmq4.NewSub(ctx)
	if err := iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return nil, err
	}
	if err := iopub.Dial(addrs.IOPub); err != nil {
		return nil, err
	}
	hb := zmq4.NewReq(ctx)
	if err := hb.Dial(addrs.Heartbeat); err != nil {
		return nil, err
	}

	// Give the SUB socket's subscription time to propagate before the
	// caller starts sending requests whose IOPub side effects it expects
	// to observe; a slow-joiner SUB would otherwise miss them.
	time.Sleep(50 * time.Millisecond)

	return &Frontend{
		Session: sess,
		codec:   wire.NewCodec(sess),
		shell:   shell, control: control, stdin: stdin, iopub: iopub, hb: hb,
	}, nil
}

// Close tears down every socket.
func (f *Frontend) Close() {
	f.shell.Close()
	f.control.Close()
	f.stdin.Close()
	f.iopub.Close()
	f.hb.Close()
}

// SendShell signs and sends content as msgType on the Shell socket,
// returning the new message's id.
func (f *Frontend) SendShell(msgType string, content any) (string, error) {
	return f.send(f.shell, msgType, content)
}

// SendControl signs and sends content as msgType on the Control socket.
func (f *Frontend) SendControl(msgType string, content any) (string, error) {
	return f.send(f.control, msgType, content)
}

// SendStdin signs and sends content as msgType on the Stdin socket, used to
// reply to an input_request.
func (f *Frontend) SendStdin(msgType string, content any) (string, error) {
	return f.send(f.stdin, msgType, content)
}

// SendExecuteRequest is shorthand for the common case of submitting code.
func (f *Frontend) SendExecuteRequest(code string) (string, error) {
	return f.SendShell(wire.MsgExecuteRequest, wire.ExecuteRequestContent{
		Code: code, StoreHistory: true, UserExpressions: map[string]any{},
	})
}

func (f *Frontend) send(sck zmq4.Socket, msgType string, content any) (string, error) {
	header := wire.NewHeader(f.Session, msgType)
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	composed := &wire.ComposedMessage{Header: header, Metadata: map[string]any{}, Content: raw}
	frames, err := f.codec.Encode(nil, composed)
	if err != nil {
		return "", err
	}
	if err := sck.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return "", err
	}
	return header.MsgID, nil
}

// SendRawShell sends pre-encoded frames on the Shell socket directly,
// bypassing signing -- for tests that need to send a deliberately malformed
// or incorrectly-signed message.
func (f *Frontend) SendRawShell(frames [][]byte) error {
	return f.shell.SendMulti(zmq4.NewMsgFrom(frames...))
}

// RecvShell blocks for the next message on the Shell socket.
func (f *Frontend) RecvShell() (*wire.ComposedMessage, error) { return f.recv(f.shell) }

// RecvIOPub blocks for the next message on the IOPub socket.
func (f *Frontend) RecvIOPub() (*wire.ComposedMessage, error) { return f.recv(f.iopub) }

// RecvStdin blocks for the next message on the Stdin socket (typically an
// input_request).
func (f *Frontend) RecvStdin() (*wire.ComposedMessage, error) { return f.recv(f.stdin) }

func (f *Frontend) recv(sck zmq4.Socket) (*wire.ComposedMessage, error) {
	msg, err := sck.Recv()
	if err != nil {
		return nil, err
	}
	_, composed, err := f.codec.Decode(msg.Frames)
	return composed, err
}

// SendHeartbeat sends a raw ping frame and returns whatever comes back.
func (f *Frontend) SendHeartbeat(ping []byte) ([]byte, error) {
	if err := f.hb.Send(zmq4.NewMsg(ping)); err != nil {
		return nil, err
	}
	msg, err := f.hb.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames[0], nil
}

// --- testify-backed assertions, mirroring dummy_frontend.rs's recv_iopub_* ----

// RecvIOPubStatus receives the next IOPub message and asserts it is a
// status message in the given state.
func (f *Frontend) RecvIOPubStatus(t *testing.T, want wire.ExecutionState) {
	t.Helper()
	msg, err := f.RecvIOPub()
	require.NoError(t, err)
	require.Equal(t, wire.MsgStatus, msg.MsgType())
	var content wire.StatusContent
	require.NoError(t, json.Unmarshal(msg.Content, &content))
	require.Equal(t, want, content.ExecutionState)
}

// RecvIOPubExecuteInput receives the next IOPub message and asserts it is
// an execute_input, returning its content.
func (f *Frontend) RecvIOPubExecuteInput(t *testing.T) wire.ExecuteInputContent {
	t.Helper()
	msg, err := f.RecvIOPub()
	require.NoError(t, err)
	require.Equal(t, wire.MsgExecuteInput, msg.MsgType())
	var content wire.ExecuteInputContent
	require.NoError(t, json.Unmarshal(msg.Content, &content))
	return content
}

// RecvIOPubExecuteResult receives the next IOPub message, asserts it is an
// execute_result, and returns its "text/plain" representation.
func (f *Frontend) RecvIOPubExecuteResult(t *testing.T) string {
	t.Helper()
	msg, err := f.RecvIOPub()
	require.NoError(t, err)
	require.Equal(t, wire.MsgExecuteResult, msg.MsgType())
	var content wire.ExecuteResultContent
	require.NoError(t, json.Unmarshal(msg.Content, &content))
	plain, _ := content.Data["text/plain"].(string)
	return plain
}

// RecvShellExecuteReply receives the next Shell message and asserts it is
// an execute_reply, returning its content.
func (f *Frontend) RecvShellExecuteReply(t *testing.T) wire.ExecuteReplyContent {
	t.Helper()
	msg, err := f.RecvShell()
	require.NoError(t, err)
	require.Equal(t, wire.MsgExecuteReply, msg.MsgType())
	var content wire.ExecuteReplyContent
	require.NoError(t, json.Unmarshal(msg.Content, &content))
	return content
}

// AssertNoIncoming asserts none of Shell, IOPub or Stdin have a message
// waiting within a short grace period.
func (f *Frontend) AssertNoIncoming(t *testing.T) {
	t.Helper()
	for name, sck := range map[string]zmq4.Socket{"Shell": f.shell, "IOPub": f.iopub, "Stdin": f.stdin} {
		if hasIncoming(sck) {
			t.Fatalf("%s socket unexpectedly has incoming data", name)
		}
	}
}

func hasIncoming(sck zmq4.Socket) bool {
	done := make(chan struct{})
	go func() {
		_, _ = sck.Recv()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}
