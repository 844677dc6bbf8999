package stdin

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/wire"
)

func TestRequestInputRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sck, err := socket.New(ctx, socket.RoleStdin, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer sck.Close()

	sess, err := session.New("kernel", []byte("key"))
	require.NoError(t, err)
	c := New(sck, sess)
	go func() { _ = c.Run(ctx) }()

	dealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend-1")))
	defer dealer.Close()
	require.NoError(t, dealer.Dial(sck.Addr()))

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := c.RequestInput(ctx, [][]byte{[]byte("frontend-1")}, wire.Header{MsgID: "exec-1"}, "> ", false)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	msg, err := dealer.Recv()
	require.NoError(t, err)
	codec := wire.NewCodec(sess)
	_, decoded, err := codec.Decode(msg.Frames)
	require.NoError(t, err)
	require.Equal(t, wire.MsgInputRequest, decoded.MsgType())
	require.Equal(t, "exec-1", decoded.ParentHeader.MsgID)

	reply, err := wire.NewReply(sess, decoded, wire.MsgInputReply, wire.InputReplyContent{Value: "hello"})
	require.NoError(t, err)
	frames, err := codec.Encode(nil, reply)
	require.NoError(t, err)
	require.NoError(t, dealer.SendMulti(zmq4.NewMsgFrom(frames...)))

	select {
	case v := <-resultCh:
		require.Equal(t, "hello", v)
	case err := <-errCh:
		t.Fatalf("RequestInput failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for input reply")
	}
}

func TestRequestInputRejectsConcurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sck, err := socket.New(ctx, socket.RoleStdin, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer sck.Close()

	sess, err := session.New("kernel", nil)
	require.NoError(t, err)
	c := New(sck, sess)

	blockCtx, blockCancel := context.WithCancel(context.Background())
	defer blockCancel()
	go func() { _, _ = c.RequestInput(blockCtx, nil, wire.Header{}, "p", false) }()
	time.Sleep(50 * time.Millisecond)

	_, err = c.RequestInput(ctx, nil, wire.Header{}, "q", false)
	require.ErrorIs(t, err, ErrRequestInFlight)
}
