// Package socket wraps a single ZeroMQ socket with the bind/connect polarity
// and naming conventions each Jupyter role requires (spec.md §4.C3).
//
// Grounded on the teacher's internal/kernel.SyncSocket/bindSockets and
// original_source/crates/amalthea/src/socket/socket.rs.
package socket

import (
	"context"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Role identifies which of the five Jupyter sockets this wrapper serves.
type Role string

const (
	RoleShell     Role = "shell"
	RoleControl   Role = "control"
	RoleStdin     Role = "stdin"
	RoleIOPub     Role = "iopub"
	RoleHeartbeat Role = "heartbeat"
)

// Socket wraps a zmq4.Socket. Sends are serialized with a mutex since a
// single ZeroMQ socket must not be written from multiple goroutines at once,
// even though each role is read by exactly one dispatcher goroutine
// (spec.md §5 "each ZeroMQ socket is owned exclusively by one thread").
// IOPub and Stdin are written by background producers in addition to their
// owning dispatcher, hence the lock around sends.
type Socket struct {
	Name   Role
	zsck   zmq4.Socket
	scheme string

	mu     sync.Mutex
	closed bool
}

// New constructs and binds a socket for the given role at endpoint.
func New(ctx context.Context, name Role, endpoint string) (*Socket, error) {
	var zsck zmq4.Socket
	switch name {
	case RoleShell, RoleControl, RoleStdin:
		zsck = zmq4.NewRouter(ctx)
	case RoleIOPub:
		zsck = zmq4.NewPub(ctx)
	case RoleHeartbeat:
		zsck = zmq4.NewRep(ctx)
	default:
		return nil, errors.Errorf("unknown socket role %q", name)
	}

	if err := zsck.Listen(endpoint); err != nil {
		return nil, errors.WithMessagef(err, "failed to listen on %s socket at %s", name, endpoint)
	}
	klog.V(1).Infof("%s socket bound to %s", name, endpoint)
	scheme, _, _ := strings.Cut(endpoint, "://")
	return &Socket{Name: name, zsck: zsck, scheme: scheme}, nil
}

// RecvMultipart blocks until a multipart message arrives.
func (s *Socket) RecvMultipart() ([][]byte, error) {
	msg, err := s.zsck.Recv()
	if err != nil {
		return nil, errors.WithMessagef(err, "recv on %s socket", s.Name)
	}
	return msg.Frames, nil
}

// SendMultipart sends a multipart message. Safe for concurrent use.
func (s *Socket) SendMultipart(frames [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.zsck.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return errors.WithMessagef(err, "send on %s socket", s.Name)
	}
	return nil
}

// Frame is one multipart message recv'd off the socket, or the error that
// ended the recv loop.
type Frame struct {
	Data [][]byte
	Err  error
}

// Frames starts a background goroutine blocking on RecvMultipart and
// streams each result to the returned channel, closing it once the socket
// errors (typically because Close was called) or ctx is done. Grounded on
// the teacher's Kernel.pollCommonSocket/pollHeartbeat (internal/kernel/kernel.go):
// one recv goroutine per socket, fed into a channel the owning dispatcher
// selects on alongside its stop signal.
func (s *Socket) Frames(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			frames, err := s.RecvMultipart()
			select {
			case out <- Frame{Data: frames, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// Addr returns the dialable address the socket is bound to, including its
// scheme, e.g. "tcp://127.0.0.1:54321" after binding to "tcp://127.0.0.1:0"
// and letting the OS pick an ephemeral port.
func (s *Socket) Addr() string {
	addr := s.zsck.Addr()
	if addr == nil {
		return ""
	}
	return s.scheme + "://" + addr.String()
}

// Close closes the underlying ZeroMQ socket. Safe to call more than once
// (e.g. once to unblock a dispatch loop during graceful shutdown, again from
// Kernel.Close once every dispatcher has returned): the second call is a
// no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.zsck.Close(); err != nil {
		return errors.WithMessagef(err, "closing %s socket", s.Name)
	}
	return nil
}
