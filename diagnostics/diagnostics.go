// Package diagnostics implements an optional, read-only tee of IOPub traffic
// over a websocket, for developer tools that want to observe what a kernel
// is broadcasting without acting as a Jupyter frontend themselves.
//
// Grounded on github.com/gorilla/websocket's upgrade/read-pump/broadcast
// idiom as used by the example pack's
// broyeztony-karl/spreadsheet.Server.HandleWebSocket (upgrader with
// CheckOrigin allow-all, a client-set guarded by a mutex, WriteJSON to each
// client and drop on error). The kernel's own teacher repo has no
// server-side websocket code to ground on; its internal/websocket package
// only emits client-side JavaScript.
package diagnostics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/internal/util"
	"github.com/posit-dev/amalthea-go/iopub"
)

// Envelope is the JSON shape streamed to each connected client: enough to
// identify and correlate a message without exposing the signed wire frames
// or requiring the client to verify HMAC signatures itself.
type Envelope struct {
	MsgType       string `json:"msg_type"`
	ParentMsgID   string `json:"parent_msg_id,omitempty"`
	ParentMsgType string `json:"parent_msg_type,omitempty"`
	Content       any    `json:"content"`
}

// Relay streams a read-only tee of IOPub traffic to every connected
// websocket client. It is fed by an iopub.Broadcaster subscription and never
// writes back to IOPub or any other kernel socket, so it cannot affect wire
// ordering guarantees even if it falls behind or a client misbehaves.
type Relay struct {
	in <-chan iopub.Message

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New constructs a Relay fed by in, typically the result of
// broadcaster.Subscribe(bufferSize).
func New(in <-chan iopub.Message) *Relay {
	return &Relay{
		in:       in,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection to receive the tee. It implements http.Handler so callers can
// mount it directly, e.g. http.Handle("/diagnostics", relay).
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		klog.Warningf("diagnostics: upgrade from %s failed: %v", req.RemoteAddr, err)
		return
	}
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
	klog.V(1).Infof("diagnostics: client connected from %s", req.RemoteAddr)

	go r.readPump(conn)
}

// readPump discards anything a client sends; the relay is read-only, but a
// dead connection is only detected by attempting to read from it.
func (r *Relay) readPump(conn *websocket.Conn) {
	defer r.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) drop(conn *websocket.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	util.ReportError(conn.Close())
}

// Run consumes the IOPub tee until ctx is canceled or the channel is closed,
// broadcasting each message to every connected client as JSON.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-r.in:
			if !ok {
				klog.V(1).Info("diagnostics: tee channel closed, relay exiting")
				return nil
			}
			r.broadcast(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) broadcast(msg iopub.Message) {
	msgType, parent, content := msg.Envelope()
	data, err := json.Marshal(Envelope{
		MsgType:       msgType,
		ParentMsgID:   parent.MsgID,
		ParentMsgType: parent.MsgType,
		Content:       content,
	})
	if err != nil {
		klog.Warningf("diagnostics: marshal failed for %s: %v", msgType, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			klog.V(1).Infof("diagnostics: write failed, dropping client: %v", err)
			delete(r.conns, conn)
			util.ReportError(conn.Close())
		}
	}
}

// Serve starts an HTTP server bound to addr with the relay mounted at
// "/diagnostics", and blocks until ctx is canceled. It is the caller's
// responsibility to also run Run on the same Relay so the tee is drained.
func Serve(ctx context.Context, addr string, relay *Relay) error {
	mux := http.NewServeMux()
	mux.Handle("/diagnostics", relay)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
