// Package kernel assembles the five Jupyter sockets and their dispatchers
// into one running kernel (spec.md §4.C11): it binds Shell, Control, Stdin,
// IOPub and Heartbeat from a connection.Connection, wires the IOPub
// broadcaster and comm manager each dispatcher shares, cross-wires Control's
// interrupt_request into Shell's execution cancellation, and supervises
// every socket's dispatch loop until one exits or the process receives a
// stop signal.
//
// Grounded on the teacher's internal/kernel.New/bindSockets (socket
// construction order and signal handling) and
// original_source/crates/amalthea/src/kernel.rs's Kernel::connect, which
// performs the same wiring (IOPub sender cloned into every other thread,
// comm manager given the same sender, stdin given its own reply channel).
package kernel

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/comm"
	"github.com/posit-dev/amalthea-go/connection"
	"github.com/posit-dev/amalthea-go/control"
	"github.com/posit-dev/amalthea-go/handler"
	"github.com/posit-dev/amalthea-go/heartbeat"
	"github.com/posit-dev/amalthea-go/internal/util"
	"github.com/posit-dev/amalthea-go/iopub"
	"github.com/posit-dev/amalthea-go/session"
	"github.com/posit-dev/amalthea-go/shell"
	"github.com/posit-dev/amalthea-go/socket"
	"github.com/posit-dev/amalthea-go/stdin"
)

// ErrRestartRequested is the error Run returns when the shutdown_request
// that ended it asked for a restart (spec.md §6 "a distinguished non-zero
// code indicates 'restart requested'"; §4.C11 "process exits with a
// distinguished code so a supervisor can relaunch"). The caller maps this to
// RestartExitCode via os.Exit; it is not returned for a plain
// shutdown_request{restart: false} or for ordinary cancellation.
var ErrRestartRequested = errors.New("kernel: shutdown_request asked for a restart")

// RestartExitCode is the process exit code main should use when Run returns
// ErrRestartRequested. Neither spec.md nor the corpus this kernel is modeled
// on fixes a specific value (grounded sources only say "a distinguished
// non-zero code"), so this is a deliberate, documented choice rather than a
// recovered constant.
const RestartExitCode = 100

// shutdownGracePeriod bounds how long graceful teardown (closing comms,
// draining IOPub) is allowed to take before Run gives up waiting and returns
// anyway, so a wedged handler can't hang the shutdown sequence forever.
const shutdownGracePeriod = 5 * time.Second

// guarded wraps a dispatcher goroutine so a panic is logged with its stack
// trace and turned into an error instead of crashing the process outright,
// letting errgroup cancel every other dispatcher the same way it would for
// a returned error (spec.md §7 "Panic in a dispatcher is fatal; shutdown is
// initiated").
func guarded(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				klog.Errorf("kernel: %s dispatcher panicked: %v\n%s", name, r, util.GetStackTrace())
				err = errors.Errorf("%s dispatcher panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

type config struct {
	username    string
	iopubBuffer int
}

// Option configures optional Kernel construction parameters.
type Option func(*config)

// WithUsername sets the username recorded in every outgoing header.
// Defaults to "kernel".
func WithUsername(username string) Option {
	return func(c *config) { c.username = username }
}

// WithIOPubBuffer overrides the IOPub broadcaster's channel capacity.
// Defaults to iopub.DefaultBufferSize.
func WithIOPubBuffer(n int) Option {
	return func(c *config) { c.iopubBuffer = n }
}

// Kernel owns the bound sockets and dispatchers and supervises their
// lifetime.
type Kernel struct {
	Session *session.Session

	shellSck   *socket.Socket
	controlSck *socket.Socket
	stdinSck   *socket.Socket
	iopubSck   *socket.Socket
	hbSck      *socket.Socket

	iopubB     *iopub.Broadcaster
	Comms      *comm.Manager
	stdinCoord *stdin.Coordinator
	shellD     *shell.Dispatcher
	controlD   *control.Dispatcher

	cancel     context.CancelFunc
	shutdownCh chan bool
}

// New binds all five sockets described by conn and wires a kernel around
// handler h.
//
// ctx governs the bound sockets' lifetime. It should outlive Run: a zmq4
// socket built with an already-canceled context can no longer send, which
// would make even a clean shutdown_reply impossible. Run derives its own
// cancellation from ctx instead of relying on the caller to cancel it
// directly.
func New(ctx context.Context, conn *connection.Connection, h handler.Handler, opts ...Option) (*Kernel, error) {
	cfg := config{username: "kernel", iopubBuffer: iopub.DefaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	sess, err := session.New(cfg.username, conn.KeyBytes())
	if err != nil {
		return nil, err
	}

	shellSck, err := socket.New(ctx, socket.RoleShell, conn.Endpoint(conn.ShellPort))
	if err != nil {
		return nil, err
	}
	controlSck, err := socket.New(ctx, socket.RoleControl, conn.Endpoint(conn.ControlPort))
	if err != nil {
		return nil, err
	}
	stdinSck, err := socket.New(ctx, socket.RoleStdin, conn.Endpoint(conn.StdinPort))
	if err != nil {
		return nil, err
	}
	iopubSck, err := socket.New(ctx, socket.RoleIOPub, conn.Endpoint(conn.IOPubPort))
	if err != nil {
		return nil, err
	}
	hbSck, err := socket.New(ctx, socket.RoleHeartbeat, conn.Endpoint(conn.HBPort))
	if err != nil {
		return nil, err
	}

	iopubB := iopub.New(iopubSck, sess, cfg.iopubBuffer)
	comms := comm.NewManager(iopubB.In())
	stdinCoord := stdin.New(stdinSck, sess)
	shellD := shell.New(shellSck, sess, iopubB.In(), h, comms, stdinCoord)
	controlD := control.New(controlSck, sess, iopubB.In(), h)
	controlD.Interrupt = shellD.Interrupt

	k := &Kernel{
		Session:    sess,
		shellSck:   shellSck,
		controlSck: controlSck,
		stdinSck:   stdinSck,
		iopubSck:   iopubSck,
		hbSck:      hbSck,
		iopubB:     iopubB,
		Comms:      comms,
		stdinCoord: stdinCoord,
		shellD:     shellD,
		controlD:   controlD,
		shutdownCh: make(chan bool, 1),
	}
	shellD.Shutdown = k.requestShutdown
	controlD.Shutdown = k.requestShutdown
	return k, nil
}

// Run starts every socket's dispatch loop and blocks until one of them
// fails, ctx is canceled, or a shutdown_request/stop signal is handled.
// Exactly one of these ends the run; Run then cancels the rest and returns.
//
// Supervision uses golang.org/x/sync/errgroup (as the analysis driver in the
// golang-tools pack uses it) rather than the teacher's bespoke
// sync.WaitGroup-plus-stop-channel (internal/kernel.Kernel.pollingWait):
// errgroup.WithContext cancels every other goroutine as soon as one returns
// an error, instead of requiring each poll loop to separately watch a
// shared stop channel.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	defer cancel()

	k.watchSignals(ctx)

	iopubDone := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(guarded("heartbeat", func() error { return heartbeat.Run(ctx, k.hbSck) }))
	g.Go(guarded("iopub", func() error {
		defer close(iopubDone)
		return k.iopubB.Run(ctx)
	}))
	g.Go(guarded("comms", func() error { return k.Comms.Run(ctx) }))
	g.Go(guarded("stdin", func() error { return k.stdinCoord.Run(ctx) }))
	g.Go(guarded("control", func() error { return k.controlD.Run(ctx) }))
	g.Go(guarded("shell", func() error { return k.shellD.Run(ctx) }))

	var restart bool
	shuttingDown := false
	g.Go(guarded("shutdown", func() error {
		select {
		case restart = <-k.shutdownCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		shuttingDown = true
		k.gracefulTeardown(iopubDone)
		return nil
	}))

	klog.Infof("kernel: session %s started", k.Session.ID)
	err := g.Wait()
	if shuttingDown {
		// A forced-close socket/recv error surfacing from one of the other
		// dispatchers after gracefulTeardown deliberately closed their
		// sockets is expected, not a real failure; only the shutdown
		// sequence's own outcome (restart or not) matters here.
		if restart {
			return ErrRestartRequested
		}
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// gracefulTeardown implements the shutdown_request sequence (spec.md §4.C7
// "trigger graceful teardown (closing comms, draining IOPub, stopping all
// dispatch threads)", §4.C11 "drop the IOPub sender so the broadcaster
// drains and exits"): close every open comm (announcing comm_close on
// IOPub), drop the IOPub sender and wait for the broadcaster to drain and
// exit, then close the receive sockets so their dispatch loops unblock and
// return.
//
// Grounded on the teacher's handleShutdownRequest (internal/dispatcher), which
// calls goExec.Comms.Close(msg) before Stop() in the same order.
func (k *Kernel) gracefulTeardown(iopubDone <-chan struct{}) {
	klog.Info("kernel: shutdown_request acknowledged, tearing down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := k.Comms.CloseAll(closeCtx); err != nil {
		klog.Warningf("kernel: failed to close comms during shutdown: %v", err)
	}

	close(k.iopubB.In())
	select {
	case <-iopubDone:
		klog.V(1).Info("kernel: iopub drained")
	case <-time.After(shutdownGracePeriod):
		klog.Warningf("kernel: iopub did not drain within %s, continuing shutdown", shutdownGracePeriod)
	}

	// The Shell/Control/Stdin/Heartbeat dispatch loops all block in
	// RecvMultipart and won't notice ctx cancellation until their next
	// message; close their sockets directly so that blocking recv unblocks
	// with an error and each Run returns.
	for _, sck := range []*socket.Socket{k.shellSck, k.controlSck, k.stdinSck, k.hbSck} {
		if err := sck.Close(); err != nil {
			klog.Warningf("kernel: %v", err)
		}
	}
	k.Stop()
}

// Stop cancels the running kernel's context. Safe to call before Run (it is
// then a no-op) or multiple times.
func (k *Kernel) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
}

// Close releases the underlying ZeroMQ sockets. Call after Run has
// returned.
func (k *Kernel) Close() error {
	var first error
	for _, sck := range []*socket.Socket{k.shellSck, k.controlSck, k.stdinSck, k.iopubSck, k.hbSck} {
		if err := sck.Close(); err != nil {
			klog.Errorf("kernel: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// ShellAddr, ControlAddr, StdinAddr, IOPubAddr and HBAddr return the
// dialable address each socket actually bound to. Useful when the
// connection file requests an ephemeral port (port 0) and the real port
// needs to be reported back or, in tests, dialed directly.
// IOPub exposes the broadcaster so embedders can subscribe a read-only tee
// (e.g. diagnostics.Relay) without the kernel package needing to know about
// every possible consumer.
func (k *Kernel) IOPub() *iopub.Broadcaster { return k.iopubB }

func (k *Kernel) ShellAddr() string   { return k.shellSck.Addr() }
func (k *Kernel) ControlAddr() string { return k.controlSck.Addr() }
func (k *Kernel) StdinAddr() string   { return k.stdinSck.Addr() }
func (k *Kernel) IOPubAddr() string   { return k.iopubSck.Addr() }
func (k *Kernel) HBAddr() string      { return k.hbSck.Addr() }

// requestShutdown is wired as both Shell's and Control's Shutdown callback.
// It only records the request; Run's "shutdown" goroutine performs the
// actual teardown sequence, since the callback itself runs synchronously
// inside the dispatch call that's still about to emit its own final idle
// status and must not be blocked or raced by teardown closing channels out
// from under it.
func (k *Kernel) requestShutdown(restart bool) {
	klog.Infof("kernel: shutdown_request received (restart=%v)", restart)
	select {
	case k.shutdownCh <- restart:
	default:
	}
}

// watchSignals mirrors the teacher's Kernel.HandleInterrupt
// (internal/kernel/kernel.go): os.Interrupt (Jupyter's Control+C equivalent)
// only cancels the in-flight execution, everything else stops the kernel.
func (k *Kernel) watchSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, captureSignals...)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case sig := <-sigs:
				if sig == os.Interrupt {
					klog.Infof("kernel: %s received, interrupting running execution", sig)
					k.shellD.Interrupt()
					continue
				}
				klog.Infof("kernel: %s received, stopping kernel", sig)
				k.Stop()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
