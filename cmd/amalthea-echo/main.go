// Command amalthea-echo is a minimal, fully working Amalthea kernel: a toy
// "Echo" language whose execute_request just echoes its code back. It
// doubles as the reference wiring for any language backend built on the
// amalthea-go framework.
//
// Grounded on the teacher's main.go: the same --install/--kernel flag
// split, klog-based logging setup in place of the teacher's log.SetPrefix,
// and kernel.New/kernel.Run in place of kernel.NewKernel/dispatcher.RunKernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/connection"
	"github.com/posit-dev/amalthea-go/diagnostics"
	"github.com/posit-dev/amalthea-go/kernel"
	"github.com/posit-dev/amalthea-go/kernelspec"
	"github.com/posit-dev/amalthea-go/version"
)

var (
	flagInstall         = flag.Bool("install", false, "Install this kernel in the local Jupyter configuration and exit.")
	flagKernel          = flag.String("kernel", "", "Run the kernel using the connection file Jupyter provides at this path.")
	flagDiagnosticsAddr = flag.String("diagnostics-addr", "", "If set, serve a read-only websocket tee of IOPub traffic at this address (e.g. 127.0.0.1:9001).")
	flagVersion         = flag.Bool("version", false, "Print version information and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *flagVersion {
		version.AppVersion.Print()
		return
	}

	if *flagInstall {
		if err := install(); err != nil {
			klog.Exitf("installation failed: %+v", err)
		}
		return
	}

	if *flagKernel == "" {
		_, _ = fmt.Fprintln(os.Stderr, "use either --install to install the kernel, or --kernel <connection_file> if started by Jupyter")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(*flagKernel, *flagDiagnosticsAddr); err != nil {
		if errors.Is(err, kernel.ErrRestartRequested) {
			klog.Infof("shutdown_request asked for a restart, exiting %d", kernel.RestartExitCode)
			klog.Flush()
			os.Exit(kernel.RestartExitCode)
		}
		klog.Exitf("kernel exited with error: %+v", err)
	}
}

func install() error {
	var extraArgs []string
	if vmodule := flag.Lookup("vmodule"); vmodule != nil && vmodule.Value.String() != "" {
		extraArgs = append(extraArgs, "--vmodule", vmodule.Value.String())
	}
	return kernelspec.Install(kernelspec.Spec{
		Name:        "amalthea-echo",
		DisplayName: "Amalthea Echo",
		Language:    "echo",
		KernelFlag:  "--kernel",
		ExtraArgs:   extraArgs,
	})
}

func run(connFile, diagnosticsAddr string) error {
	conn, err := connection.Load(connFile)
	if err != nil {
		return errors.WithMessage(err, "failed to load connection file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := kernel.New(ctx, conn, echoHandler{})
	if err != nil {
		return errors.WithMessage(err, "failed to assemble kernel")
	}
	defer func() {
		if err := k.Close(); err != nil {
			klog.Warningf("error closing kernel sockets: %v", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(ctx) })

	if diagnosticsAddr != "" {
		in := k.IOPub().Subscribe(0)
		relay := diagnostics.New(in)
		g.Go(func() error { return relay.Run(ctx) })
		g.Go(func() error {
			klog.Infof("diagnostics relay listening on %s/diagnostics", diagnosticsAddr)
			return diagnostics.Serve(ctx, diagnosticsAddr, relay)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
