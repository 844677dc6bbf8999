// Command amalthea-frontend is a small interactive console client: it dials
// a running kernel's five sockets the way a real Jupyter frontend would and
// offers a read-eval-print loop against it, for manually exercising a
// handler.Handler implementation without a notebook.
//
// Grounded on the example pack's broyeztony-karl/repl (golang.org/x/term
// raw-mode line reading) and github.com/peterh/liner for history-backed line
// editing, composed around amaltheatest.Frontend's socket wiring.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/amaltheatest"
	"github.com/posit-dev/amalthea-go/connection"
	"github.com/posit-dev/amalthea-go/wire"
)

var flagConnectionFile = flag.String("connection-file", "", "Path to the kernel's connection file.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *flagConnectionFile == "" {
		fmt.Fprintln(os.Stderr, "usage: amalthea-frontend --connection-file <path>")
		os.Exit(1)
	}

	if err := run(*flagConnectionFile); err != nil {
		klog.Exitf("frontend exited with error: %+v", err)
	}
}

func run(connFile string) error {
	conn, err := connection.Load(connFile)
	if err != nil {
		return errors.WithMessage(err, "failed to load connection file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fe, err := amaltheatest.Dial(ctx, conn.KeyBytes(), amaltheatest.Addrs{
		Shell:     conn.Endpoint(conn.ShellPort),
		Control:   conn.Endpoint(conn.ControlPort),
		Stdin:     conn.Endpoint(conn.StdinPort),
		IOPub:     conn.Endpoint(conn.IOPubPort),
		Heartbeat: conn.Endpoint(conn.HBPort),
	})
	if err != nil {
		return errors.WithMessage(err, "failed to dial kernel")
	}
	defer fe.Close()

	idle := make(chan struct{})
	go watchIOPub(fe, idle)
	go watchStdin(fe)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		code, err := line.Prompt(">>> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessage(err, "failed to read input")
		}
		if code == "" {
			continue
		}
		line.AppendHistory(code)

		if _, err := fe.SendExecuteRequest(code); err != nil {
			return errors.WithMessage(err, "failed to send execute_request")
		}
		<-idle
	}
}

// watchIOPub prints every broadcast message and signals idle whenever the
// kernel reports it has finished processing a request.
func watchIOPub(fe *amaltheatest.Frontend, idle chan<- struct{}) {
	for {
		msg, err := fe.RecvIOPub()
		if err != nil {
			return
		}
		switch msg.MsgType() {
		case wire.MsgStatus:
			var content wire.StatusContent
			_ = json.Unmarshal(msg.Content, &content)
			if content.ExecutionState == wire.StatusIdle {
				idle <- struct{}{}
			}
		case wire.MsgStream:
			var content wire.StreamContent
			_ = json.Unmarshal(msg.Content, &content)
			fmt.Print(content.Text)
		case wire.MsgExecuteResult:
			var content wire.ExecuteResultContent
			_ = json.Unmarshal(msg.Content, &content)
			if plain, ok := content.Data["text/plain"].(string); ok {
				fmt.Println(plain)
			}
		case wire.MsgDisplayData:
			var content wire.DisplayDataContent
			_ = json.Unmarshal(msg.Content, &content)
			if plain, ok := content.Data["text/plain"].(string); ok {
				fmt.Println(plain)
			}
		case wire.MsgExecuteError:
			var content wire.ExecuteErrorContent
			_ = json.Unmarshal(msg.Content, &content)
			fmt.Printf("%s: %s\n", content.Ename, content.Evalue)
		}
	}
}

// watchStdin answers every input_request, masking input with x/term when the
// kernel asks for a password.
func watchStdin(fe *amaltheatest.Frontend) {
	for {
		msg, err := fe.RecvStdin()
		if err != nil {
			return
		}
		if msg.MsgType() != wire.MsgInputRequest {
			continue
		}
		var content wire.InputRequestContent
		_ = json.Unmarshal(msg.Content, &content)

		fmt.Print(content.Prompt)
		var value string
		if content.Password {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err == nil {
				value = string(b)
			}
		} else {
			fmt.Scanln(&value)
		}

		if _, err := fe.SendStdin(wire.MsgInputReply, wire.InputReplyContent{Value: value}); err != nil {
			klog.Warningf("failed to send input_reply: %v", err)
		}
	}
}
