// Package heartbeat implements the heartbeat responder (spec.md §2 C9):
// echoes every message received on the bound REP socket back unmodified.
// Carries no envelope, no signing — it is a raw liveness probe.
//
// Grounded on the teacher's Kernel.pollHeartbeat (internal/kernel/kernel.go).
package heartbeat

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/amalthea-go/socket"
)

// Run echoes every multipart message recv'd on sck back verbatim until ctx
// is canceled or the socket errors.
func Run(ctx context.Context, sck *socket.Socket) error {
	for f := range sck.Frames(ctx) {
		if f.Err != nil {
			return errors.WithMessage(f.Err, "heartbeat: recv failed")
		}
		klog.V(2).Info("heartbeat: ping received")
		if err := sck.SendMultipart(f.Data); err != nil {
			return errors.WithMessage(err, "heartbeat: echo failed")
		}
	}
	return ctx.Err()
}
