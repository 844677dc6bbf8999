// Package connection parses the Jupyter kernel connection file and derives
// the ZeroMQ endpoints the kernel binds to.
//
// See: https://jupyter-client.readthedocs.io/en/latest/kernels.html#connection-files
package connection

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/posit-dev/amalthea-go/session"
)

// Connection holds the contents of the Jupyter-provided connection file.
// Immutable for the life of the kernel.
type Connection struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`

	ShellPort   int `json:"shell_port"`
	ControlPort int `json:"control_port"`
	StdinPort   int `json:"stdin_port"`
	IOPubPort   int `json:"iopub_port"`
	HBPort      int `json:"hb_port"`
}

// Load reads and parses the connection file at path.
func Load(path string) (*Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read connection file %q", path)
	}
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse connection file %q", path)
	}
	if err := c.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid connection file %q", path)
	}
	return &c, nil
}

func (c *Connection) validate() error {
	switch c.Transport {
	case "tcp", "ipc":
	default:
		return errors.Errorf("unsupported transport %q", c.Transport)
	}
	switch c.SignatureScheme {
	case "", session.SignatureScheme:
	default:
		return errors.Errorf("unsupported signature_scheme %q", c.SignatureScheme)
	}
	return nil
}

// Endpoint returns the bind/connect address for the given port, honoring
// this connection's transport ("tcp" or "ipc").
func (c *Connection) Endpoint(port int) string {
	if c.Transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", c.IP, port)
	}
	return fmt.Sprintf("tcp://%s:%d", c.IP, port)
}

// KeyBytes returns the signing key as raw bytes, or nil if signing is
// disabled (empty key).
func (c *Connection) KeyBytes() []byte {
	if c.Key == "" {
		return nil
	}
	return []byte(c.Key)
}
