// Package kernelspec installs a Jupyter kernel.json into the user's local
// Jupyter data directory, so that any amalthea-based binary can be selected
// as a kernel from a notebook's "New" menu without hand-editing JSON.
//
// Grounded on the teacher's kernel.Install (kernel/install.go), generalized
// from a hardcoded "Go (gonb)" kernel spec to an arbitrary Spec.
package kernelspec

import (
	"encoding/json"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Spec describes the kernel being installed.
type Spec struct {
	// Name is the kernel directory name under the Jupyter kernels root, e.g.
	// "amalthea-echo".
	Name string
	// DisplayName is shown to users in the notebook's kernel picker.
	DisplayName string
	// Language is the kernelspec "language" field.
	Language string
	// Env is merged into the kernelspec's "env" map.
	Env map[string]string
	// KernelFlag is the flag this binary expects its connection file path
	// under, e.g. "--kernel" or "-f".
	KernelFlag string
	// ExtraArgs are appended to argv after the connection-file flag.
	ExtraArgs []string
}

type kernelJSON struct {
	Argv        []string          `json:"argv"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Env         map[string]string `json:"env"`
}

// Install writes a kernel.json for spec into the current user's Jupyter
// kernels directory, pointing argv at the currently running executable
// (os.Args[0]). If that executable lives under /tmp (a common case for "go
// run"-built binaries), it is copied into the kernelspec directory first so
// it survives past this process's lifetime.
func Install(spec Spec) error {
	config := kernelJSON{
		Argv:        []string{os.Args[0], spec.KernelFlag, "{connection_file}"},
		DisplayName: spec.DisplayName,
		Language:    spec.Language,
		Env:         spec.Env,
	}
	if config.Env == nil {
		config.Env = map[string]string{}
	}
	config.Argv = append(config.Argv, spec.ExtraArgs...)

	home := os.Getenv("HOME")
	var configDir string
	switch runtime.GOOS {
	case "linux":
		configDir = path.Join(home, ".local/share/jupyter/kernels", spec.Name)
	case "darwin":
		configDir = path.Join(home, "Library/Jupyter/kernels", spec.Name)
	default:
		return errors.Errorf("unsupported OS %q: don't know where Jupyter keeps its kernelspecs", runtime.GOOS)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return errors.WithMessagef(err, "failed to create kernelspec directory %q", configDir)
	}

	if strings.HasPrefix(os.Args[0], "/tmp/") {
		installedBinary := path.Join(configDir, spec.Name)
		if _, err := os.Stat(installedBinary); err == nil {
			if err := os.Rename(installedBinary, installedBinary+"~"); err != nil {
				return errors.WithMessagef(err, "failed to back up previous binary at %q", installedBinary)
			}
		}
		if err := copyExecutable(installedBinary, os.Args[0]); err != nil {
			return errors.WithMessagef(err, "failed to copy binary from %q to %q", os.Args[0], installedBinary)
		}
		config.Argv[0] = installedBinary
	}

	configPath := path.Join(configDir, "kernel.json")
	f, err := os.Create(configPath)
	if err != nil {
		return errors.WithMessagef(err, "failed to create kernelspec file %q", configPath)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&config); err != nil {
		return errors.WithMessagef(err, "failed to write kernelspec file %q", configPath)
	}

	klog.Infof("kernelspec %q installed at %q", spec.Name, configPath)
	return nil
}

func copyExecutable(dst, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0755)
}
