// Package build produces the simulator artifact that sessions run. It runs once, before the server accepts connections.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
)

// ToolNotFoundError means an executable wasn't on the PATH or in any of the extra directories.
type ToolNotFoundError struct {
	Name          string
	SearchedPaths []string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("%s not found in PATH or %v", e.Name, e.SearchedPaths)
}

// DefaultToolDirs returns the extra directories searched for simulator tools: $IVERILOG_PATH, plus the usual install
// locations on Windows.
func DefaultToolDirs() []string {
	var dirs []string
	if runtime.GOOS == "windows" {
		dirs = append(dirs,
			`C:\iverilog\bin`,
			`C:\Program Files\iverilog\bin`,
			`C:\Program Files (x86)\iverilog\bin`,
		)
	}
	if p := os.Getenv("IVERILOG_PATH"); p != "" {
		dirs = append(dirs, p)
	}
	return dirs
}

// LocateTool finds an executable, first on the PATH and then in each of dirs. The returned path is absolute.
func LocateTool(name string, dirs ...string) (string, error) {
	path, err := exec.LookPath(name)
	if err == nil {
		return filepath.Abs(path)
	}

	searched := []string{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		searched = append(searched, candidate)
		path, err := exec.LookPath(candidate)
		if err == nil {
			return filepath.Abs(path)
		}
	}
	return "", &ToolNotFoundError{Name: name, SearchedPaths: searched}
}

// Spec describes one compilation: Compiler -o Output Sources...
// Relative paths are relative to Dir.
type Spec struct {
	Compiler string
	Output   string
	Sources  []string
	Dir      string
}

// CompileError means the compiler ran and failed.
type CompileError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation failed with exit code %d: %s", e.ExitCode, e.Output)
}

func (e *CompileError) Unwrap() error { return e.Err }

func Compile(ctx context.Context, log *zap.SugaredLogger, spec Spec) error {
	if len(spec.Sources) == 0 {
		return errors.New("no sources to compile")
	}

	outDir := filepath.Dir(spec.Output)
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(spec.Dir, outDir)
	}
	err := os.MkdirAll(outDir, 0777)
	if err != nil {
		return fmt.Errorf("making output dir: %w", err)
	}

	args := append([]string{"-o", spec.Output}, spec.Sources...)
	cmd := exec.CommandContext(ctx, spec.Compiler, args...)
	cmd.Dir = spec.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Infow("compiling", "Compiler", spec.Compiler, "Args", args)
	err = cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CompileError{ExitCode: exitErr.ExitCode(), Output: out.String(), Err: err}
		}
		return fmt.Errorf("running compiler: %w", err)
	}
	log.Infow("compilation successful", "Output", spec.Output)
	return nil
}
