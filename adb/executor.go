package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned when a command exceeds its deadline. The process is
// killed before the error is surfaced.
var ErrTimeout = errors.New("adb: command timed out")

// DefaultTimeout applies when a Command carries no explicit timeout.
const DefaultTimeout = 30 * time.Second

// Well-known adb locations probed when no path is configured.
var probePaths = []string{
	"/usr/bin/adb",
	"/usr/local/bin/adb",
	"/opt/homebrew/bin/adb",
	"/opt/android-sdk/platform-tools/adb",
}

// Command is one adb invocation. Args are passed as a vector; there is no
// shell interpolation anywhere in this package.
type Command struct {
	Args    []string
	Timeout time.Duration
	Wait    bool
}

// Result carries the collected output of a completed command. Detached
// commands (Wait=false) report a zero exit code and empty output.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Client executes adb commands. The binary path is resolved once at
// construction and never re-probed.
type Client struct {
	path string
}

// NewClient resolves the adb binary: explicit path first, then well-known
// locations, finally the literal name "adb" so the OS loader produces a
// clear error on first use.
func NewClient(configuredPath string) *Client {
	if configuredPath != "" {
		return &Client{path: configuredPath}
	}
	for _, p := range probePaths {
		if _, err := os.Stat(p); err == nil {
			return &Client{path: p}
		}
	}
	return &Client{path: "adb"}
}

// Path returns the resolved adb binary path.
func (c *Client) Path() string { return c.path }

// Run executes one adb command. With Wait=false the process is spawned and
// released; the call returns immediately with a zero exit code.
func (c *Client) Run(ctx context.Context, cmd Command) (*Result, error) {
	if !cmd.Wait {
		detached := exec.Command(c.path, cmd.Args...)
		if err := detached.Start(); err != nil {
			return nil, fmt.Errorf("adb: start %v: %w", cmd.Args, err)
		}
		go detached.Wait()
		return &Result{ExitCode: 0}, nil
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, c.path, cmd.Args...)
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		logrus.WithField("args", cmd.Args).Warn("adb command timed out")
		return nil, ErrTimeout
	}

	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("adb: run %v: %w", cmd.Args, err)
	}
	return res, nil
}

// StartPipe spawns an adb command whose stdout is streamed back to the
// caller. Used for long-lived captures like screenrecord; the caller owns
// both the pipe and the process handle.
func (c *Client) StartPipe(args ...string) (io.ReadCloser, *exec.Cmd, error) {
	cmd := exec.Command(c.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("adb: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("adb: start %v: %w", args, err)
	}
	return stdout, cmd, nil
}

// StartDetached spawns an adb command and returns its process handle without
// waiting. Stderr is collected into the returned buffer so launch failures
// can be diagnosed after the fact.
func (c *Client) StartDetached(args ...string) (*exec.Cmd, *bytes.Buffer, error) {
	cmd := exec.Command(c.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("adb: start %v: %w", args, err)
	}
	return cmd, &stderr, nil
}
