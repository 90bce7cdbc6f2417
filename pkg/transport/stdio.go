package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// StdioOptions describe the subprocess to launch.
type StdioOptions struct {
	Command string
	Args    []string
	// Env is merged over the parent environment.
	Env map[string]string
	// Dir optionally sets the working directory.
	Dir string
	// MaxLineLength bounds a single stdout frame. Defaults to
	// DefaultMaxLineLength.
	MaxLineLength int
	// Grace is how long Close waits after each shutdown step (stdin close,
	// SIGTERM) before escalating. Defaults to 5s.
	Grace time.Duration
	// OnLog receives stderr lines.
	OnLog LogFunc
}

// Stdio is a transport over a subprocess's stdin and stdout.
type Stdio struct {
	*mailbox

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	opts    StdioOptions
	writeMu sync.Mutex

	exited     chan struct{}
	readerDone chan struct{}
	stderrDone chan struct{}

	stderrMu   sync.Mutex
	lastStderr string

	closeOnce   sync.Once
	closingOnce sync.Once
	closing     chan struct{}
}

// NewStdio spawns the configured command. Spawn failures are transport
// errors.
func NewStdio(opts StdioOptions) (*Stdio, error) {
	if opts.Command == "" {
		return nil, mcperr.Configf("spawn", "stdio transport requires a command")
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, mcperr.Transport("spawn", fmt.Errorf("stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, mcperr.Transport("spawn", fmt.Errorf("stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, mcperr.Transport("spawn", fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, mcperr.Transport("spawn", fmt.Errorf("start %s: %w", opts.Command, err))
	}
	// The child holds its own copies; closing ours lets EOF arrive when it exits.
	stdoutW.Close()
	stderrW.Close()

	t := &Stdio{
		mailbox:    newMailbox(64),
		cmd:        cmd,
		stdin:      stdin,
		opts:       opts,
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		closing:    make(chan struct{}),
	}
	go t.readStdout(stdoutR)
	go t.readStderr(stderrR)
	go t.wait()
	return t, nil
}

func (t *Stdio) Kind() Kind { return KindStdio }

// PID returns the subprocess id.
func (t *Stdio) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Exited is closed once the subprocess has been reaped.
func (t *Stdio) Exited() <-chan struct{} { return t.exited }

// Send writes msg followed by a newline to the subprocess's stdin.
func (t *Stdio) Send(ctx context.Context, msg []byte) error {
	if t.isFinished() {
		if err := t.Err(); err != nil {
			return err
		}
		return mcperr.Transport("write", mcperr.ErrCancelled)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := make([]byte, 0, len(msg)+1)
	frame = append(frame, msg...)
	frame = append(frame, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(frame); err != nil {
		// A dead child breaks the pipe before it is reaped; prefer its
		// exit status.
		select {
		case <-t.Done():
			if exitErr := t.Err(); exitErr != nil {
				return exitErr
			}
		case <-time.After(time.Second):
		}
		return mcperr.Transport("write", err)
	}
	return nil
}

func (t *Stdio) Receive(ctx context.Context) ([]byte, error) {
	return t.receive(ctx)
}

// readStdout splits stdout into lines, enforcing MaxLineLength. Oversized
// lines are dropped up to the next newline and reported once.
func (t *Stdio) readStdout(r io.ReadCloser) {
	defer close(t.readerDone)
	defer r.Close()

	reader := bufio.NewReaderSize(r, 64*1024)
	var (
		buf      []byte
		overflow bool
	)
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if len(chunk) > 0 && !overflow {
			if len(buf)+len(chunk) > t.opts.MaxLineLength {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err != nil {
			return
		}
		if isPrefix {
			continue
		}
		switch {
		case overflow:
			t.deliver(inbound{err: mcperr.Protocol("read", fmt.Errorf("%w (%d bytes)", mcperr.ErrFrameTooLarge, t.opts.MaxLineLength))})
		case len(buf) > 0:
			frame := make([]byte, len(buf))
			copy(frame, buf)
			t.deliver(inbound{data: frame})
		}
		buf = buf[:0]
		overflow = false
	}
}

func (t *Stdio) readStderr(r io.ReadCloser) {
	defer close(t.stderrDone)
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.stderrMu.Lock()
		t.lastStderr = line
		t.stderrMu.Unlock()
		if t.opts.OnLog != nil {
			t.opts.OnLog(LogLine{Level: DetectLevel(line), Message: line})
		}
	}
}

func (t *Stdio) wait() {
	waitErr := t.cmd.Wait()
	close(t.exited)

	// Let buffered output drain before reporting the exit.
	deadline := time.After(time.Second)
	for _, ch := range []chan struct{}{t.readerDone, t.stderrDone} {
		select {
		case <-ch:
		case <-deadline:
		}
	}

	select {
	case <-t.closing:
		t.finish(nil)
		return
	default:
	}
	t.finish(mcperr.Transport("process", t.exitError(waitErr)))
}

func (t *Stdio) exitError(waitErr error) error {
	detail := "with status 0"
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		if code := exitErr.ExitCode(); code >= 0 {
			detail = fmt.Sprintf("with status %d", code)
		} else {
			detail = "after " + exitErr.String()
		}
	case waitErr != nil:
		detail = "(wait failed: " + waitErr.Error() + ")"
	}
	t.stderrMu.Lock()
	last := t.lastStderr
	t.stderrMu.Unlock()
	if last != "" {
		return fmt.Errorf("%w %s: %s", mcperr.ErrProcessExited, detail, last)
	}
	return fmt.Errorf("%w %s", mcperr.ErrProcessExited, detail)
}

// Close shuts the subprocess down: stdin is closed first, then SIGTERM is
// sent, then the process is killed. Each step waits Grace for the exit.
func (t *Stdio) Close() error {
	t.closeOnce.Do(func() {
		t.markClosing()
		t.writeMu.Lock()
		_ = t.stdin.Close()
		t.writeMu.Unlock()

		if t.waitExit(t.opts.Grace) {
			return
		}
		if t.cmd.Process != nil {
			_ = terminate(t.cmd.Process)
		}
		if t.waitExit(t.opts.Grace) {
			return
		}
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.exited
	})
	<-t.done
	return nil
}

// Kill terminates the subprocess immediately. It may interrupt a Close
// that is still waiting out its grace periods.
func (t *Stdio) Kill() error {
	t.markClosing()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	<-t.exited
	<-t.done
	return nil
}

func (t *Stdio) markClosing() {
	t.closingOnce.Do(func() { close(t.closing) })
}

func (t *Stdio) waitExit(d time.Duration) bool {
	select {
	case <-t.exited:
		return true
	case <-time.After(d):
		return false
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
