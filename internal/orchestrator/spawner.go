package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentline/internal/config"
)

// Output streams reported by a spawned process.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// SpawnRequest carries everything needed to launch one agent process.
type SpawnRequest struct {
	Provider string
	Model    string
	Cwd      string
	Prompt   string
	// Env is the bootstrap identity, added on top of the provider env.
	Env map[string]string
	// OnOutput receives every non-empty line the process prints.
	OnOutput func(stream, line string)
}

// outboxSize bounds the lines queued for a process that is not reading stdin.
const outboxSize = 256

// ErrOutboxFull is returned by Send when the process has stopped consuming
// its stdin and the queue is full. The line is dropped.
var ErrOutboxFull = errors.New("process stdin queue full")

var errProcessExited = errors.New("process exited")

// Process is a running agent process.
type Process interface {
	PID() int
	// Send queues one line for the process stdin. It never blocks.
	Send(line string) error
	// Wait blocks until the process exits.
	Wait() error
	// Terminate asks the process to stop. It does not wait.
	Terminate()
}

type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ProcessSpawner launches provider commands from config with exec.
//
// Args may contain the placeholders {prompt} and {model}. When {prompt} is
// absent the prompt is written to stdin as the first input.
type ProcessSpawner struct {
	Providers map[string]config.Provider
	Logger    *slog.Logger
	// KillDelay bounds how long a terminated process may keep running
	// before it is killed.
	KillDelay time.Duration
}

func (s ProcessSpawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s ProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	p, ok := s.Providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}
	promptInArgs := false
	args := make([]string, 0, len(p.Args))
	for _, a := range p.Args {
		if strings.Contains(a, "{prompt}") {
			promptInArgs = true
		}
		a = strings.ReplaceAll(a, "{prompt}", req.Prompt)
		a = strings.ReplaceAll(a, "{model}", model)
		args = append(args, a)
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, p.Command, args...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), envList(p.Env)...)
	cmd.Env = append(cmd.Env, envList(req.Env)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.KillDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", p.Command, err)
	}

	proc := &execProcess{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		outbox: make(chan string, outboxSize),
		done:   make(chan struct{}),
	}
	go proc.writeLoop(s.logger())
	var readers sync.WaitGroup
	readers.Add(2)
	go proc.scan(&readers, stdout, StreamStdout, req.OnOutput)
	go proc.scan(&readers, stderr, StreamStderr, req.OnOutput)
	go func() {
		readers.Wait()
		proc.err = cmd.Wait()
		cancel()
		close(proc.done)
	}()

	if !promptInArgs && req.Prompt != "" {
		if err := proc.Send(req.Prompt); err != nil {
			s.logger().Warn("write initial prompt failed", "pid", proc.PID(), "err", err)
		}
	}
	return proc, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	outbox chan string

	done chan struct{}
	err  error
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Send(line string) error {
	select {
	case <-p.done:
		return errProcessExited
	default:
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	select {
	case p.outbox <- line:
		return nil
	case <-p.done:
		return errProcessExited
	default:
		return ErrOutboxFull
	}
}

// writeLoop is the only stdin writer; a child that never reads blocks this
// goroutine and nothing else.
func (p *execProcess) writeLoop(logger *slog.Logger) {
	broken := false
	for {
		select {
		case <-p.done:
			return
		case line := <-p.outbox:
			if broken {
				continue
			}
			if _, err := io.WriteString(p.stdin, line); err != nil {
				logger.Debug("write to process stdin failed", "pid", p.PID(), "err", err)
				broken = true
			}
		}
	}
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Terminate() {
	p.cancel()
}

func (p *execProcess) scan(wg *sync.WaitGroup, r io.Reader, stream string, fn func(stream, line string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || fn == nil {
			continue
		}
		fn(stream, line)
	}
	// Drain so the process never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}
