package encoder

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
)

// execLauncher launches real ffmpeg processes. Stderr is streamed to
// the log at debug level and never parsed.
type execLauncher struct {
	log *slog.Logger
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (l *execLauncher) Launch(ctx context.Context, bin string, args []string) (process, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 4096), 64*1024)
		for sc.Scan() {
			l.log.Debug("ffmpeg", "line", sc.Text())
		}
	}()

	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
