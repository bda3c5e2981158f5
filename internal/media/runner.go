package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ChuLiYu/beaver-encode/internal/logging"
)

// stderrTail bounds how much ffmpeg output is kept in error messages.
const stderrTail = 2048

// Runner executes an external program to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs programs with os/exec. Stdin is empty so ffmpeg never
// blocks on an interactive prompt.
type ExecRunner struct {
	Logger hclog.Logger
}

// Run starts name with args and waits. A non-zero exit returns an error that
// carries the tail of stderr.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	log := logging.OrDefault(r.Logger)
	log.Debug("Executing command", "cmd", name, "args", strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s failed: %w: %s", name, err, tail(stderr.Bytes()))
	}
	return nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
