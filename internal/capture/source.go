package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Source produces raw image bytes of the display.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Capture(ctx context.Context) ([]byte, error) { return f(ctx) }

// Command captures by running an external tool that writes the image to
// stdout, for example `grim -` or `screencapture -x -t png /dev/stdout`.
type Command struct {
	Argv []string
}

func (c Command) Capture(ctx context.Context) ([]byte, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("capture command not configured")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("capture command %s: %w: %s", c.Argv[0], err, msg)
		}
		return nil, fmt.Errorf("capture command %s: %w", c.Argv[0], err)
	}
	return stdout.Bytes(), nil
}
