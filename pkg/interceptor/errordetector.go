package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

// ErrorDetector runs an external check command in the workspace after each
// iteration. A non-zero exit feeds the captured output back to the model
// and continues the loop.
type ErrorDetector struct {
	// Command and Args form the check invocation, e.g. "go" ["vet" "./..."].
	Command string
	Args    []string

	// Dir is the working directory for the command.
	Dir string

	// Description labels the check in the message shown to the model.
	// Defaults to the command line itself.
	Description string
}

// NewErrorDetector creates a detector for the given check command.
func NewErrorDetector(dir, command string, args ...string) *ErrorDetector {
	return &ErrorDetector{Command: command, Args: args, Dir: dir}
}

func (d *ErrorDetector) Name() string { return "error_detector" }

func (d *ErrorDetector) description() string {
	if d.Description != "" {
		return d.Description
	}
	return strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " "))
}

func (d *ErrorDetector) Intercept(ctx context.Context, inv *Invocation) (Result, error) {
	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	cmd.Dir = d.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Result{Decision: DecisionComplete}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if _, ok := err.(*exec.ExitError); !ok {
		// The check itself could not run; that is the detector's failure,
		// not the model's.
		return Result{}, fmt.Errorf("error detector %q: %w", d.description(), err)
	}

	output := strings.TrimSpace(stderr.String())
	if output == "" {
		output = strings.TrimSpace(stdout.String())
	}

	inv.Messages.Append(&protocol.Message{
		Role: protocol.RoleUser,
		Content: []protocol.ContentBlock{&protocol.TextBlock{
			Text: fmt.Sprintf("The check `%s` failed:\n\n%s\n\nPlease fix the reported problems.", d.description(), output),
		}},
		Timestamp: time.Now(),
	})
	return Result{Decision: DecisionContinue}, nil
}
