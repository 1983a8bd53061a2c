package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 30 * time.Second

	// maxReadSize caps read_file output so a single file cannot blow up
	// the model context.
	maxReadSize = 10 << 20
)

// LocalOptions configures the built-in workspace tools.
type LocalOptions struct {
	// AllowedCommands restricts execute_command to the listed base
	// commands. Empty means any command.
	AllowedCommands []string

	// CommandTimeout bounds a single execute_command run. Zero means 30s.
	CommandTimeout time.Duration
}

// NewLocalTools builds the built-in tools that operate on the workspace:
// execute_command, read_file and write_file. All paths resolve against
// workDir and must stay inside it.
func NewLocalTools(workDir string, opts *LocalOptions) ([]*Tool, error) {
	if opts == nil {
		opts = &LocalOptions{}
	}
	root, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	command, err := newCommandTool(root, opts)
	if err != nil {
		return nil, err
	}
	read, err := newReadFileTool(root)
	if err != nil {
		return nil, err
	}
	write, err := newWriteFileTool(root)
	if err != nil {
		return nil, err
	}
	return []*Tool{command, read, write}, nil
}

type commandArgs struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to run"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run in relative to the workspace"`
}

func newCommandTool(root string, opts *LocalOptions) (*Tool, error) {
	timeout := opts.CommandTimeout
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	allowed := opts.AllowedCommands

	return New("execute_command", "Run a shell command in the workspace and return its combined output.",
		func(ctx context.Context, args commandArgs) (*Result, error) {
			if err := checkAllowed(args.Command, allowed); err != nil {
				return ErrorResult(err.Error()), nil
			}
			dir := root
			if args.WorkingDir != "" {
				resolved, err := resolvePath(root, args.WorkingDir)
				if err != nil {
					return ErrorResult(err.Error()), nil
				}
				dir = resolved
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
			cmd.Dir = dir
			output, err := cmd.CombinedOutput()
			if err != nil {
				return ErrorResult(fmt.Sprintf("%s\n%v", output, err)), nil
			}
			return TextResult(string(output)), nil
		})
}

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to return (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to return (inclusive)"`
}

func newReadFileTool(root string) (*Tool, error) {
	return New("read_file", "Read a file from the workspace, optionally limited to a line range.",
		func(ctx context.Context, args readFileArgs) (*Result, error) {
			path, err := resolvePath(root, args.Path)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			if info.Size() > maxReadSize {
				return ErrorResult(fmt.Sprintf("file too large: %d bytes", info.Size())), nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			if args.StartLine == 0 && args.EndLine == 0 {
				return TextResult(string(data)), nil
			}
			return TextResult(sliceLines(string(data), args.StartLine, args.EndLine)), nil
		})
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

func newWriteFileTool(root string) (*Tool, error) {
	return New("write_file", "Create or overwrite a file in the workspace.",
		func(ctx context.Context, args writeFileArgs) (*Result, error) {
			path, err := resolvePath(root, args.Path)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return ErrorResult(err.Error()), nil
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return ErrorResult(err.Error()), nil
			}
			return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)), nil
		})
}

// resolvePath joins rel onto root and rejects anything that escapes it.
func resolvePath(root, rel string) (string, error) {
	path := filepath.Join(root, rel)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return path, nil
}

func checkAllowed(command string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("command is empty")
	}
	base := filepath.Base(fields[0])
	for _, a := range allowed {
		if base == a {
			return nil
		}
	}
	return fmt.Errorf("command not allowed: %s", base)
}

func sliceLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	if start < 1 {
		start = 1
	}
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
