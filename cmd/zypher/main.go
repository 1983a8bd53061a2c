// Command zypher runs the agent: an HTTP server, one-shot tasks from the
// command line, and checkpoint management.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/zypherlabs/zypher/pkg/agent"
	"github.com/zypherlabs/zypher/pkg/config"
	"github.com/zypherlabs/zypher/pkg/logger"
	"github.com/zypherlabs/zypher/pkg/server"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// CLI defines the command-line interface.
type CLI struct {
	Version     VersionCmd     `cmd:"" help:"Show version information."`
	Serve       ServeCmd       `cmd:"" help:"Start the HTTP server."`
	Run         RunCmd         `cmd:"" help:"Run a one-shot task and print its output."`
	Checkpoints CheckpointsCmd `cmd:"" help:"Inspect and apply workspace checkpoints."`

	Config   string `short:"c" help:"Path to config file." default:"zypher.yaml" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("zypher version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Override the configured port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if c.Port != 0 {
		rt.cfg.Server.Port = c.Port
	}

	opts := []server.Option{}
	if rt.metrics != nil {
		opts = append(opts, server.WithMetrics(rt.metrics))
	}
	srv := &http.Server{
		Addr:    rt.cfg.Server.Address(),
		Handler: server.New(rt.agent, opts...).Handler(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("serving", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// RunCmd runs a single task and streams its text to stdout.
type RunCmd struct {
	Text string `arg:"" help:"Task text."`

	MaxIterations int  `help:"Override the iteration bound for this task."`
	Quiet         bool `short:"q" help:"Print only the final assistant message."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	bus, err := rt.agent.RunTask(ctx, c.Text, &agent.TaskOptions{MaxIterations: c.MaxIterations})
	if err != nil {
		return err
	}

	events, cancelSub := bus.Subscribe(ctx)
	defer cancelSub()
	for ev := range events {
		switch ev.Type {
		case taskevent.TypeTextDelta:
			if !c.Quiet {
				fmt.Print(ev.Text)
			}
		case taskevent.TypeToolUse:
			if !c.Quiet {
				fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", ev.ToolName)
			}
		case taskevent.TypeCompleted:
			if !c.Quiet {
				fmt.Println()
			}
			if ev.Usage != nil {
				fmt.Fprintf(os.Stderr, "tokens: %d in, %d out\n",
					ev.Usage.Input.Total, ev.Usage.Output.Total)
			}
		case taskevent.TypeCancelled:
			fmt.Fprintf(os.Stderr, "cancelled (%s)\n", ev.Reason)
		}
	}
	if err := rt.agent.Wait(context.Background()); err != nil {
		return err
	}

	if c.Quiet {
		msgs := rt.agent.Messages()
		if len(msgs) > 0 {
			fmt.Println(msgs[len(msgs)-1].Text())
		}
	}
	return nil
}

// CheckpointsCmd groups checkpoint operations.
type CheckpointsCmd struct {
	List  CheckpointsListCmd  `cmd:"" help:"List checkpoints, newest first."`
	Show  CheckpointsShowCmd  `cmd:"" help:"Show one checkpoint's details."`
	Apply CheckpointsApplyCmd `cmd:"" help:"Restore the workspace to a checkpoint."`
}

type CheckpointsListCmd struct{}

func (c *CheckpointsListCmd) Run(cli *CLI) error {
	return withStore(cli, func(ctx context.Context, rt *runtime) error {
		list, err := rt.agent.Checkpoints().List(ctx)
		if err != nil {
			return err
		}
		for _, d := range list {
			fmt.Printf("%s  %s  %s\n", d.ID[:7], d.Timestamp.Format(time.RFC3339), d.Name)
		}
		return nil
	})
}

type CheckpointsShowCmd struct {
	ID string `arg:"" help:"Checkpoint ID."`
}

func (c *CheckpointsShowCmd) Run(cli *CLI) error {
	return withStore(cli, func(ctx context.Context, rt *runtime) error {
		d, err := rt.agent.Checkpoints().Details(ctx, c.ID)
		if err != nil {
			return err
		}
		fmt.Printf("id:        %s\n", d.ID)
		fmt.Printf("name:      %s\n", d.Name)
		fmt.Printf("timestamp: %s\n", d.Timestamp.Format(time.RFC3339))
		if d.AdviceOnly {
			fmt.Println("advice-only: no content changed")
		}
		for _, f := range d.Files {
			fmt.Printf("  %s\n", f)
		}
		return nil
	})
}

type CheckpointsApplyCmd struct {
	ID string `arg:"" help:"Checkpoint ID."`
}

func (c *CheckpointsApplyCmd) Run(cli *CLI) error {
	return withStore(cli, func(ctx context.Context, rt *runtime) error {
		if err := rt.agent.ApplyCheckpoint(ctx, c.ID); err != nil {
			if errors.Is(err, agent.ErrUnknownCheckpoint) {
				// Workspace restored; only the in-process history had no
				// matching message, which is expected for a fresh CLI.
				return nil
			}
			return err
		}
		return nil
	})
}

func withStore(cli *CLI, fn func(context.Context, *runtime) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.close(ctx)
	return fn(ctx, rt)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initLogger(cli *CLI, cfg *config.Config) (io.Closer, error) {
	level := cfg.Logger.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	file := cfg.Logger.File
	if cli.LogFile != "" {
		file = cli.LogFile
	}

	if file != "" {
		return logger.InitFile(logger.ParseLevel(level), file)
	}
	logger.Init(logger.ParseLevel(level), os.Stderr)
	return nil, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("zypher"),
		kong.Description("Zypher - LLM agent orchestrator"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
