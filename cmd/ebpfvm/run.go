package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
)

// requestFlags are shared by run and remote run.
var requestFlags = []cli.Flag{
	cli.BoolFlag{Name: "fixture", Usage: "pre-populate the demonstration memory and helpers"},
	cli.StringFlag{Name: "memory", Usage: "file copied to the start of the address space"},
	cli.IntFlag{Name: "memory-size", Usage: "address space size in bytes (default from config)"},
	cli.IntFlag{Name: "stack-size", Usage: "stack size in bytes (default from config)"},
	cli.Uint64Flag{Name: "compute-limit", Usage: "compute unit budget (default from config)"},
	cli.DurationFlag{Name: "timeout", Usage: "wall clock limit (default from config)"},
	cli.BoolFlag{Name: "stats", Usage: "print run statistics"},
}

func runCommand() cli.Command {
	return cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a program file or a stored program",
		ArgsUsage: "<file|name|id>",
		Flags: append([]cli.Flag{
			cli.BoolFlag{Name: "trace", Usage: "print every instruction as it executes"},
			cli.BoolFlag{Name: "record", Usage: "record the run in the journal"},
		}, requestFlags...),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("run: expected exactly one program", 2)
	}
	req, err := buildRequest(c)
	if err != nil {
		return err
	}
	if c.Bool("trace") {
		req.Trace = tracer(errWriter(c))
	}

	var (
		store   progstore.Store
		journal *runlog.Journal
	)
	target := c.Args().First()
	if data, err := os.ReadFile(target); err == nil {
		req.Image = data
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	} else {
		s, err := progstore.Open(cfg.ProgramStore())
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
		if req.ProgramID, err = s.Resolve(target); err != nil {
			return err
		}
	}
	if c.Bool("record") || store != nil {
		if journal, err = runlog.Open(cfg.RunLog()); err != nil {
			return err
		}
		defer journal.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := executor.New(store, journal, cfg.Executor()).Execute(ctx, req)
	if err != nil {
		return err
	}
	if printResult(c.App.Writer, res, c.Bool("stats")) {
		return cli.NewExitError("", 1)
	}
	return nil
}

// buildRequest reads the shared run flags.
func buildRequest(c *cli.Context) (executor.Request, error) {
	req := executor.Request{
		UseFixture:   c.Bool("fixture"),
		MemorySize:   c.Int("memory-size"),
		StackSize:    c.Int("stack-size"),
		ComputeLimit: c.Uint64("compute-limit"),
		Timeout:      c.Duration("timeout"),
	}
	if path := c.String("memory"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("read memory: %w", err)
		}
		req.Memory = data
	}
	return req, nil
}

// errWriter returns the app's error stream.
func errWriter(c *cli.Context) io.Writer {
	if c.App.ErrWriter != nil {
		return c.App.ErrWriter
	}
	return os.Stderr
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
