package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"
	"github.com/urfave/cli"
	"google.golang.org/grpc"

	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
	"github.com/fortiblox/ebpfvm/pkg/server"
)

func serveCommand() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Serve the executor over gRPC",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "listen, l", Usage: "listen address (default from config)"},
		},
		Action: func(c *cli.Context) error {
			log := commonlog.GetLogger("ebpfvm")
			gc := cfg.GRPC()
			if addr := c.String("listen"); addr != "" {
				gc.Listen = addr
			}

			store, err := progstore.Open(cfg.ProgramStore())
			if err != nil {
				return err
			}
			defer store.Close()
			journal, err := runlog.Open(cfg.RunLog())
			if err != nil {
				return err
			}
			defer journal.Close()

			srv := server.New(executor.New(store, journal, cfg.Executor()), store, gc)

			ctx, cancel := signalContext()
			defer cancel()

			errc := make(chan error, 1)
			go func() { errc <- srv.Listen() }()
			fmt.Fprintf(c.App.Writer, "serving on %s\n", gc.Listen)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				log.Notice("shutting down")
			}

			stopped := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(10 * time.Second):
				log.Warning("graceful stop timed out, closing connections")
				srv.Stop()
			}
			if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		},
	}
}

func remoteCommand() cli.Command {
	addrFlag := cli.StringFlag{Name: "addr, a", Usage: "server address (default from config)"}
	return cli.Command{
		Name:  "remote",
		Usage: "Talk to an ebpfvm server",
		Subcommands: []cli.Command{
			{
				Name:      "run",
				Usage:     "Run a program file or a program stored on the server",
				ArgsUsage: "<file|name|id>",
				Flags:     append([]cli.Flag{addrFlag}, requestFlags...),
				Action:    remoteRun,
			},
			{
				Name:      "upload",
				Usage:     "Store a program file on the server",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					addrFlag,
					cli.StringFlag{Name: "name, n", Usage: "name to store the program under"},
				},
				Action: remoteUpload,
			},
			{
				Name:      "history",
				Usage:     "Show runs recorded by the server",
				ArgsUsage: "[name|id]",
				Flags: []cli.Flag{
					addrFlag,
					cli.IntFlag{Name: "limit, n", Value: 20, Usage: "maximum number of runs"},
				},
				Action: remoteHistory,
			},
		},
	}
}

func dial(c *cli.Context) (*server.Client, error) {
	gc := cfg.GRPC()
	if addr := c.String("addr"); addr != "" {
		gc.Listen = addr
	}
	return server.Dial(gc)
}

func remoteRun(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("remote run: expected exactly one program", 2)
	}
	req, err := buildRequest(c)
	if err != nil {
		return err
	}
	rreq := &server.RunRequest{
		Memory:        req.Memory,
		MemorySize:    uint32(req.MemorySize),
		StackSize:     uint32(req.StackSize),
		ComputeLimit:  req.ComputeLimit,
		TimeoutMillis: uint32(req.Timeout / time.Millisecond),
		UseFixture:    req.UseFixture,
	}
	target := c.Args().First()
	if data, err := os.ReadFile(target); err == nil {
		rreq.Image = data
	} else if errors.Is(err, os.ErrNotExist) {
		rreq.Program = target
	} else {
		return err
	}

	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signalContext()
	defer cancel()
	resp, err := client.Run(ctx, rreq)
	if err != nil {
		return err
	}
	if printResult(c.App.Writer, fromResponse(resp), c.Bool("stats")) {
		return cli.NewExitError("", 1)
	}
	return nil
}

func remoteUpload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("remote upload: expected exactly one file", 2)
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Upload(context.Background(), &server.UploadRequest{Name: c.String("name"), Image: data})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, resp.ProgramID)
	return nil
}

func remoteHistory(c *cli.Context) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.History(context.Background(), &server.HistoryRequest{
		Program: c.Args().First(),
		Limit:   c.Int("limit"),
	})
	if err != nil {
		return err
	}
	printRecords(c.App.Writer, resp.Records)
	return nil
}

// fromResponse converts a remote result for printing.
func fromResponse(resp *server.RunResponse) *executor.ExecutionResult {
	res := &executor.ExecutionResult{
		Success:          resp.Success,
		ReturnValue:      resp.ReturnValue,
		ComputeUnitsUsed: resp.ComputeUnitsUsed,
		Instructions:     resp.Instructions,
		HelperCalls:      resp.HelperCalls,
		HelperMisses:     resp.HelperMisses,
		Duration:         time.Duration(resp.DurationMicros) * time.Microsecond,
		Logs:             resp.Logs,
		Seq:              resp.Seq,
	}
	res.ProgramID, _ = progstore.ParseProgramID(resp.ProgramID)
	if f := resp.Fault; f != nil {
		res.Fault = &executor.FaultInfo{
			Kind:    f.Kind,
			PC:      f.PC,
			Opcode:  f.Opcode,
			Addr:    f.Addr,
			Message: f.Message,
		}
	}
	return res
}
