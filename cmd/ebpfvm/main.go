// ebpfvm runs eBPF-style bytecode in a sandboxed interpreter.
//
// Programs can be run directly from a file (raw bytecode, ELF object or a
// zstd frame of either), stored in a local program store, served over gRPC
// and run remotely.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"github.com/urfave/cli"

	"github.com/fortiblox/ebpfvm/internal/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// cfg is the loaded configuration, set before any command runs.
var cfg *config.Config

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ebpfvm"
	app.Usage = "a sandboxed eBPF-style bytecode interpreter"
	app.Version = fmt.Sprintf("%s (%s)", Version, GitCommit)

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: config.DefaultFile,
			Usage: "configuration file (defaults apply when it does not exist)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: none, error, warn, notice, info, debug",
		},
		cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colors in fault output",
		},
	}

	app.Before = setup
	app.Commands = []cli.Command{
		runCommand(),
		disasmCommand(),
		packCommand(),
		storeCommand(),
		historyCommand(),
		serveCommand(),
		remoteCommand(),
	}
	app.Action = func(c *cli.Context) error {
		return cli.ShowAppHelp(c)
	}
	return app
}

// setup loads the configuration and configures logging.
func setup(c *cli.Context) error {
	var err error
	if c.IsSet("config") {
		cfg, err = config.Load(c.String("config"))
	} else {
		cfg, err = config.LoadOptional(c.String("config"))
	}
	if err != nil {
		return err
	}

	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if c.Bool("no-color") {
		color.NoColor = true
	}

	if cfg.Log.File != "" {
		commonlog.Configure(cfg.Verbosity(), &cfg.Log.File)
	} else {
		commonlog.Configure(cfg.Verbosity(), nil)
	}
	return nil
}
