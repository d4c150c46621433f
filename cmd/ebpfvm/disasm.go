package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/fortiblox/ebpfvm/pkg/loader"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

func disasmCommand() cli.Command {
	return cli.Command{
		Name:      "disasm",
		Aliases:   []string{"d"},
		Usage:     "Print the instructions of a program file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "section", Usage: "ELF section holding the bytecode (default .text)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.NewExitError("disasm: expected exactly one file", 2)
			}
			img, err := loader.LoadFile(c.Args().First(), loader.Options{Section: c.String("section")})
			if err != nil {
				return err
			}

			w := c.App.Writer
			fmt.Fprintf(w, "; %s, %d slots", img.Format, img.Program.Len())
			if img.Format == loader.FormatZstd {
				fmt.Fprintf(w, " (%s inside)", img.Inner)
			}
			if img.Section != "" {
				fmt.Fprintf(w, ", section %s", img.Section)
			}
			fmt.Fprintln(w)
			for _, fn := range img.Functions {
				fmt.Fprintf(w, "; %s at %d\n", fn.Name, fn.Slot)
			}
			return vm.Disassemble(w, img.Program)
		},
	}
}

func packCommand() cli.Command {
	return cli.Command{
		Name:      "pack",
		Usage:     "Compress a program file into a zstd frame",
		ArgsUsage: "<in> <out>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.NewExitError("pack: expected input and output files", 2)
			}
			in, out := c.Args().Get(0), c.Args().Get(1)
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			img, err := loader.LoadBytes(data)
			if err != nil {
				return fmt.Errorf("load %s: %w", in, err)
			}
			if img.Format == loader.FormatZstd {
				return cli.NewExitError(fmt.Sprintf("pack: %s is already compressed", in), 1)
			}
			packed, err := loader.Compress(data)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, packed, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s: %d -> %d bytes\n", out, len(data), len(packed))
			return nil
		},
	}
}
