package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
)

func storeCommand() cli.Command {
	return cli.Command{
		Name:  "store",
		Usage: "Manage the local program store",
		Subcommands: []cli.Command{
			{
				Name:      "put",
				Usage:     "Store a program file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "name, n", Usage: "name to store the program under"},
				},
				Action: storePut,
			},
			{
				Name:   "list",
				Usage:  "List stored programs",
				Action: storeList,
			},
			{
				Name:      "rm",
				Usage:     "Remove a stored program",
				ArgsUsage: "<name|id>",
				Action:    storeRemove,
			},
		},
	}
}

func withStore(fn func(s *progstore.BoltStore) error) error {
	s, err := progstore.Open(cfg.ProgramStore())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func storePut(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("store put: expected exactly one file", 2)
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	return withStore(func(s *progstore.BoltStore) error {
		id, err := executor.New(s, nil, cfg.Executor()).Upload(c.String("name"), data)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, id)
		return nil
	})
}

func storeList(c *cli.Context) error {
	return withStore(func(s *progstore.BoltStore) error {
		metas, err := s.List()
		if err != nil {
			return err
		}
		for _, m := range metas {
			name := m.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(c.App.Writer, "%-44s  %-16s  %6d slots  %s\n",
				m.ID, name, m.Slots, m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	})
}

func storeRemove(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("store rm: expected a program name or id", 2)
	}
	return withStore(func(s *progstore.BoltStore) error {
		id, err := s.Resolve(c.Args().First())
		if err != nil {
			return err
		}
		if err := executor.New(s, nil, cfg.Executor()).Delete(id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "removed %s\n", id)
		return nil
	})
}

func historyCommand() cli.Command {
	return cli.Command{
		Name:      "history",
		Usage:     "Show recorded runs, newest first",
		ArgsUsage: "[name|id]",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "limit, n", Value: 20, Usage: "maximum number of runs"},
		},
		Action: func(c *cli.Context) error {
			var id progstore.ProgramID
			if target := c.Args().First(); target != "" {
				err := withStore(func(s *progstore.BoltStore) error {
					var err error
					id, err = s.Resolve(target)
					return err
				})
				if err != nil {
					// Runs of unstored files are journaled by digest.
					if id, err = progstore.ParseProgramID(target); err != nil {
						return err
					}
				}
			}

			journal, err := runlog.Open(cfg.RunLog())
			if err != nil {
				return err
			}
			defer journal.Close()
			recs, err := journal.List(id, c.Int("limit"))
			if err != nil {
				return err
			}
			printRecords(c.App.Writer, recs)
			return nil
		},
	}
}
