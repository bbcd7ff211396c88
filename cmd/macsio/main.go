/*
macsio writes and reads back synthetic data from many cooperating processes
using poor man's parallel I/O: the processes are split into groups, each group
shares one file, and the processes of a group take turns with it.

Run every process of a job with the same flags plus its network address:

	macsio --groups 4 --dumps 3 --mpi-addr=":5000" --mpi-alladdr=":5000,:5001,:5002"

or let gompirun launch them:

	gompirun 8 macsio --groups 2

To run all ranks inside one process instead:

	macsio --local 8 --groups 2

The placement of any rank can be computed without running anything:

	macsio whereis --size 10 --groups 3 --rank 5
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mpi "github.com/LLNL/MACSio-sub000"
	"github.com/LLNL/MACSio-sub000/config"
	"github.com/LLNL/MACSio-sub000/dump"
	"github.com/LLNL/MACSio-sub000/pmpio"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		local   int
		flags   = config.Default()
	)

	cmd := &cobra.Command{
		Use:          "macsio",
		Short:        "Exercise poor man's parallel I/O from many cooperating processes",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, cfgPath, flags)
			if err != nil {
				return err
			}
			logrus.SetLevel(cfg.Level())
			if local > 0 {
				return runLocal(cmd.Context(), cmd.OutOrStdout(), cfg, local)
			}
			if !mpi.Connected() {
				return runLocal(cmd.Context(), cmd.OutOrStdout(), cfg, 1)
			}
			return runNetwork(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "YAML configuration file; flags given explicitly override it")
	f.IntVar(&local, "local", 0, "run this many ranks inside this process")
	f.IntVar(&flags.Groups, "groups", flags.Groups, "files per dump, 0 for one file per rank")
	f.StringVar(&flags.Direction, "direction", flags.Direction, "write, or read files left by an earlier run")
	f.IntVar(&flags.Dumps, "dumps", flags.Dumps, "number of dumps")
	f.IntVar(&flags.Parts, "parts", flags.Parts, "parts per rank")
	f.IntVar(&flags.PartSize, "part-size", flags.PartSize, "values per part")
	f.StringVar(&flags.Dir, "dir", flags.Dir, "directory for the dump files")
	f.StringVar(&flags.Base, "base", flags.Base, "file name prefix")
	f.BoolVar(&flags.ReadBack, "read-back", flags.ReadBack, "read every dump back and verify it")
	f.IntVar(&flags.Tag, "tag", flags.Tag, "first message tag used by the run")
	f.Int64Var(&flags.Seed, "seed", flags.Seed, "seed of the synthetic data")
	f.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "logrus level")

	gofs := flag.NewFlagSet("mpi", flag.ContinueOnError)
	mpi.RegisterFlags(gofs)
	f.AddGoFlagSet(gofs)

	cmd.AddCommand(newWhereisCmd())
	return cmd
}

// resolveConfig loads the config file, if any, and applies the flags the user
// actually set on top of it.
func resolveConfig(cmd *cobra.Command, path string, flags config.Config) (config.Config, error) {
	if path == "" {
		return flags, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	overrides := map[string]func(){
		"groups":    func() { cfg.Groups = flags.Groups },
		"direction": func() { cfg.Direction = flags.Direction },
		"dumps":     func() { cfg.Dumps = flags.Dumps },
		"parts":     func() { cfg.Parts = flags.Parts },
		"part-size": func() { cfg.PartSize = flags.PartSize },
		"dir":       func() { cfg.Dir = flags.Dir },
		"base":      func() { cfg.Base = flags.Base },
		"read-back": func() { cfg.ReadBack = flags.ReadBack },
		"tag":       func() { cfg.Tag = flags.Tag },
		"seed":      func() { cfg.Seed = flags.Seed },
		"log-level": func() { cfg.LogLevel = flags.LogLevel },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	return cfg, nil
}

func runLocal(ctx context.Context, out io.Writer, cfg config.Config, size int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reports := make([]*dump.Report, size)
	errs := make([]error, size)
	w := mpi.NewLocalWorld(size)
	err := w.Run(ctx, func(ctx context.Context, c *mpi.Local) error {
		log := logrus.WithField("rank", c.Rank())
		reports[c.Rank()], errs[c.Rank()] = dump.Run(ctx, cfg, c, log)
		if dump.Fatal(errs[c.Rank()]) {
			return errs[c.Rank()]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := printReport(out, reports[mpi.Root]); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runNetwork(ctx context.Context, out io.Writer, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mpi.Register(&mpi.Network{Log: logrus.NewEntry(logrus.StandardLogger())})
	if err := mpi.Init(); err != nil {
		return fmt.Errorf("mpi init: %w", err)
	}
	defer mpi.Finalize()

	rep, err := dump.Run(ctx, cfg, mpi.World(), logrus.WithField("rank", mpi.Rank()))
	if mpi.Rank() == mpi.Root && rep != nil {
		if perr := printReport(out, rep); perr != nil {
			return errors.Join(err, perr)
		}
	}
	return err
}

func printReport(out io.Writer, rep *dump.Report) error {
	if rep == nil {
		return nil
	}
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(rep)
}

func newWhereisCmd() *cobra.Command {
	var size, groups, rank int
	var base string
	var dumpNum int
	cmd := &cobra.Command{
		Use:   "whereis",
		Short: "Print which group file holds a rank's data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if groups < 1 || groups > size {
				return fmt.Errorf("groups must be in [1, %d]", size)
			}
			if rank < 0 || rank >= size {
				return fmt.Errorf("rank must be in [0, %d)", size)
			}
			pl := pmpio.NewPartition(size, groups).Locate(rank)
			fmt.Fprintf(cmd.OutOrStdout(), "rank %d: group %d position %d prev %d next %d file %s namespace %s\n",
				rank,
				pmpio.GroupRank(size, groups, rank),
				pmpio.RankInGroup(size, groups, rank),
				pl.Prev, pl.Next,
				dump.FileName(base, pl.Group, dumpNum),
				dump.Namespace(rank))
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 1, "number of ranks")
	cmd.Flags().IntVar(&groups, "groups", 1, "number of groups")
	cmd.Flags().IntVar(&rank, "rank", 0, "rank to locate")
	cmd.Flags().StringVar(&base, "base", config.Default().Base, "file name prefix")
	cmd.Flags().IntVar(&dumpNum, "dump", 0, "dump number")
	return cmd
}
