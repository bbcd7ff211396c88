/*
gompirun launches the processes of an mpi job on the local machine.

Running every rank in its own process on one machine is mostly useful for
debugging and prototyping the network transport; macsio --local runs the
same job inside a single process.

gompirun takes the number of processes, then the command to run. Any additional
arguments are passed to every process, followed by the --mpi-addr and
--mpi-alladdr flags that tell each process where it and its peers live.

	gompirun 8 macsio --groups 2 --dumps 4
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const basePort = 5000

func main() {
	if len(os.Args) < 3 {
		logrus.Fatal("usage: gompirun nprocs command [args...]")
	}
	n, err := strconv.Atoi(os.Args[1])
	if err != nil {
		logrus.WithError(err).Fatal("parsing number of processes")
	}
	if n < 1 {
		logrus.Fatal("number of processes must be positive")
	}
	if err := launch(context.Background(), os.Args[2], localAddrs(n), os.Args[3:]); err != nil {
		logrus.WithError(err).Fatal("job failed")
	}
}

// localAddrs returns n consecutive local ports.
func localAddrs(n int) []string {
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = ":" + strconv.Itoa(basePort+i)
	}
	return addrs
}

// rankArgs appends the mpi flags for the process listening on addr.
func rankArgs(args []string, addr string, all []string) []string {
	a := append([]string(nil), args...)
	return append(a, "--mpi-addr="+addr, "--mpi-alladdr="+strings.Join(all, ","))
}

// launch runs one process per address and waits for all of them. The first
// process to fail kills the rest.
func launch(ctx context.Context, name string, addrs, args []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		cmd := exec.CommandContext(ctx, name, rankArgs(args, addr, addrs)...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("process %d (%s): %w", i, addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}
