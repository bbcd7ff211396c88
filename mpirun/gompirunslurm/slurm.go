/*
gompirunslurm launches an mpi job inside a slurm allocation, one process per
allocated node. First allocate nodes with salloc, then call

	salloc -N6 -c12
	gompirunslurm 12 macsio --groups 3

The first argument is the number of cores per process, not the number of
processes. Each process is started with srun on its own node.
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
		logrus.Fatal("usage: gompirunslurm ncores command [args...]")
	}
	nCores, err := strconv.Atoi(os.Args[1])
	if err != nil {
		logrus.WithError(err).Fatal("parsing number of cores")
	}
	if nCores < 1 {
		logrus.Fatal("number of cores must be positive")
	}
	nodes, err := expandNodelist(os.Getenv("SLURM_JOB_NODELIST"))
	if err != nil {
		logrus.WithError(err).Fatal("parsing SLURM_JOB_NODELIST")
	}
	if len(nodes) == 0 {
		logrus.Fatal("SLURM_JOB_NODELIST is empty; run inside salloc")
	}
	logrus.WithField("nodes", len(nodes)).Info("launching")

	addrs := make([]string, len(nodes))
	for i, node := range nodes {
		addrs[i] = node + ":" + strconv.Itoa(basePort+i)
	}
	all := strings.Join(addrs, ",")

	g, ctx := errgroup.WithContext(context.Background())
	for i, node := range nodes {
		node := node
		args := []string{"-N", "1", "-n", "1", "-c", strconv.Itoa(nCores), "--nodelist", node, os.Args[2]}
		args = append(args, os.Args[3:]...)
		args = append(args, "--mpi-addr="+addrs[i], "--mpi-alladdr="+all)
		cmd := exec.CommandContext(ctx, "srun", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("node %s: %w", node, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("job failed")
	}
}

// expandNodelist expands a slurm node list such as "cn[1-3,7],login2" into
// individual host names. Hosts are separated by commas outside brackets.
func expandNodelist(s string) ([]string, error) {
	var nodes []string
	for _, field := range splitHosts(s) {
		root, rest, ok := strings.Cut(field, "[")
		if !ok {
			nodes = append(nodes, root)
			continue
		}
		ranges, suffix, ok := strings.Cut(rest, "]")
		if !ok {
			return nil, fmt.Errorf("unclosed bracket in %q", field)
		}
		for _, r := range strings.Split(ranges, ",") {
			lo, hi, isRange := strings.Cut(r, "-")
			if !isRange {
				nodes = append(nodes, root+lo+suffix)
				continue
			}
			low, err := strconv.Atoi(lo)
			if err != nil {
				return nil, err
			}
			high, err := strconv.Atoi(hi)
			if err != nil {
				return nil, err
			}
			for i := low; i <= high; i++ {
				// keep zero padding, as in cn[01-03]
				nodes = append(nodes, fmt.Sprintf("%s%0*d%s", root, len(lo), i, suffix))
			}
		}
	}
	return nodes, nil
}

// splitHosts splits s at commas that are not inside brackets.
func splitHosts(s string) []string {
	var hosts []string
	depth, start := 0, 0
	flush := func(end int) {
		if h := strings.TrimSpace(s[start:end]); h != "" {
			hosts = append(hosts, h)
		}
	}
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(s))
	return hosts
}
