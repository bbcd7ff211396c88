package mpi

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

var FlagAddr string
var FlagAllAddrs AddrsFlag
var FlagInitTimeout DurationFlag
var FlagProtocol = "tcp"
var FlagPassword string

type AddrsFlag []string

func (m *AddrsFlag) String() string {
	return fmt.Sprint(*m)
}

func (m *AddrsFlag) Set(value string) error {
	for _, str := range strings.Split(value, ",") {
		if str = strings.TrimSpace(str); str != "" {
			*m = append(*m, str)
		}
	}
	return nil
}

type DurationFlag time.Duration

func (m *DurationFlag) String() string {
	return time.Duration(*m).String()
}

func (m *DurationFlag) Set(value string) error {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*m = DurationFlag(dur)
	return nil
}

// RegisterFlags adds the -mpi-* flags to fs. Network reads them in Init for
// any field left unset, so fs must be parsed before Init.
func RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&FlagAddr, "mpi-addr", FlagAddr, "address of the local running process")
	fs.Var(&FlagAllAddrs, "mpi-alladdr", "addresses of all of the processes as comma separated values")
	fs.Var(&FlagInitTimeout, "mpi-inittimeout", "duration to wait before timeout in init")
	fs.StringVar(&FlagProtocol, "mpi-protocol", FlagProtocol, "communication protocol to use")
	fs.StringVar(&FlagPassword, "mpi-password", FlagPassword, "value to use for salting the mpi connection")
}

// Connected reports whether the flags name a multi-process network.
func Connected() bool {
	return FlagAddr != "" && len(FlagAllAddrs) > 0
}

func (n *Network) applyFlags() {
	if n.NetProto == "" {
		n.NetProto = FlagProtocol
	}
	if n.Password == "" {
		n.Password = FlagPassword
	}
	if n.Timeout == 0 {
		n.Timeout = time.Duration(FlagInitTimeout)
	}
	if n.Addr == "" {
		n.Addr = FlagAddr
	}
	if len(n.Addrs) == 0 {
		n.Addrs = append([]string(nil), FlagAllAddrs...)
	}
}
