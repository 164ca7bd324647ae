package coord

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables recognized by FromEnv. The GOMULTIGPU_* forms win over the
// generic launcher ones.
const (
	RankEnv      = "GOMULTIGPU_RANK"
	WorldSizeEnv = "GOMULTIGPU_WORLD_SIZE"
	RootAddrEnv  = "GOMULTIGPU_COORD_ADDR"

	// DefaultRootPort is used when only MASTER_ADDR is set, matching the
	// conventional rendezvous port of the usual launchers.
	DefaultRootPort = "29500"
)

// FromEnv builds a Coordinator from the environment:
//
//   - rank: GOMULTIGPU_RANK or RANK
//   - world size: GOMULTIGPU_WORLD_SIZE or WORLD_SIZE
//   - root address: GOMULTIGPU_COORD_ADDR, or MASTER_ADDR plus MASTER_PORT
//     (port defaults to 29500)
//
// An unset or single world size yields Single; otherwise a TCP coordinator is
// connected, which blocks until the whole star is up.
func FromEnv() (Coordinator, error) {
	world, err := envInt(1, WorldSizeEnv, "WORLD_SIZE")
	if err != nil {
		return nil, err
	}
	if world <= 1 {
		return Single{}, nil
	}
	rank, err := envInt(-1, RankEnv, "RANK")
	if err != nil {
		return nil, err
	}
	if rank < 0 {
		return nil, errors.Errorf("world size is %d but no rank is set, export %s (or RANK)", world, RankEnv)
	}
	addr := rootAddrFromEnv()
	if addr == "" {
		return nil, errors.Errorf("world size is %d but no root address is set, export %s (or MASTER_ADDR)", world, RootAddrEnv)
	}
	klog.V(1).Infof("coordinating rank %d of %d through %s", rank, world, addr)
	return NewTCP(TCPConfig{Rank: rank, WorldSize: world, RootAddr: addr})
}

// envInt returns the first set variable parsed as an int, or fallback if none is
// set. Empty values count as unset.
func envInt(fallback int, names ...string) (int, error) {
	for _, name := range names {
		value, found := os.LookupEnv(name)
		if !found || value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing %s=%q", name, value)
		}
		return parsed, nil
	}
	return fallback, nil
}

func rootAddrFromEnv() string {
	if addr := os.Getenv(RootAddrEnv); addr != "" {
		return addr
	}
	host := os.Getenv("MASTER_ADDR")
	if host == "" {
		return ""
	}
	port := os.Getenv("MASTER_PORT")
	if port == "" {
		port = DefaultRootPort
	}
	return net.JoinHostPort(host, port)
}
