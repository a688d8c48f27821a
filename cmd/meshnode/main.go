// Command meshnode runs one node of a meshfabric mesh, or a whole mesh in
// one process, and exchanges probe messages with every peer.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/meshfabric/fabric"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshnode",
		Short: "meshnode - all-to-all message exchange over TCP or RDMA verbs",
		Long: `meshnode joins a static mesh of nodes, waits for the startup barrier and
exchanges probe objects with every peer.

Every node is started with the same ordered node list and its own index:
  meshnode run --nodes 10.0.0.1:7000,10.0.0.2:7000 --self 0
  meshnode run --nodes 10.0.0.1:7000,10.0.0.2:7000 --self 1

Settings can also come from a config file (--config) or MESHFABRIC_*
environment variables, e.g. MESHFABRIC_TRANSPORT_POOL_SIZE=16.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newSimulateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meshnode:", describe(err))
		os.Exit(1)
	}
}

// describe renders err with the failing phase and peer when it came from
// mesh setup or the barrier.
func describe(err error) string {
	var serr *fabric.SetupError
	if errors.As(err, &serr) {
		if serr.Peer < 0 {
			return fmt.Sprintf("setup failed during %s: %v", serr.Phase, serr.Err)
		}
		return fmt.Sprintf("setup failed during %s with peer %d: %v", serr.Phase, serr.Peer, serr.Err)
	}
	var berr *fabric.BarrierError
	if errors.As(err, &berr) {
		if errors.Is(berr, fabric.ErrBarrierViolation) {
			return fmt.Sprintf("startup barrier failed in round %d with peer %d: got token %d, want %d", berr.Round, berr.Peer, berr.Got, berr.Want)
		}
		return fmt.Sprintf("startup barrier failed in round %d with peer %d: %v", berr.Round, berr.Peer, berr.Err)
	}
	return err.Error()
}
