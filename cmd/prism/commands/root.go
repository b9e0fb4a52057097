package commands

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/mosaicnetworks/prism/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()

	// ErrUsage is returned when the command line cannot be understood. The
	// usage has already been printed; the process exits with status 0.
	ErrUsage = errors.New("usage error")
)

// RootCmd is the root command for Prism. Invoked with positional arguments,
// <host-port> [connect-ip connect-port], it runs a node like the run command.
var RootCmd = &cobra.Command{
	Use:              "prism [host-port [connect-ip connect-port]]",
	Short:            "prism overlay chat",
	TraverseChildren: true,
	Args:             cobra.ArbitraryArgs,
	RunE:             runLegacy,
}

func init() {
	RootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintln(c.OutOrStderr(), err)
		c.Usage()
		return ErrUsage
	})
}

func runLegacy(cmd *cobra.Command, args []string) error {
	bind, connect, err := parseLegacyArgs(args)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStderr(), err)
		cmd.Usage()
		return ErrUsage
	}

	_config.BindAddr = bind
	_config.ConnectAddr = connect

	return runPrism(cmd, args)
}

// parseLegacyArgs turns <host-port> [connect-ip connect-port] into a bind
// address and an optional parent address.
func parseLegacyArgs(args []string) (bind string, connect string, err error) {
	if len(args) != 1 && len(args) != 3 {
		return "", "", fmt.Errorf("expected 1 or 3 arguments, got %d", len(args))
	}

	if _, err := parsePort(args[0]); err != nil {
		return "", "", err
	}
	bind = net.JoinHostPort("0.0.0.0", args[0])

	if len(args) == 3 {
		if net.ParseIP(args[1]) == nil {
			return "", "", fmt.Errorf("invalid connect ip %q", args[1])
		}
		if _, err := parsePort(args[2]); err != nil {
			return "", "", err
		}
		connect = net.JoinHostPort(args[1], args[2])
	}

	return bind, connect, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(p), nil
}
