package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mosaicnetworks/prism/src/net"
	"github.com/mosaicnetworks/prism/src/node"
	"github.com/mosaicnetworks/prism/src/service"
	"github.com/mosaicnetworks/prism/src/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a Prism node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		Args:    cobra.NoArgs,
		PreRunE: loadConfig,
		RunE:    runPrism,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runPrism(cmd *cobra.Command, args []string) error {
	if err := _config.Validate(); err != nil {
		fmt.Fprintln(cmd.OutOrStderr(), err)
		return ErrUsage
	}

	logger := _config.Logger()

	trans, err := net.NewTCPTransport(
		_config.BindAddr,
		_config.AdvertiseAddr,
		_config.TCPTimeout,
		logger,
	)
	if err != nil {
		logger.WithError(err).Error("Cannot bind listener")
		return err
	}

	metrics := telemetry.NewMetrics()

	engine := node.NewNode(_config, trans, metrics)

	if err := engine.Init(); err != nil {
		logger.WithError(err).Error("Cannot initialize node")
		trans.Close()
		return err
	}

	if _config.ServiceAddr != "" {
		srv := service.NewService(_config.ServiceAddr, engine, metrics.Handler(), logger)
		go srv.Serve()
		defer srv.Close()
	}

	go readInput(os.Stdin, engine)

	engine.Run()
	engine.Shutdown()

	return nil
}

// readInput submits every line read from r to the node.
func readInput(r io.Reader, engine *node.Node) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !engine.Submit(scanner.Text()) {
			return
		}
	}
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Write logs to this file instead of the console")
	cmd.Flags().String("name", _config.Moniker, "Display name; cannot be changed afterwards")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for children")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the node")
	cmd.Flags().Uint16("announce-port", _config.AnnouncePort, "Port announced to the parent (default: listen port)")
	cmd.Flags().StringP("connect", "c", _config.ConnectAddr, "IP:Port of the parent to join")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP write timeout")
	cmd.Flags().Duration("dial-timeout", _config.DialTimeout, "Timeout for dialing a parent")

	// Topology
	cmd.Flags().Int("capacity", _config.Capacity, "Maximum number of confirmed children")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":       _config.DataDir,
		"BindAddr":      _config.BindAddr,
		"AdvertiseAddr": _config.AdvertiseAddr,
		"AnnouncePort":  _config.AnnouncePort,
		"ConnectAddr":   _config.ConnectAddr,
		"ServiceAddr":   _config.ServiceAddr,
		"Capacity":      _config.Capacity,
		"LogLevel":      _config.LogLevel,
		"LogFile":       _config.LogFile,
		"Moniker":       _config.Moniker,
		"TCPTimeout":    _config.TCPTimeout,
		"DialTimeout":   _config.DialTimeout,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/prism.toml (.json, .yaml also work)
	viper.SetConfigName("prism")         // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
