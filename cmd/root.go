// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags (remote fixture through a bridge)
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Fixture identity and storage
	stationID uint8
	dataDir   string

	cfgFile string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meterbench",
	Short: "Meter production test-fixture toolkit",
	Long: `Meterbench - production test-fixture software for gas and water meter
main control boards.

Talks the fixture's protocol suite on two links: the PC/MES line (test
orders, config, upgrade commands) and the device line (the meter board
under test). Provides a full bench loop plus monitoring, capture and
one-shot command tools.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the
METERBENCH_PASSWORD environment variable, or prompted interactively if
not set. A --password flag is intentionally not provided to avoid
leaking credentials in shell history.

Settings may also come from a meterbench.yaml config file (current
directory or ~/.config/meterbench); flags take precedence.`,
	Version:           "1.2.0",
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Serial connection flags
	pf.StringVarP(&portName, "port", "p", "", "Serial port device")
	pf.IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	pf.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	pf.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	pf.Uint8Var(&stationID, "station", 1, "Fixture station id (1-255)")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for flash image and captures (default ~/.meterbench)")
	pf.StringVar(&cfgFile, "config", "", "Config file (default meterbench.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")

	viper.BindPFlag("serial.port", pf.Lookup("port"))
	viper.BindPFlag("serial.baud", pf.Lookup("baud"))
	viper.BindPFlag("ws.url", pf.Lookup("url"))
	viper.BindPFlag("ws.username", pf.Lookup("username"))
	viper.BindPFlag("station", pf.Lookup("station"))
	viper.BindPFlag("data_dir", pf.Lookup("data-dir"))
}

// setup loads the config file and builds the logger before any
// subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("meterbench")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "meterbench"))
		}
	}
	viper.SetEnvPrefix("METERBENCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine unless one was named explicitly.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Flags win over the file; unset flags pick up file values here.
	if !cmd.Flags().Changed("port") {
		portName = viper.GetString("serial.port")
	}
	if !cmd.Flags().Changed("baud") && viper.IsSet("serial.baud") {
		baudRate = viper.GetInt("serial.baud")
	}
	if !cmd.Flags().Changed("url") {
		wsURL = viper.GetString("ws.url")
	}
	if !cmd.Flags().Changed("username") {
		wsUsername = viper.GetString("ws.username")
	}
	if !cmd.Flags().Changed("station") && viper.IsSet("station") {
		stationID = uint8(viper.GetUint("station"))
	}
	if !cmd.Flags().Changed("data-dir") {
		dataDir = viper.GetString("data_dir")
	}
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = filepath.Join(home, ".meterbench")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		logger, err = cfg.Build()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	defer func() {
		if logger != nil {
			logger.Sync()
		}
	}()
	return rootCmd.Execute()
}
