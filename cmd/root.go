// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"log"

	"github.com/Thermoquad/qc3tune/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "qc3tune",
	Short: "HVDCP3 (Quick Charge 3) negotiation tool",
	Long: `qc3tune - Negotiate and tune Quick Charge 3 charging voltage.

Runs the HVDCP3 negotiation engine against a power supply property host:
charger board firmware on a serial port, a bridge daemon behind a WebSocket,
or the built-in simulator. The engine authenticates the charger, confirms
the raised voltage, then pulses the voltage up and down against the input
current limit.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/psy [--username user]

For WebSocket authentication, the password is read from the QC3_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads --config. A missing, unparsable or out-of-range file falls
// back to the defaults, which leave voltage optimization disabled.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if errors.Is(err, config.ErrConfigurationMissing) || errors.Is(err, config.ErrConfigurationInvalid) {
		log.Printf("%v; using defaults", err)
		return config.Default(), nil
	}
	return cfg, err
}

// optiVoltage resolves the negotiation flag: --opti-voltage when given,
// otherwise qc3.opti_voltage from the configuration.
func optiVoltage(cmd *cobra.Command, cfg *config.Config, flag bool) bool {
	if cmd.Flags().Changed("opti-voltage") {
		return flag
	}
	return cfg.QC3.OptiVoltage
}
