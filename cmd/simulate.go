// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/hvdcp3"
	"github.com/Thermoquad/qc3tune/pkg/psy"
	"github.com/spf13/cobra"
)

var (
	simOptiVoltage bool
	simLoadWatts   float64
	simSourceType  string
	simSpeed       float64
	simDuration    time.Duration
	simDetachAfter time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the negotiation engine against a simulated charger",
	Long: `Run the HVDCP3 negotiation engine against the built-in QC3 charger model.

The simulator models the prepare/pulse authentication handshake, 200mV voltage
steps, AICL re-runs and input current limiting derived from the load. Use
--speed to compress the engine's timed waits (100 turns a 60s hold into 0.6s).

No connection flags are needed.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().BoolVar(&simOptiVoltage, "opti-voltage", true, "Allow voltage optimization after authentication (overrides configuration)")
	simulateCmd.Flags().Float64Var(&simLoadWatts, "load", 0, "Charger load in watts (default from configuration)")
	simulateCmd.Flags().StringVar(&simSourceType, "type", "hvdcp3", "Attached source type: hvdcp3, hvdcp, dcp, cdp, sdp")
	simulateCmd.Flags().Float64Var(&simSpeed, "speed", 100, "Time compression factor for timed waits")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 0, "Stop after this long (0 runs until Ctrl+C)")
	simulateCmd.Flags().DurationVar(&simDetachAfter, "detach-after", 0, "Detach the charger after this long (0 never)")
}

func parseSourceType(name string) (int, error) {
	switch name {
	case "hvdcp3":
		return psy.TypeUSBHVDCP3, nil
	case "hvdcp":
		return psy.TypeUSBHVDCP, nil
	case "dcp":
		return psy.TypeUSBDCP, nil
	case "cdp":
		return psy.TypeUSBCDP, nil
	case "sdp":
		return psy.TypeUSB, nil
	default:
		return 0, fmt.Errorf("unknown source type %q", name)
	}
}

// scaledSleep compresses timed waits by speed.
func scaledSleep(speed float64) func(time.Duration) {
	return func(d time.Duration) {
		time.Sleep(time.Duration(float64(d) / speed))
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sourceType, err := parseSourceType(simSourceType)
	if err != nil {
		return err
	}
	if simSpeed <= 0 {
		return fmt.Errorf("--speed must be positive")
	}

	simCfg := cfg.SimSource()
	if cmd.Flags().Changed("load") {
		simCfg.LoadPower = int64(simLoadWatts * 1e6)
	}
	sim := psy.NewSim(simCfg)

	// Without a configuration file the simulator optimizes by default.
	allowed := simOptiVoltage
	if configPath != "" {
		allowed = optiVoltage(cmd, cfg, simOptiVoltage)
	}

	fmt.Printf("qc3tune - Simulated Charger\n")
	fmt.Printf("Source: %s, load %.1f W, limit %.2f A\n",
		simSourceType, float64(simCfg.LoadPower)/1e6, float64(simCfg.InputCurrentLimit)/1e6)
	fmt.Printf("Optimization allowed: %v, speed x%.0f\n", allowed, simSpeed)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	session := hvdcp3.New(sim, hvdcp3.Config{
		NegotiationAllowed: allowed,
		PollInterval:       time.Duration(float64(hvdcp3.HVDCPPollInterval) / simSpeed),
		Sleep:              scaledSleep(simSpeed),
	})
	session.SetObserver(newStatusPrinter())
	if err := session.Start(sim); err != nil {
		return err
	}
	defer func() {
		session.Stop()
		fmt.Printf("\nsim: %d pulses applied, %s, %d AICL runs\n",
			sim.Pulses(), confirmedText(sim.Confirmed()), sim.AICLRuns())
	}()

	sim.Attach(sourceType)

	var detach, stop <-chan time.Time
	if simDetachAfter > 0 {
		detach = time.After(simDetachAfter)
	}
	if simDuration > 0 {
		stop = time.After(simDuration)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-detach:
			fmt.Println("sim: charger detached")
			sim.Detach()
			detach = nil
		case <-stop:
			return nil
		case <-sigs:
			return nil
		}
	}
}

func confirmedText(ok bool) string {
	if ok {
		return "confirmed HVDCP3"
	}
	return "not confirmed"
}
