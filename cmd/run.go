// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/qc3tune/pkg/hvdcp3"
	"github.com/Thermoquad/qc3tune/pkg/psylink"
	"github.com/spf13/cobra"
)

var (
	runOptiVoltage bool
	runTrace       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HVDCP3 negotiation engine against a property host",
	Long: `Run the HVDCP3 negotiation engine against the power supply properties of
a remote property host (charger board firmware or bridge daemon).

The engine waits for a usb supply change, authenticates an attached HVDCP3
charger and then tunes the voltage against the input current limit. Every
state transition is printed. Authentication always runs; voltage tuning
only starts when allowed by --opti-voltage or qc3.opti_voltage in the
configuration file.

Press Ctrl+C to stop. The link is not re-established if it drops; use the
monitor command for automatic reconnection.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runOptiVoltage, "opti-voltage", false, "Allow voltage optimization after authentication (overrides configuration)")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "Print every packet exchanged with the host")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var trace func(*psylink.Packet, bool)
	if runTrace {
		trace = func(p *psylink.Packet, outbound bool) {
			dir := "<-"
			if outbound {
				dir = "->"
			}
			fmt.Printf("%s %s", dir, psylink.FormatPacket(p))
		}
	}

	target, err := resolveTarget()
	if err != nil {
		return err
	}
	client, err := openLink(cfg, target, trace)
	if err != nil {
		return err
	}
	defer client.Close()

	allowed := optiVoltage(cmd, cfg, runOptiVoltage)
	fmt.Printf("qc3tune - Negotiation Engine\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Optimization allowed: %v\n", allowed)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	session := hvdcp3.New(client, hvdcp3.Config{NegotiationAllowed: allowed})
	session.SetObserver(newStatusPrinter())
	if err := session.Start(client); err != nil {
		return err
	}
	defer session.Stop()

	// Pick up a charger that is already attached.
	session.Notify("usb")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		fmt.Println()
		return nil
	case <-client.Done():
		return client.Err()
	}
}

// newStatusPrinter returns an observer printing one line per state change.
func newStatusPrinter() func(hvdcp3.Status) {
	last := hvdcp3.State(-1)
	return func(st hvdcp3.Status) {
		if st.RefreshErr != nil {
			fmt.Printf("[cycle %d] refresh failed: %v\n", st.Cycles, st.RefreshErr)
			return
		}
		if st.State == last {
			return
		}
		last = st.State
		fmt.Printf("[cycle %d] %-28s pulses=%2d usb=%s limited=%v\n",
			st.Cycles, st.State, st.PulseCount, formatMicrovolts(st.Snapshot.USBVoltage), st.Snapshot.InputCurrentLimited)
	}
}

func formatMicrovolts(uv int) string {
	return fmt.Sprintf("%.2fV", float64(uv)/1e6)
}
