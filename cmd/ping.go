// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psylink"
	"github.com/spf13/cobra"
)

var (
	pingTimeout time.Duration
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the link by sending PING_REQUEST to the property host",
	Long: `Send PING_REQUEST packets to the property host and wait for PING_RESPONSE.

The host answers with its uptime. This is useful for verifying:
  - The serial or WebSocket connection is established
  - HTTP Basic authentication works
  - The host is decoding and answering psylink requests

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	target, err := resolveTarget()
	if err != nil {
		return err
	}
	client, err := openLink(cfg, target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("qc3tune - Ping Test\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Timeout: %v per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		start := time.Now()
		uptime, err := client.Ping(ctx)
		cancel()
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			fmt.Printf("PONG uptime=%s rtt=%v\n", psylink.FormatUptime(uptime), time.Since(start).Round(time.Millisecond))
			successCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}
	client.Close()

	failCount := pingCount - successCount
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
