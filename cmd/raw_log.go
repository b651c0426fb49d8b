// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
	"github.com/Thermoquad/qc3tune/pkg/psylink"
	"github.com/spf13/cobra"
)

var rawLogPoll time.Duration

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display psylink packets as they arrive.

Each packet is shown with timestamp, sequence number, message type and decoded
payload. Bytes outside any frame are printed as NOISE. Without --poll only
unsolicited traffic (SUPPLY_CHANGED) is shown; with --poll the log also
queries every endpoint at that interval.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().DurationVar(&rawLogPoll, "poll", 0, "Query endpoints at this interval (0 disables)")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget()
	if err != nil {
		return err
	}
	conn, err := target.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("qc3tune - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if rawLogPoll > 0 {
		go pollEndpoints(conn, rawLogPoll)
	}

	decoder := psylink.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("Connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		for i := 0; i < n; i++ {
			packet, err := decoder.DecodeByte(buf[i])
			if err != nil {
				printNoise(decoder)
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if packet != nil {
				printNoise(decoder)
				fmt.Print(psylink.FormatPacket(packet))
			}
		}
		printNoise(decoder)
	}
}

// printNoise shows bytes that arrived outside any frame, such as firmware
// console output sharing the UART.
func printNoise(d *psylink.Decoder) {
	if noise := d.TakeNoise(); len(noise) > 0 {
		fmt.Printf("[NOISE] %d bytes: %q\n", len(noise), noise)
	}
}

// pollEndpoints writes an ENDPOINT_QUERY for every endpoint each interval
// until a write fails.
func pollEndpoints(conn io.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := uint32(0)
	for range ticker.C {
		for _, ep := range psy.Endpoints {
			seq++
			if seq == psylink.SeqUnsolicited {
				seq++
			}
			if _, err := conn.Write(psylink.MustEncode(psylink.NewEndpointQuery(seq, ep))); err != nil {
				log.Printf("Poll write failed: %v", err)
				return
			}
		}
	}
}
