// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// qc3tune - HVDCP3 (Quick Charge 3) negotiation tool
//
// Runs the HVDCP3 negotiation engine against a power supply property host
// over serial or WebSocket, or against the built-in charger simulator.

package main

import (
	"os"

	"github.com/Thermoquad/qc3tune/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
