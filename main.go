// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Deltastat - Delta Inverter Monitor
//
// A CLI tool for polling Delta solar inverters over their serial protocol
// and decoding the responses in human-readable format.

package main

import (
	"os"

	"github.com/Thermoquad/deltastat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
