// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/deltastat/pkg/delta"
)

var (
	discoveryTimeout int
	discoveryProbe   bool
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover serial ports and inverters",
	Long: `List the serial ports on this machine, optionally probing each one for a
Delta inverter.

Probing opens the port at --baud, sends a TESTER_ID request and waits for a
valid response. Ports that are in use or answer with garbage are reported
as such. With --port only that port is probed.

Examples:
  # List ports
  deltastat discovery

  # Probe every port for an inverter
  deltastat discovery --probe

Exit codes:
  0 - Discovery successful (ports listed, or an inverter answered a probe)
  1 - Discovery failed (no ports or no inverter answered)
  2 - Enumeration error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 2, "Probe timeout in seconds per port")
	discoveryCmd.Flags().BoolVar(&discoveryProbe, "probe", false, "Probe each port for an inverter")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	var ports []*enumerator.PortDetails
	if portName != "" {
		ports = []*enumerator.PortDetails{{Name: portName}}
		discoveryProbe = true
	} else {
		var err error
		ports, err = enumerator.GetDetailedPortsList()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Enumeration error: %v\n", err)
			os.Exit(2)
		}
	}

	fmt.Printf("Deltastat - Port Discovery\n")
	if discoveryProbe {
		fmt.Printf("Probe: %d baud, timeout %d seconds\n", baudRate, discoveryTimeout)
	}
	fmt.Printf("\n")

	found := 0
	for _, p := range ports {
		fmt.Printf("%s\n", p.Name)
		if p.IsUSB {
			fmt.Printf("  USB ID: %s:%s\n", p.VID, p.PID)
			if p.SerialNumber != "" {
				fmt.Printf("  Serial: %s\n", p.SerialNumber)
			}
			if p.Product != "" {
				fmt.Printf("  Product: %s\n", p.Product)
			}
		}

		if !discoveryProbe {
			continue
		}
		id, err := probePort(p.Name, baudRate, time.Duration(discoveryTimeout)*time.Second)
		if err != nil {
			fmt.Printf("  Probe: %v\n", err)
			continue
		}
		found++
		fmt.Printf("  Probe: inverter found, %s\n", delta.FormatReading(id))
	}

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Ports found: %d\n", len(ports))
	if discoveryProbe {
		fmt.Printf("Inverters found: %d\n", found)
	}

	if len(ports) == 0 || (discoveryProbe && found == 0) {
		fmt.Printf("No inverters discovered. Check wiring, baud rate and device power.\n")
		os.Exit(1)
	}
	return nil
}

// probePort sends a TESTER_ID request and waits for a valid reply
func probePort(name string, baud int, timeout time.Duration) (delta.Reading, error) {
	port, err := OpenSerialPort(name, baud)
	if err != nil {
		return delta.Reading{}, err
	}
	defer port.Close()

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return delta.Reading{}, err
	}
	return exchange(port, delta.TesterID, timeout)
}

// exchange sends one request over an open stream and waits for the reply
// carrying the same command
func exchange(conn Connection, id delta.CommandID, timeout time.Duration) (delta.Reading, error) {
	if _, err := conn.Write(delta.BuildRequest(id)); err != nil {
		return delta.Reading{}, fmt.Errorf("send failed: %w", err)
	}

	decoder := delta.NewDecoder()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)
	var lastErr error

	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if err != nil {
			return delta.Reading{}, fmt.Errorf("read failed: %w", err)
		}
		for i := 0; i < n; i++ {
			r, err := decoder.DecodeByte(buf[i])
			if err != nil {
				lastErr = err
				continue
			}
			if r == nil {
				continue
			}
			reading, ok, err := delta.DecodeReading(r)
			if err != nil {
				lastErr = err
				continue
			}
			if ok && reading.Command == id {
				return reading, nil
			}
		}
	}

	if lastErr != nil {
		return delta.Reading{}, fmt.Errorf("no valid reply: %w", lastErr)
	}
	return delta.Reading{}, fmt.Errorf("no reply within %s", timeout)
}
