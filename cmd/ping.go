// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/deltastat/pkg/delta"
)

var (
	pingTimeout int
	pingCount   int
	pingCommand string
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure request/response round trips to an inverter",
	Long: `Send a request repeatedly and time each matching response.

Works over a serial port or a WebSocket bridge, which makes it useful for
verifying:
  - the port settings or bridge credentials are right
  - the inverter answers at all
  - the latency the bridge adds

Exit codes:
  0 - All pings answered
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().StringVar(&pingCommand, "command", "tester_id", "Command to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	id, err := delta.ParseCommand(pingCommand)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Deltastat - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Command: %s\n", id)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	readings := make(chan delta.Reading, 16)
	errChan := make(chan error, 1)
	go readReadings(conn, readings, errChan)

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		if _, err := conn.Write(delta.BuildRequest(id)); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		timeout := time.After(time.Duration(pingTimeout) * time.Second)
	wait:
		for {
			select {
			case r := <-readings:
				if r.Command != id {
					// Reply to an earlier, timed-out ping
					continue
				}
				rtt := time.Since(startTime)
				total += rtt
				fmt.Printf("%s, rtt=%v\n", delta.FormatReading(r), rtt.Round(time.Millisecond))
				successCount++
				break wait

			case err := <-errChan:
				fmt.Printf("READ FAILED: %v\n", err)
				os.Exit(2)

			case <-timeout:
				fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
				failCount++
				break wait
			}
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (total / time.Duration(successCount)).Round(time.Millisecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

// readReadings decodes conn until it fails, forwarding every reading
func readReadings(conn Connection, readings chan<- delta.Reading, errChan chan<- error) {
	decoder := delta.NewDecoder()
	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			errChan <- err
			return
		}

		for j := 0; j < n; j++ {
			r, err := decoder.DecodeByte(buf[j])
			if err != nil || r == nil {
				continue
			}
			if reading, ok, err := delta.DecodeReading(r); err == nil && ok {
				readings <- reading
			}
		}
	}
}
