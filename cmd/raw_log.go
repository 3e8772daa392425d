// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/deltastat/pkg/delta"
)

var rawLogPoll time.Duration

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display Delta response frames as they arrive.

By default the link is only observed, which is useful next to another master
on an RS-485 bus. With --poll the standard requests are sent on that interval.

Frames that fail validation are printed as errors. Statistics are printed on
exit.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().DurationVar(&rawLogPoll, "poll", 0, "Send TOTAL_ENERGY and CURRENT_POWER requests on this interval (0 = passive)")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	fmt.Printf("Deltastat - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := delta.NewStatistics()
	var mu sync.Mutex

	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			conn.Close()
		})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			closeConn()
		case <-done:
		}
	}()

	if rawLogPoll > 0 {
		go pollLoop(conn, rawLogPoll, done, &mu)
	}

	readFrames(conn, delta.NewDecoder(), stats, &mu)
	closeConn()

	fmt.Printf("\n")
	mu.Lock()
	fmt.Print(stats.String())
	mu.Unlock()
	return nil
}

// readFrames decodes conn byte by byte until it fails or is closed
func readFrames(conn Connection, decoder *delta.Decoder, stats *delta.Statistics, mu *sync.Mutex) {
	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			logger.Info().Err(err).Msg("Connection closed")
			return
		}

		for i := 0; i < n; i++ {
			r, err := decoder.DecodeByte(buf[i])
			if err != nil {
				mu.Lock()
				stats.RecordError(err)
				fmt.Printf("[ERROR] %v\n", err)
				mu.Unlock()
				continue
			}
			if r == nil {
				continue
			}

			mu.Lock()
			reading, ok, derr := delta.DecodeReading(r)
			switch {
			case derr != nil:
				stats.RecordError(derr)
			case ok:
				stats.RecordReading(reading)
			default:
				stats.RecordIgnored()
			}
			fmt.Print(delta.FormatResponse(r))
			mu.Unlock()
		}
	}
}

// pollLoop writes the default requests every interval until done is closed
func pollLoop(conn Connection, interval time.Duration, done <-chan struct{}, mu *sync.Mutex) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, id := range delta.DefaultPoll {
				frame := delta.BuildRequest(id)
				if _, err := conn.Write(frame); err != nil {
					logger.Error().Err(err).Msg("Write failed")
					return
				}
				mu.Lock()
				fmt.Println(delta.FormatCommand(id, frame))
				mu.Unlock()
			}
		}
	}
}
