// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
)

var (
	soakDuration  time.Duration
	soakInterval  time.Duration
	soakReconnect time.Duration
	soakLink      string
)

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Test link stability over a period of time",
	Long: `Poll one inverter for --duration and report how stable the link was.

Disconnects and reconnects are counted rather than treated as fatal, so this
is the tool for chasing flaky cables, USB adapters and WebSocket bridges.

Exit codes:
  0 - Test completed without disconnects or dropped frames
  1 - Test failed
  2 - Connection error`,
	RunE: runSoak,
}

func init() {
	rootCmd.AddCommand(soakCmd)
	soakCmd.Flags().DurationVar(&soakDuration, "duration", 30*time.Second, "Test duration")
	soakCmd.Flags().DurationVar(&soakInterval, "interval", time.Second, "Poll interval")
	soakCmd.Flags().DurationVar(&soakReconnect, "reconnect", 2*time.Second, "Reconnect interval")
	soakCmd.Flags().StringVar(&soakLink, "link", "", "Inverter name when --config lists several")
}

// soakResult tallies link events
type soakResult struct {
	mu          sync.Mutex
	disconnects int
	reconnects  int
	stats       *delta.Statistics
	downSince   time.Time
	downtime    time.Duration
	finished    bool
}

func newSoakResult() *soakResult {
	return &soakResult{stats: delta.NewStatistics()}
}

func (r *soakResult) ConnectionChanged(name string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	now := time.Now()
	if connected {
		if !r.downSince.IsZero() {
			r.reconnects++
			r.downtime += now.Sub(r.downSince)
			r.downSince = time.Time{}
		}
	} else {
		r.disconnects++
		r.downSince = now
	}
	fmt.Printf("[%s] %s: connected=%v\n", now.Format("15:04:05.000"), name, connected)
}

func (r *soakResult) ReadingReceived(_ string, rd delta.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.RecordReading(rd)
}

func (r *soakResult) FrameRejected(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.RecordError(err)
	fmt.Printf("[%s] %s: [ERROR] %v\n", time.Now().Format("15:04:05.000"), name, err)
}

// finish stops counting; the disconnect caused by shutting down is not a failure
func (r *soakResult) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
}

// passed reports whether the link stayed up with no dropped frames
func (r *soakResult) passed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects == 0 && r.stats.Errors() == 0 && r.stats.ValidFrames > 0
}

func (r *soakResult) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	downtime := r.downtime
	if !r.downSince.IsZero() {
		downtime += time.Since(r.downSince)
	}
	return fmt.Sprintf("Disconnects: %d\nReconnects: %d\nDowntime: %v\n%s",
		r.disconnects, r.reconnects, downtime.Round(time.Millisecond), r.stats.String())
}

func runSoak(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	spec, err := selectLink(cfg, soakLink)
	if err != nil {
		return err
	}
	t, err := spec.Transport()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, soakDuration)
	defer cancel()

	lc := spec.Config
	lc.PollInterval = soakInterval
	lc.ReconnectInterval = soakReconnect

	fmt.Printf("Deltastat - Link Soak Test\n")
	fmt.Printf("Connection: %s\n", spec.Describe())
	fmt.Printf("Duration: %v, poll every %v\n\n", soakDuration, soakInterval)

	result := newSoakResult()
	s := link.NewSession(lc, t, delta.DefaultCodec, result, logger)
	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	<-ctx.Done()
	result.finish()
	s.Stop()

	fmt.Printf("\n--- Test Results ---\n")
	fmt.Print(result.String())
	if !result.passed() {
		fmt.Printf("Result: FAILED\n")
		os.Exit(1)
	}
	fmt.Printf("Result: PASSED (link stable)\n")
	return nil
}
