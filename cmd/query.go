// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
)

var (
	queryTimeout time.Duration
	queryRetry   time.Duration
	queryLink    string
)

var queryCmd = &cobra.Command{
	Use:   "query <command>",
	Short: "Send one request and print the decoded reply",
	Long: `Send a single request to an inverter and wait for the matching response.

Commands: total_energy, current_power, tester_id (or a hex code such as 0x1705).
The request is repeated every --retry until a reply arrives or --timeout expires.

Examples:
  deltastat query total_energy --port /dev/ttyUSB0
  deltastat query tester_id --config deltastat.yaml --link roof

Exit codes:
  0 - Reply received
  1 - Timeout or error`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 5*time.Second, "Time to wait for a reply")
	queryCmd.Flags().DurationVar(&queryRetry, "retry", time.Second, "Interval between repeated requests")
	queryCmd.Flags().StringVar(&queryLink, "link", "", "Inverter name when --config lists several")
}

func runQuery(cmd *cobra.Command, args []string) error {
	id, err := delta.ParseCommand(args[0])
	if err != nil {
		return fmt.Errorf("%w (known: %s)", err, knownCommands())
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	spec, err := selectLink(cfg, queryLink)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reading, err := query(ctx, spec, id, queryTimeout, queryRetry)
	if err != nil {
		return err
	}
	fmt.Println(delta.FormatReading(reading))
	return nil
}

// query runs a short-lived session that polls id until it answers
func query(ctx context.Context, spec linkSpec, id delta.CommandID, timeout, retry time.Duration) (delta.Reading, error) {
	t, err := spec.Transport()
	if err != nil {
		return delta.Reading{}, err
	}

	result := make(chan delta.Reading, 1)
	listener := link.ListenerFuncs{
		OnReading: func(_ string, r delta.Reading) {
			if r.Command != id {
				return
			}
			select {
			case result <- r:
			default:
			}
		},
		OnRejected: func(_ string, err error) {
			logger.Warn().Err(err).Msg("Rejected reply")
		},
	}

	cfg := spec.Config
	cfg.Commands = []delta.CommandID{id}
	cfg.PollInterval = retry

	s := link.NewSession(cfg, t, delta.DefaultCodec, listener, logger)
	if err := s.Start(ctx); err != nil {
		return delta.Reading{}, err
	}
	defer s.Stop()

	fmt.Fprintln(os.Stderr, delta.FormatCommand(id, delta.BuildRequest(id)))
	if err := s.Request(id); err != nil {
		return delta.Reading{}, err
	}

	select {
	case r := <-result:
		return r, nil
	case <-time.After(timeout):
		return delta.Reading{}, fmt.Errorf("no %s reply within %s", id, timeout)
	case <-ctx.Done():
		return delta.Reading{}, ctx.Err()
	}
}

// selectLink picks the link named name, or the only configured link
func selectLink(cfg *appConfig, name string) (linkSpec, error) {
	if name == "" {
		if len(cfg.Links) != 1 {
			return linkSpec{}, fmt.Errorf("%d inverters configured, choose one with --link", len(cfg.Links))
		}
		return cfg.Links[0], nil
	}
	for _, spec := range cfg.Links {
		if spec.Config.Name == name {
			return spec, nil
		}
	}
	return linkSpec{}, fmt.Errorf("no inverter named %q", name)
}

func knownCommands() string {
	names := make([]string, 0, len(delta.Commands))
	for _, id := range delta.Commands {
		names = append(names, strings.ToLower(id.String()))
	}
	return strings.Join(names, ", ")
}
