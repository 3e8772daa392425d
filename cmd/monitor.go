// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
	"github.com/Thermoquad/deltastat/pkg/publish"
)

var (
	monitorTUI        bool
	monitorInterval   time.Duration
	monitorCommands   []string
	monitorMQTTBroker string
	monitorMQTTPrefix string
	monitorMQTTFormat string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll inverters and display their readings",
	Long: `Open a link to every configured inverter, poll it on a fixed interval and
display the decoded readings as they arrive.

Links that fail are reconnected automatically. Readings and connection state
can also be published to an MQTT broker.

Examples:
  # Single inverter on a serial port
  deltastat monitor --port /dev/ttyUSB0

  # Several inverters from a config file, live dashboard
  deltastat monitor --config deltastat.yaml --tui

  # Publish to MQTT as JSON
  deltastat monitor --port /dev/ttyUSB0 --mqtt tcp://localhost:1883 --mqtt-format json`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorTUI, "tui", false, "Show a live dashboard")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", link.DefaultPollInterval, "Poll interval")
	monitorCmd.Flags().StringSliceVar(&monitorCommands, "commands", nil, "Commands to poll (default total_energy,current_power)")
	monitorCmd.Flags().StringVar(&monitorMQTTBroker, "mqtt", "", "MQTT broker URL (tcp://host:1883)")
	monitorCmd.Flags().StringVar(&monitorMQTTPrefix, "mqtt-prefix", publish.DefaultTopicPrefix, "MQTT topic prefix")
	monitorCmd.Flags().StringVar(&monitorMQTTFormat, "mqtt-format", string(publish.FormatText), "MQTT payload format (text, json, cbor)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if err := applyMonitorFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var listeners link.Listeners
	if cfg.MQTT != nil {
		sink, err := publish.Connect(*cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		listeners = append(listeners, sink)
	}

	if monitorTUI {
		return runMonitorTUI(ctx, cfg, listeners)
	}

	printer := newPrintListener(os.Stdout)
	listeners = append(listeners, printer)

	mgr := link.NewManager(delta.DefaultCodec, listeners, logger)
	defer mgr.Close()

	fmt.Printf("Deltastat - Inverter Monitor\n")
	for _, spec := range cfg.Links {
		fmt.Printf("Link %s: %s\n", spec.Config.Name, spec.Describe())
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if err := setupLinks(ctx, mgr, cfg); err != nil {
		return err
	}

	<-ctx.Done()
	mgr.Close()

	fmt.Printf("\n")
	fmt.Print(printer.Summary())
	return nil
}

// applyMonitorFlags lets monitor flags override the resolved config
func applyMonitorFlags(cmd *cobra.Command, cfg *appConfig) error {
	flags := cmd.Flags()

	var commands []delta.CommandID
	if flags.Changed("commands") {
		var err error
		if commands, err = parseCommands(monitorCommands); err != nil {
			return err
		}
	}
	for i := range cfg.Links {
		if flags.Changed("interval") || cfg.Links[i].Config.PollInterval == 0 {
			cfg.Links[i].Config.PollInterval = monitorInterval
		}
		if commands != nil {
			cfg.Links[i].Config.Commands = commands
		}
	}

	if monitorMQTTBroker != "" {
		format, err := publish.ParseFormat(monitorMQTTFormat)
		if err != nil {
			return err
		}
		cfg.MQTT = &publish.Options{
			Broker:      monitorMQTTBroker,
			TopicPrefix: monitorMQTTPrefix,
			Format:      format,
		}
	}
	return nil
}

// setupLinks starts a session per configured link. Links that fail to open
// are reported and skipped; it is an error only if none could be opened.
func setupLinks(ctx context.Context, mgr *link.Manager, cfg *appConfig) error {
	opened := 0
	for _, spec := range cfg.Links {
		t, err := spec.Transport()
		if err != nil {
			return err
		}
		if _, err := mgr.Setup(ctx, spec.Config, t); err != nil {
			logger.Error().Err(err).Str("link", spec.Config.Name).Msg("Link setup failed")
			continue
		}
		opened++
	}
	if opened == 0 {
		return fmt.Errorf("no inverter link could be opened")
	}
	return nil
}

// printListener writes events to out and keeps per-link statistics
type printListener struct {
	mu    sync.Mutex
	out   io.Writer
	stats map[string]*delta.Statistics
	now   func() time.Time
}

func newPrintListener(out io.Writer) *printListener {
	return &printListener{
		out:   out,
		stats: make(map[string]*delta.Statistics),
		now:   time.Now,
	}
}

func (p *printListener) linkStats(name string) *delta.Statistics {
	s, ok := p.stats[name]
	if !ok {
		s = delta.NewStatistics()
		p.stats[name] = s
	}
	return s
}

func (p *printListener) stamp() string {
	return p.now().Format("15:04:05.000")
}

func (p *printListener) ConnectionChanged(name string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "disconnected"
	if connected {
		state = "connected"
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", p.stamp(), name, state)
}

func (p *printListener) ReadingReceived(name string, r delta.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkStats(name).RecordReading(r)
	fmt.Fprintf(p.out, "[%s] %s: %s\n", p.stamp(), name, delta.FormatReading(r))
}

func (p *printListener) FrameRejected(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkStats(name).RecordError(err)
	fmt.Fprintf(p.out, "[%s] %s: [ERROR] %v\n", p.stamp(), name, err)
}

// Summary returns the statistics of every link seen, sorted by name
func (p *printListener) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.stats))
	for name := range p.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "Link %s\n", name)
		sb.WriteString(p.stats[name].String())
	}
	return sb.String()
}
