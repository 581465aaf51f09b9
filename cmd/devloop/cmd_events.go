package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"devloop/internal/events"
)

var (
	flagFollow     bool
	flagSince      int64
	flagEventTypes []string
)

var warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
var errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the event stream of a running loop",
	Long: `Reads the JSON event export that a running loop refreshes under
the state directory. With --follow, keeps polling for new events.`,
	RunE: showEvents,
}

func init() {
	eventsCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep polling for new events")
	eventsCmd.Flags().Int64Var(&flagSince, "since", 0, "only events with id strictly greater")
	eventsCmd.Flags().StringSliceVar(&flagEventTypes, "type", nil, "filter by event type (repeatable)")
}

func showEvents(cmd *cobra.Command, args []string) error {
	path := filepath.Join(cfg.StateDir, "events.json")
	last := flagSince

	for {
		evs, err := readExport(path)
		if err != nil {
			if !flagFollow {
				return err
			}
		}
		for _, ev := range evs {
			if ev.ID <= last {
				continue
			}
			if !typeMatches(ev.Type) {
				continue
			}
			printEvent(ev)
			last = ev.ID
		}
		if !flagFollow {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(eventExportInterval):
		}
	}
}

func readExport(path string) ([]events.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no event export at %s (is a loop running?)", path)
		}
		return nil, err
	}
	var evs []events.Event
	if err := json.Unmarshal(data, &evs); err != nil {
		return nil, fmt.Errorf("failed to parse event export: %w", err)
	}
	return evs, nil
}

func typeMatches(t string) bool {
	if len(flagEventTypes) == 0 {
		return true
	}
	for _, want := range flagEventTypes {
		if t == want {
			return true
		}
	}
	return false
}

func printEvent(ev events.Event) {
	line := fmt.Sprintf("%6d  %s  %-32s", ev.ID, ev.Timestamp.Format("15:04:05"), ev.Type)
	switch ev.Severity {
	case events.SeverityWarn:
		line = warnStyle.Render(line)
	case events.SeverityError, events.SeverityCritical:
		line = errStyle.Render(line)
	}
	if ev.TaskID != "" {
		line += "  task=" + ev.TaskID
	}
	if len(ev.Payload) > 0 {
		if p, err := json.Marshal(ev.Payload); err == nil {
			line += "  " + dimStyle.Render(string(p))
		}
	}
	fmt.Println(line)
}
