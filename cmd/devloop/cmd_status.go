package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"devloop/internal/metrics"
	"devloop/internal/taskstore"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task progress and aggregate metrics",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	store, err := taskstore.NewStore(cfg.TaskMaster.TasksPath, taskstore.Options{
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return err
	}

	tasks := store.AllTasks()
	if len(tasks) == 0 {
		fmt.Println(dimStyle.Render("no tasks found at " + store.Path()))
		return nil
	}

	fmt.Println(headerStyle.Render("Tasks"))
	counts := map[taskstore.Status]int{}
	for _, t := range tasks {
		counts[t.Status]++
		fmt.Printf("  %s  %s %s\n",
			styleForStatus(t.Status).Render(fmt.Sprintf("%-11s", t.Status)),
			string(t.ID),
			dimStyle.Render(t.Title))
	}
	fmt.Printf("\n  %d done / %d pending / %d in-progress / %d blocked\n\n",
		counts[taskstore.StatusDone], counts[taskstore.StatusPending],
		counts[taskstore.StatusInProgress], counts[taskstore.StatusBlocked])

	printSetMetrics(filepath.Join(cfg.Metrics.Path, "set.json"))
	return nil
}

func styleForStatus(s taskstore.Status) lipgloss.Style {
	switch s {
	case taskstore.StatusDone:
		return doneStyle
	case taskstore.StatusInProgress:
		return activeStyle
	case taskstore.StatusBlocked:
		return blockedStyle
	default:
		return pendingStyle
	}
}

func printSetMetrics(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var set metrics.Aggregate
	if err := json.Unmarshal(data, &set); err != nil {
		return
	}
	if set.TaskCount == 0 {
		return
	}
	fmt.Println(headerStyle.Render("Metrics"))
	fmt.Printf("  tasks: %d  success rate: %.0f%%  avg: %dms  tests: %d passed / %d failed\n",
		set.TaskCount, set.SuccessRate*100, set.AvgTaskMs, set.TestsPassed, set.TestsFailed)
}
