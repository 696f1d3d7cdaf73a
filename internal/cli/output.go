package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/storage/journal"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

// maxListedTasks caps the task list printed per processor
const maxListedTasks = 24

// printSummary prints the final metric first so scripts can read it from
// the first line.
func printSummary(w io.Writer, sum controller.Summary, law string) {
	green.Fprintf(w, "%d\n", sum.Metric)
	fmt.Fprintln(w)
	bold.Fprintln(w, "Search summary")
	fmt.Fprintf(w, "  initial flow time: %d\n", sum.InitialCost)
	fmt.Fprintf(w, "  best flow time:    %s\n", green.Sprint(sum.Metric))
	if sum.InitialCost > 0 {
		gain := 100 * float64(sum.InitialCost-sum.Metric) / float64(sum.InitialCost)
		fmt.Fprintf(w, "  improvement:       %.2f%%\n", gain)
	}
	fmt.Fprintf(w, "  cooling law:       %s\n", law)
	fmt.Fprintf(w, "  rounds:            %d (%d improving)\n", sum.Rounds, sum.Improvements)
	fmt.Fprintf(w, "  engine iterations: %d\n", sum.Iterations)
	if sum.Failures > 0 {
		fmt.Fprintf(w, "  worker failures:   %s\n", yellow.Sprint(sum.Failures))
	}
	fmt.Fprintf(w, "  stop reason:       %s\n", sum.Reason)
	fmt.Fprintf(w, "  duration:          %s\n", sum.Duration.Round(time.Millisecond))
}

// printRecord prints the header of a saved result
func printRecord(w io.Writer, rec types.ResultRecord) {
	bold.Fprintln(w, "Result")
	fmt.Fprintf(w, "  total flow time: %s\n", green.Sprint(rec.Metric))
	fmt.Fprintf(w, "  processors:      %d\n", rec.Processors)
	fmt.Fprintf(w, "  tasks:           %d\n", len(rec.Durations))
	fmt.Fprintf(w, "  cooling law:     %s\n", rec.Law)
	fmt.Fprintf(w, "  workers:         %d\n", rec.Workers)
	fmt.Fprintf(w, "  rounds:          %d\n", rec.Rounds)
	fmt.Fprintf(w, "  duration:        %s\n", rec.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  created:         %s\n", time.UnixMilli(rec.CreatedAt).Format(time.RFC3339))
	fmt.Fprintln(w)
}

// processorStats is one row of the schedule table
type processorStats struct {
	processor int
	tasks     []int
	load      int64 // completion time of the last task
	flowTime  int64
}

func scheduleStats(s *schedule.Solution) []processorStats {
	rows := make([]processorStats, s.Processors())
	for p := range rows {
		queue := s.Queue(p)
		row := processorStats{processor: p, tasks: queue}
		for _, t := range queue {
			row.load += int64(s.Duration(t))
			row.flowTime += row.load
		}
		rows[p] = row
	}
	return rows
}

func formatTasks(tasks []int) string {
	if len(tasks) == 0 {
		return "-"
	}
	shown := tasks
	if len(shown) > maxListedTasks {
		shown = shown[:maxListedTasks]
	}
	parts := make([]string, len(shown))
	for i, t := range shown {
		parts[i] = strconv.Itoa(t)
	}
	out := strings.Join(parts, " ")
	if len(tasks) > len(shown) {
		out += fmt.Sprintf(" ... (+%d)", len(tasks)-len(shown))
	}
	return out
}

// printSchedule renders one row per processor
func printSchedule(w io.Writer, s *schedule.Solution) error {
	table := tablewriter.NewWriter(w)
	table.Header("Processor", "Tasks", "Count", "Load", "Flow time")
	for _, row := range scheduleStats(s) {
		_ = table.Append(
			strconv.Itoa(row.processor),
			formatTasks(row.tasks),
			strconv.Itoa(len(row.tasks)),
			strconv.FormatInt(row.load, 10),
			strconv.FormatInt(row.flowTime, 10),
		)
	}
	return table.Render()
}

// printJournal renders the improvement history
func printJournal(w io.Writer, entries []journal.Entry) error {
	fmt.Fprintln(w)
	bold.Fprintf(w, "Improvements (%d)\n", len(entries))
	table := tablewriter.NewWriter(w)
	table.Header("Seq", "Round", "Previous", "Metric", "Gain", "Time")
	for _, e := range entries {
		_ = table.Append(
			strconv.FormatUint(e.Seq, 10),
			strconv.Itoa(e.Round),
			strconv.FormatInt(e.Previous, 10),
			strconv.FormatInt(e.Metric, 10),
			strconv.FormatInt(e.Previous-e.Metric, 10),
			time.UnixMilli(e.Timestamp).Format("15:04:05.000"),
		)
	}
	return table.Render()
}
