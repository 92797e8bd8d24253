package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ashita-ai/kakehashi"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KAKEHASHI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Logs go to stderr; stdout carries the report.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	planPath := flag.String("plan", "", "execute a plan file (YAML or JSON) instead of asking the planner")
	recent := flag.Int("recent", 0, "print the last n ledger runs and exit")
	stats := flag.Bool("stats", false, "print credential pool stats after the run")
	mock := flag.Bool("mock", false, "serve upstream calls from the in-process mock (no tokens spent)")
	flag.Parse()

	goal := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if goal == "" && *planPath == "" && *recent <= 0 {
		fmt.Fprintln(os.Stderr, "usage: kakehashi [-plan file] [-recent n] [-stats] [-mock] <goal>")
		flag.PrintDefaults()
		return errors.New("no goal given")
	}

	opts := []kakehashi.Option{
		kakehashi.WithVersion(version),
		kakehashi.WithLogger(logger),
	}
	if *mock {
		opts = append(opts, kakehashi.WithMockUpstream())
	}

	app, err := kakehashi.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	if *recent > 0 {
		runs, err := app.RecentRuns(ctx, *recent)
		if err != nil {
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	}

	// Log pool health periodically while the run is in flight.
	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go statsLoop(statsCtx, app, logger)

	var report kakehashi.Report
	if *planPath != "" {
		report, err = app.RunPlanFile(ctx, *planPath)
	} else {
		report, err = app.RunGoal(ctx, goal)
	}
	if err != nil {
		return err
	}

	printReport(os.Stdout, report)
	if *stats {
		printStats(os.Stdout, app.KeyStats())
	}
	return nil
}

func statsLoop(ctx context.Context, app *kakehashi.App, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			type agg struct{ total, active, calls int }
			byProvider := make(map[string]*agg)
			var order []string
			for _, ks := range app.KeyStats() {
				a, ok := byProvider[ks.Provider]
				if !ok {
					a = &agg{}
					byProvider[ks.Provider] = a
					order = append(order, ks.Provider)
				}
				a.total++
				if ks.Active {
					a.active++
				}
				a.calls += ks.Calls
			}
			for _, provider := range order {
				a := byProvider[provider]
				logger.Info("pool stats",
					"provider", provider,
					"active", a.active,
					"total", a.total,
					"calls", a.calls,
				)
			}
		}
	}
}

func printReport(w io.Writer, rep kakehashi.Report) {
	elapsed := rep.Finished.Sub(rep.Started).Round(time.Millisecond)
	fmt.Fprintf(w, "\nrun %s  status=%s  elapsed=%s\n", rep.RunID, rep.Status, elapsed)
	fmt.Fprintf(w, "goal: %s\n", rep.Goal)

	for _, t := range rep.Tasks {
		fmt.Fprintf(w, "\n[%s] %s (%s) %s\n", t.State, t.ID, t.Assignee, t.Summary)
		switch {
		case t.Output != "":
			fmt.Fprintln(w, indent(t.Output, "  "))
		case t.Error != "":
			fmt.Fprintf(w, "  error: %s\n", t.Error)
		case t.BlockedBy != "":
			fmt.Fprintf(w, "  blocked by: %s\n", t.BlockedBy)
		}
	}

	if rep.Review != "" {
		fmt.Fprintf(w, "\nreview:\n%s\n", indent(rep.Review, "  "))
	}
	fmt.Fprintf(w, "\ntokens: prompt=%d completion=%d total=%d\n",
		rep.Usage.PromptTokens, rep.Usage.CompletionTokens, rep.Usage.TotalTokens)
}

func printStats(w io.Writer, stats []kakehashi.KeyStat) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tKEY\tFINGERPRINT\tCALLS\tSTREAK\tACTIVE")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%v\n",
			s.Provider, s.Label, s.Fingerprint, s.Calls, s.ErrorStreak, s.Active)
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []kakehashi.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tTASKS\tTOKENS\tGOAL")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			r.TasksDone, r.TasksTotal,
			r.PromptTokens+r.CompletionTokens,
			firstLine(r.Goal, 60),
		)
	}
	tw.Flush()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
