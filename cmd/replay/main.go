package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/logging"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/replay"
)

// #region main

func main() {
	workers := flag.Int("workers", 4, "fixtures replayed concurrently")
	jsonOut := flag.Bool("json", false, "output runs as JSON instead of tables")
	logLevel := flag.String("log-level", "error", "engine log level")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay [--workers N] [--json] fixture.json|glob ...")
		os.Exit(2)
	}
	paths, err := expand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runs, err := replay.ReplayFixtures(ctx, paths, *workers, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(2)
		}
	} else {
		for _, run := range runs {
			printRun(run)
		}
	}

	for _, run := range runs {
		if len(run.Mismatches) > 0 || !run.Summary.AuditVerified {
			os.Exit(1)
		}
	}
}

// expand resolves glob patterns. A pattern without matches is an error.
func expand(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		matches, err := filepath.Glob(a)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", a, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no fixtures match %q", a)
		}
		out = append(out, matches...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// #endregion main

// #region output

func printRun(run replay.FixtureRun) {
	fmt.Printf("== %s", run.Path)
	if run.Description != "" {
		fmt.Printf(" (%s)", run.Description)
	}
	fmt.Println()
	fmt.Printf("%-8s| %-10s| %-20s| %-5s| %s\n", "Cycle", "Origin", "Strategy", "Safe", "Feedback")
	fmt.Printf("%-8s+%-11s+%-21s+%-6s+%s\n", "--------", "-----------", "---------------------", "------", "----------")
	for _, r := range run.Results {
		safe := "no"
		if r.Safe {
			safe = "yes"
		}
		fb := r.FeedbackOutcome
		if fb == "" {
			fb = "-"
		}
		fmt.Printf("%-8s| %-10s| %-20s| %-5s| %s\n", r.CycleID, r.Origin, r.Strategy, safe, fb)
	}

	s := run.Summary
	fmt.Printf("\nSummary: %d cycles, %d validated, %d extended, %d reused, %d fallback\n",
		s.TotalCycles, s.Validated, s.Extended, s.Reused, s.Fallbacks)
	fmt.Printf("Feedback: %d applied, %d conflicts | audit: %d entries, verified=%t\n",
		s.FeedbackApplied, s.Conflicts, s.AuditEntries, s.AuditVerified)
	for _, m := range run.Mismatches {
		fmt.Printf("DIFF %s\n", m)
	}
	fmt.Println()
}

// #endregion output
