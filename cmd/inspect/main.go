package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/audit"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to oral.db")
	view := flag.String("view", "rankings", "rankings | undo | audit | verify")
	key := flag.String("key", "", "scenario key scene|intent|loss|time (rankings view)")
	decision := flag.String("decision", "", "filter to one decision ID (undo and audit views)")
	kind := flag.String("kind", "", "filter audit entries by kind")
	last := flag.Int("last", 20, "show N most recent records")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/oral.db [--view rankings|undo|audit|verify] [--key k] [--decision id] [--kind k] [--last N] [--json]")
		os.Exit(2)
	}

	store, err := ranking.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	recorder, err := audit.NewSQLiteRecorder(store.DB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit log: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch *view {
	case "rankings":
		err = runRankings(ctx, store, *key, *jsonOut)
	case "undo":
		err = runUndo(ctx, store, *decision, *last, *jsonOut)
	case "audit":
		err = runAudit(ctx, recorder, audit.Filter{DecisionID: *decision, Kind: audit.Kind(*kind), Limit: *last}, *jsonOut)
	case "verify":
		err = runVerify(ctx, recorder)
	default:
		err = fmt.Errorf("unknown view %q", *view)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion main

// #region rankings-view

func runRankings(ctx context.Context, store *ranking.SQLiteStore, rawKey string, jsonOut bool) error {
	var keys []ranking.Key
	if rawKey != "" {
		k, err := ranking.ParseKey(rawKey)
		if err != nil {
			return err
		}
		keys = []ranking.Key{k}
	} else {
		var err error
		if keys, err = store.Keys(ctx); err != nil {
			return err
		}
	}

	var out []ranking.Ranking
	for _, k := range keys {
		rk, ok, err := store.Get(ctx, k)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, rk)
		}
	}
	if len(out) == 0 {
		fmt.Fprintln(os.Stderr, "no rankings found")
		return nil
	}
	if jsonOut {
		return printJSON(out)
	}

	for _, rk := range out {
		fmt.Printf("%s\n", rk.Key)
		fmt.Printf("  %-22s  %6s  %7s  %s\n", "Strategy", "Score", "Samples", "Updated")
		for _, e := range rk.Entries {
			updated := "-"
			if !e.UpdatedAt.IsZero() {
				updated = e.UpdatedAt.Format("2006-01-02T15:04:05Z")
			}
			fmt.Printf("  %-22s  %6.3f  %7d  %s\n", e.Strategy, e.Score, e.Samples, updated)
		}
		fmt.Println()
	}
	return nil
}

// #endregion rankings-view

// #region undo-view

func runUndo(ctx context.Context, store *ranking.SQLiteStore, decisionID string, last int, jsonOut bool) error {
	var (
		recs []ranking.UndoRecord
		err  error
	)
	if decisionID != "" {
		recs, err = store.UndoForDecision(ctx, decisionID)
	} else {
		recs, err = store.UndoLog(ctx, last)
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no undo records found")
		return nil
	}
	if jsonOut {
		return printJSON(recs)
	}

	fmt.Printf("%-8s  %-6s  %-8s  %-22s  %7s  %7s  %7s  %7s  %s\n",
		"Undo", "Kind", "Decision", "Strategy", "Prev", "Asked", "Delta", "Next", "Cause")
	for _, r := range recs {
		cause := r.Cause
		if r.Reverts != "" {
			cause = "reverts " + shortID(r.Reverts)
		}
		if !r.RevertedAt.IsZero() {
			cause += " (reverted)"
		}
		fmt.Printf("%-8s  %-6s  %-8s  %-22s  %7.3f  %+7.3f  %+7.3f  %7.3f  %s\n",
			shortID(r.ID), r.Kind, shortID(r.DecisionID), r.Strategy, r.Previous, r.Requested, r.Delta, r.Next, cause)
	}
	return nil
}

// #endregion undo-view

// #region audit-view

func runAudit(ctx context.Context, rec audit.Recorder, f audit.Filter, jsonOut bool) error {
	entries, err := rec.List(ctx, f)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no audit entries found")
		return nil
	}
	if jsonOut {
		return printJSON(entries)
	}

	fmt.Printf("%5s  %-17s  %-8s  %-10s  %-22s  %-4s  %s\n",
		"Seq", "Kind", "Decision", "Origin", "Strategy", "Safe", "Reason")
	for _, e := range entries {
		safe := "no"
		if e.Safe {
			safe = "yes"
		}
		fmt.Printf("%5d  %-17s  %-8s  %-10s  %-22s  %-4s  %s\n",
			e.Seq, e.Kind, shortID(e.DecisionID), e.Origin, e.Strategy, safe, e.Reason)
	}
	return nil
}

func runVerify(ctx context.Context, rec audit.Recorder) error {
	err := rec.Verify(ctx)
	var ce *audit.ChainError
	if errors.As(err, &ce) {
		fmt.Printf("audit chain BROKEN at seq %d: %s\n", ce.Seq, ce.Reason)
		os.Exit(1)
	}
	if err != nil {
		return err
	}
	fmt.Println("audit chain OK")
	return nil
}

// #endregion audit-view
