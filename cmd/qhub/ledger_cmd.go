package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/hub"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	return cmd
}

// runVerifyCmd implements `qhub verify`.
//
// Recomputes every entry hash from..to, checks the prev_hash links and
// signatures, and the latest checkpoint root.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("verify", stderr)
	var (
		configPath string
		from       uint64
		to         int64
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Hub file (overrides QHUB_CONFIG)")
	cmd.Uint64Var(&from, "from", 0, "First sequence number")
	cmd.Int64Var(&to, "to", -1, "Last sequence number (default: head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, hf, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	a, err := hub.OpenAudit(ctx, cfg, hf)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	head, err := a.Head(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if head == nil {
		_, _ = fmt.Fprintln(stdout, "Ledger is empty")
		return 0
	}
	last := head.Sequence
	if to >= 0 {
		last = uint64(to)
	}
	if last < from {
		_, _ = fmt.Fprintln(stderr, "Error: --to must not be below --from")
		return 2
	}

	res, err := a.VerifyChain(ctx, from, last)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report := struct {
		ledger.VerifyResult
		Checkpoint      *ledger.Checkpoint `json:"checkpoint,omitempty"`
		CheckpointError string             `json:"checkpoint_error,omitempty"`
	}{VerifyResult: res}
	if res.Valid {
		latest, err := a.LatestCheckpoint(ctx)
		if err == nil && latest != nil {
			latest, err = a.VerifyCheckpoint(ctx, latest.Sequence)
		}
		if err != nil {
			report.Valid = false
			report.CheckpointError = err.Error()
		}
		report.Checkpoint = latest
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "✅ Ledger verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Range: %d..%d (%d entries)\n", res.From, res.To, res.Checked)
		if report.Checkpoint != nil {
			_, _ = fmt.Fprintf(stdout, "Checkpoint: %d..%d root %s\n", report.Checkpoint.FromSeq, report.Checkpoint.ToSeq, report.Checkpoint.Root)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Ledger verification FAILED\n")
		if res.BrokenAt != nil {
			_, _ = fmt.Fprintf(stdout, "  - entry %d: %s\n", *res.BrokenAt, res.Reason)
		}
		if report.CheckpointError != "" {
			_, _ = fmt.Fprintf(stdout, "  - checkpoint: %s\n", report.CheckpointError)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// runSearchCmd implements `qhub search`, printing matching entries as
// NDJSON. --redact applies the same classification redaction as the API.
func runSearchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("search", stderr)
	var (
		configPath   string
		f            ledger.Filter
		since, until string
		redact       bool
	)
	cmd.StringVar(&configPath, "config", "", "Hub file (overrides QHUB_CONFIG)")
	cmd.StringVar(&f.ClientID, "client", "", "Client id")
	cmd.StringVar(&f.Operation, "op", "", "Operation")
	cmd.StringVar(&f.JobID, "job", "", "Job id")
	cmd.StringVar(&since, "since", "", "Earliest timestamp (RFC 3339)")
	cmd.StringVar(&until, "until", "", "Latest timestamp (RFC 3339)")
	cmd.IntVar(&f.Limit, "limit", 0, "Maximum entries (0 = all)")
	cmd.BoolVar(&redact, "redact", false, "Redact by data classification")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	var err error
	if f.From, err = parseFlagTime(since); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
		return 2
	}
	if f.To, err = parseFlagTime(until); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --until: %v\n", err)
		return 2
	}
	cfg, hf, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	a, err := hub.OpenAudit(ctx, cfg, hf)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	for e, err := range a.Search(ctx, f) {
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		var out any = e
		if redact {
			v, err := ledger.Redact(e)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: entry %d: %v\n", e.Sequence, err)
				return 2
			}
			out = v
		}
		if err := enc.Encode(out); err != nil {
			return 2
		}
	}
	return 0
}

func parseFlagTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// runCheckpointCmd implements `qhub checkpoint`. It writes to the ledger, so
// the hub must be stopped; a running hub takes POST /ledger/checkpoint.
func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("checkpoint", stderr)
	configPath := cmd.String("config", "", "Hub file (overrides QHUB_CONFIG)")
	jsonOutput := cmd.Bool("json", false, "Output the checkpoint as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, hf, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 2
	}

	cp, err := hub.Checkpoint(context.Background(), cfg, hf)
	if errors.Is(err, ledger.ErrNoNewEntries) {
		_, _ = fmt.Fprintln(stdout, "No new entries since the last checkpoint")
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"sequence_number": cp.Sequence, "checkpoint": cp}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Checkpoint %d: entries %d..%d root %s\n", cp.Sequence, cp.FromSeq, cp.ToSeq, cp.Root)
	return 0
}

// runDoctorCmd implements `qhub doctor`.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("doctor", stderr)
	configPath := cmd.String("config", "", "Hub file (overrides QHUB_CONFIG)")
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, hf, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 1
	}

	checks, allOK := hub.Doctor(context.Background(), cfg, hf)
	if *jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"ok": allOK, "checks": checks}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, c := range checks {
			mark := ColorGreen + "ok  " + ColorReset
			if !c.OK {
				mark = ColorRed + "FAIL" + ColorReset
			}
			line := fmt.Sprintf("  %s %s", mark, c.Name)
			if c.Detail != "" {
				line += ": " + c.Detail
			}
			_, _ = fmt.Fprintln(stdout, line)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}
