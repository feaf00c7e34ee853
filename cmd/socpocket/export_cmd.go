package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/archive"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/config"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pricing"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
)

// runExportCmd writes a case's chain snapshot to the archive store and
// prints the snapshot's content hash. The snapshot carries the chain
// verdict either way; a broken chain is archived, not hidden.
//
// Exit codes:
//
//	0 = snapshot archived
//	2 = usage or runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn        string
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&dsn, "dsn", "", "Store DSN (defaults to DATABASE_URL)")
	cmd.StringVar(&dir, "dir", "", "Archive directory (defaults to ARCHIVE_DIR)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: socpocket export [flags] <case-id>")
		return 2
	}
	caseID := cmd.Arg(0)

	cfg := config.Load()
	if dsn == "" {
		dsn = cfg.DatabaseURL
	}
	if dir == "" {
		dir = cfg.ArchiveDir
	}

	ctx := context.Background()
	backend, err := store.Open(ctx, dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open store: %v\n", err)
		return 2
	}
	defer backend.Close()

	snapshots, err := archive.Open(ctx, archive.Options{
		Dir:       dir,
		S3Bucket:  cfg.ArchiveS3Bucket,
		GCSBucket: cfg.ArchiveGCSBucket,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open archive: %v\n", err)
		return 2
	}

	exporter := archive.NewExporter(backend, backend, snapshots)
	hash, export, err := exporter.Export(ctx, caseID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 2
	}

	if jsonOutput {
		result := map[string]any{
			"case_id":              caseID,
			"snapshot":             hash,
			"steps":                len(export.Steps),
			"total_cost_micro_usd": export.TotalCostMicroUSD,
			"verified":             export.Verification.Verified,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "✅ Exported case %s (%d steps, %s)\n", caseID, len(export.Steps), pricing.FromMicro(export.TotalCostMicroUSD))
	fmt.Fprintf(stdout, "   Snapshot: %s\n", hash)
	if !export.Verification.Verified {
		fmt.Fprintf(stdout, "⚠️  Chain verification failed at step index %d: %s\n", export.Verification.FailedIndex, export.Verification.Reason)
	}
	return 0
}
