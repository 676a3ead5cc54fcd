package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codesearch-mcp/codesearch/internal/config"
	"github.com/codesearch-mcp/codesearch/internal/index"
	"github.com/codesearch-mcp/codesearch/internal/preflight"
	"github.com/codesearch-mcp/codesearch/internal/store"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system requirements and diagnose issues",
		Long: `Run system diagnostics to ensure CodeSearch can operate correctly.

Checks:
  - Disk space (100MB minimum)
  - Memory availability (1GB minimum)
  - Write permissions
  - File descriptor limits (1024 minimum)
  - Embedder model status (downloaded/missing)
  - Embedder disk space
  - Chunk Store/BM25/Vector index consistency (if an index exists)

Note: Embedder and index consistency checks are non-critical warnings.
If embedder model fails to download, CodeSearch falls back to static embeddings.

Use --verbose for detailed diagnostic information.
Use --json for machine-readable output.`,
		Example: `  # Run diagnostics
  codesearch doctor

  # Verbose output with details
  codesearch doctor --verbose

  # JSON output for scripting
  codesearch doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, verbose, jsonOutput, offline)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().Bool("json", false, "Output as JSON")
	// Note: --offline flag kept for backwards compatibility but has no effect
	cmd.Flags().BoolVar(&offline, "offline", false, "Reserved for future use")

	// Bind --json flag manually since it's a reserved word
	_ = cmd.Flags().Lookup("json").Value.Set("false")
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		jsonOutput, _ = cmd.Flags().GetBool("json")
		return nil
	}

	return cmd
}

func runDoctor(cmd *cobra.Command, verbose, jsonOutput, offline bool) error {
	// Set up context with signal handling (uses signal.NotifyContext to prevent goroutine leaks)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Find project root
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	// Create checker
	checker := preflight.New(
		preflight.WithOffline(offline),
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	)

	// Run all checks
	results := checker.RunAll(ctx, root)

	// Output results
	if jsonOutput {
		return outputJSON(cmd, checker, results)
	}

	checker.PrintResults(results)

	// Check for marker status
	dataDir := filepath.Join(root, ".codesearch")
	if !preflight.NeedsCheck(dataDir) {
		age := preflight.MarkerAge(dataDir)
		if age > 0 {
			cmd.Printf("\nLast successful check: %s ago\n", formatDuration(age))
		}
	}

	// Index consistency is a non-critical warning, same as embedder checks:
	// an existing index that's drifted doesn't block doctor from passing, it
	// just tells the operator to run 'codesearch index --force'.
	if consistency, err := runIndexConsistencyCheck(ctx, dataDir); err != nil {
		slog.Debug("index consistency check skipped", slog.String("error", err.Error()))
	} else if consistency != nil {
		printConsistencyResult(cmd, consistency)
	}

	// Return error if critical failures
	if checker.HasCriticalFailures(results) {
		return &doctorError{message: "system check failed"}
	}

	return nil
}

// runIndexConsistencyCheck runs the three-way Chunk Store/BM25/Vector
// consistency check against an on-disk index, if one exists. Returns
// (nil, nil) when there is no index to check yet.
func runIndexConsistencyCheck(ctx context.Context, dataDir string) (*index.CheckResult, error) {
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return nil, nil
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), "")
	if err != nil {
		return nil, fmt.Errorf("open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	dims, err := store.ReadHNSWStoreDimensions(vectorPath)
	if err != nil || dims == 0 {
		dims = store.DefaultVectorStoreConfig(0).Dimensions
	}
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector store load failed during consistency check", slog.String("error", loadErr.Error()))
		}
	}

	// The Symbol Map lives only in the running daemon's memory, so a one-shot
	// CLI process has none to attach via WithSymbolSource: this check covers
	// the Chunk Store/BM25/Vector dimension only, not the Symbol Map.
	checker := index.NewConsistencyChecker(metadata, bm25, vector)
	return checker.Check(ctx)
}

// printConsistencyResult renders a consistency check summary to the doctor
// command's output stream.
func printConsistencyResult(cmd *cobra.Command, result *index.CheckResult) {
	if len(result.Inconsistencies) == 0 {
		cmd.Printf("\nIndex consistency: OK (%d chunks checked)\n", result.Checked)
		return
	}

	cmd.Printf("\nIndex consistency: %d issue(s) found across %d chunks\n", len(result.Inconsistencies), result.Checked)
	counts := make(map[index.InconsistencyType]int)
	for _, issue := range result.Inconsistencies {
		counts[issue.Type]++
	}
	for t, n := range counts {
		cmd.Printf("  - %s: %d\n", t, n)
	}
	cmd.Println("Run 'codesearch index --force' to rebuild, or 'codesearch compact' to drop orphans.")
}

// doctorError is a custom error for doctor command failures.
type doctorError struct {
	message string
}

func (e *doctorError) Error() string {
	return e.message
}

// JSONOutput is the structure for JSON output.
type JSONOutput struct {
	Status   string             `json:"status"`
	Checks   []JSONCheckResult  `json:"checks"`
	Warnings []string           `json:"warnings,omitempty"`
	Errors   []string           `json:"errors,omitempty"`
}

// JSONCheckResult is a single check result for JSON output.
type JSONCheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

func outputJSON(cmd *cobra.Command, checker *preflight.Checker, results []preflight.CheckResult) error {
	output := JSONOutput{
		Status: checker.SummaryStatus(results),
		Checks: make([]JSONCheckResult, len(results)),
	}

	for i, r := range results {
		output.Checks[i] = JSONCheckResult{
			Name:     r.Name,
			Status:   statusToString(r.Status),
			Message:  r.Message,
			Required: r.Required,
			Details:  r.Details,
		}

		if r.IsCritical() {
			output.Errors = append(output.Errors, r.Name+": "+r.Message)
		} else if r.Status == preflight.StatusWarn {
			output.Warnings = append(output.Warnings, r.Name+": "+r.Message)
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func statusToString(s preflight.CheckStatus) string {
	switch s {
	case preflight.StatusPass:
		return "pass"
	case preflight.StatusWarn:
		return "warn"
	case preflight.StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

func formatDuration(d interface{ Hours() float64 }) string {
	hours := d.Hours()
	if hours < 1 {
		return "less than 1 hour"
	}
	if hours < 24 {
		return formatHours(int(hours))
	}
	days := int(hours / 24)
	if days == 1 {
		return "1 day"
	}
	return formatDays(days)
}

func formatHours(h int) string {
	if h == 1 {
		return "1 hour"
	}
	return string(rune('0'+h/10)) + string(rune('0'+h%10)) + " hours"
}

func formatDays(d int) string {
	if d < 10 {
		return string(rune('0'+d)) + " days"
	}
	return string(rune('0'+d/10)) + string(rune('0'+d%10)) + " days"
}
