package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"github.com/google/uuid"
)

// Reads a JSON array of {form_code, budget_code_id} and processes it in chunks,
// refreshing the projections once at the end instead of after every chunk.
func main() {
	file := flag.String("file", "", "Required: path to a JSON array of mappings")
	chunk := flag.Int("chunk", 20, "Optional: mappings per batch")
	dryRun := flag.Bool("dry-run", false, "Validate the file and exit")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	var mappings []workflow.Vinculacion
	if err := utils.UnmarshalFromJSON(raw, &mappings); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}
	if len(mappings) == 0 {
		fmt.Fprintln(os.Stderr, workflow.ErrEmptyBatch.Error())
		os.Exit(1)
	}
	for i := range mappings {
		if err := utils.ValidateStruct(mappings[i]); err != nil {
			fmt.Fprintf(os.Stderr, "mapping %d: %v\n", i+1, utils.ProcessValidationErrors(err))
			os.Exit(1)
		}
	}
	if *dryRun {
		fmt.Printf("%d mappings ok\n", len(mappings))
		return
	}
	size := *chunk
	if size <= 0 {
		size = len(mappings)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	logger := config.GetLogger()
	store := models.NewGormStore(db)
	refresher := workflow.NewProjectionRefreshService(store, config.GetRedisLock(), logger)
	orchestrator := workflow.NewOrchestrator(store, refresher, logger)

	ctx := utils.SetCorrelationIdInContext(context.Background(), uuid.NewString())
	ctx = utils.SetUsernameInContext(ctx, "reconcile-batch")
	batchCtx := utils.SetSkipProjectionRefreshInContext(ctx, true)

	total, err := processChunks(batchCtx, orchestrator, mappings, size, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := refresher.RefreshProjections(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "projection refresh failed, projections stay stale: %v\n", err)
	}

	for _, e := range total.Errors {
		fmt.Println("error:", e)
	}
	fmt.Printf("total: processed=%d created=%d validated=%d skipped=%d errors=%d\n",
		total.Processed, total.ConceptsCreated, total.Validated, total.Skipped, len(total.Errors))
	if len(total.Errors) > 0 {
		os.Exit(2)
	}
}

// processChunks submits mappings size at a time. Error messages keep the
// mapping's position in the whole file.
func processChunks(ctx context.Context, o *workflow.Orchestrator, mappings []workflow.Vinculacion, size int, w io.Writer) (workflow.BatchResult, error) {
	total := workflow.BatchResult{Errors: []string{}}
	for start := 0; start < len(mappings); start += size {
		end := min(start+size, len(mappings))
		res, err := o.WithMappingOffset(start).ProcessBatch(ctx, mappings[start:end])
		if err != nil {
			return total, fmt.Errorf("mappings %d-%d: %w", start+1, end, err)
		}
		total.Processed += res.Processed
		total.ConceptsCreated += res.ConceptsCreated
		total.Validated += res.Validated
		total.Skipped += res.Skipped
		total.Errors = append(total.Errors, res.Errors...)
		fmt.Fprintf(w, "mappings %d-%d: processed=%d created=%d validated=%d skipped=%d errors=%d\n",
			start+1, end, res.Processed, res.ConceptsCreated, res.Validated, res.Skipped, len(res.Errors))
	}
	return total, nil
}
