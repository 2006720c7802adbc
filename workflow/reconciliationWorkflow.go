package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("revenue_backend/workflow")

// Vinculacion maps every outstanding planilla of a form type to one budget code.
type Vinculacion struct {
	FormCode     string `json:"form_code" validate:"required"`
	BudgetCodeId int    `json:"budget_code_id" validate:"required,gt=0"`
}

type BatchResult struct {
	Processed       int      `json:"processed"`
	ConceptsCreated int      `json:"conceptsCreated"`
	Validated       int      `json:"validated"`
	Skipped         int      `json:"skipped"`
	Errors          []string `json:"errors"`
}

type ProjectionRefresher interface {
	RefreshProjections(ctx context.Context) error
}

type Orchestrator struct {
	Store     models.ReconciliationStore
	Resolver  ReferenceResolver
	Refresher ProjectionRefresher
	Logger    *logrus.Logger

	// MappingWorkers > 1 processes that many mappings concurrently.
	// Planillas of a single mapping are always sequential.
	MappingWorkers int

	mappingOffset int
}

func NewOrchestrator(store models.ReconciliationStore, refresher ProjectionRefresher, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Orchestrator{
		Store:          store,
		Resolver:       StoreResolver{Store: store},
		Refresher:      refresher,
		Logger:         logger,
		MappingWorkers: config.ReconciliationMappingWorkers(),
	}
}

// WithResolver returns a copy that resolves references through r, e.g. the
// request-scoped dataloaders.
func (o *Orchestrator) WithResolver(r ReferenceResolver) *Orchestrator {
	cp := *o
	if r != nil {
		cp.Resolver = r
	}
	return &cp
}

// WithMappingOffset returns a copy that numbers mappings from offset+1 in
// error messages, for callers that submit one list in chunks.
func (o *Orchestrator) WithMappingOffset(offset int) *Orchestrator {
	cp := *o
	cp.mappingOffset = offset
	return &cp
}

type mappingResult struct {
	processed int
	created   int
	validated int
	skipped   int
	errors    []string
}

// ProcessBatch classifies every outstanding planilla of each mapping's form,
// validates what balances and refreshes the projections once at the end.
// Per-planilla failures are reported in BatchResult.Errors; the returned error
// is only set when nothing was attempted. Cancelling ctx does not stop a batch
// that has started.
func (o *Orchestrator) ProcessBatch(ctx context.Context, mappings []Vinculacion) (BatchResult, error) {
	result := BatchResult{Errors: []string{}}
	if len(mappings) == 0 {
		return result, ErrEmptyBatch
	}
	// A started batch runs to the end and always reaches the refresh, even if
	// the caller goes away; values such as the correlation id are kept.
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "reconciliation.ProcessBatch", trace.WithAttributes(attribute.Int("mappings", len(mappings))))
	defer span.End()

	correlationId := utils.CorrelationIdOrNew(ctx)
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	logger := o.logger()

	formas, codes, err := o.resolveReferences(ctx, mappings)
	if err != nil {
		span.RecordError(err)
		config.LogError(logger, "reconciliationWorkflow.go", "ProcessBatch", "resolving references", mappings, err)
		return result, fmt.Errorf("resolve references: %w", err)
	}

	results := make([]mappingResult, len(mappings))
	workers := o.MappingWorkers
	if workers <= 1 || len(mappings) == 1 {
		for i, m := range mappings {
			results[i] = o.processMapping(ctx, i, m, formas, codes)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, m := range mappings {
			i, m := i, m
			g.Go(func() error {
				results[i] = o.processMapping(gctx, i, m, formas, codes)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range results {
		result.Processed += r.processed
		result.ConceptsCreated += r.created
		result.Validated += r.validated
		result.Skipped += r.skipped
		result.Errors = append(result.Errors, r.errors...)
	}

	o.refreshAfterBatch(ctx, correlationId)

	span.SetAttributes(
		attribute.Int("processed", result.Processed),
		attribute.Int("concepts_created", result.ConceptsCreated),
		attribute.Int("validated", result.Validated),
		attribute.Int("skipped", result.Skipped),
		attribute.Int("errors", len(result.Errors)),
	)
	username, _ := utils.GetUsernameFromContext(ctx)
	logger.WithFields(logrus.Fields{
		"field":            "ProcessBatch",
		"correlation_id":   correlationId,
		"username":         username,
		"mappings":         len(mappings),
		"processed":        result.Processed,
		"concepts_created": result.ConceptsCreated,
		"validated":        result.Validated,
		"skipped":          result.Skipped,
		"errors":           len(result.Errors),
	}).Info("reconciliation batch finished")
	return result, nil
}

func (o *Orchestrator) resolveReferences(ctx context.Context, mappings []Vinculacion) (map[string]*models.Forma, map[int]*models.CodigoPresupuestario, error) {
	formCodes := make([]string, 0, len(mappings))
	budgetIds := make([]int, 0, len(mappings))
	for _, m := range mappings {
		formCodes = append(formCodes, m.FormCode)
		budgetIds = append(budgetIds, m.BudgetCodeId)
	}
	resolver := o.Resolver
	if resolver == nil {
		resolver = StoreResolver{Store: o.Store}
	}
	formas, err := resolver.ResolveFormas(ctx, utils.UniqueSlice(formCodes))
	if err != nil {
		return nil, nil, err
	}
	codes, err := resolver.ResolveBudgetCodes(ctx, utils.UniqueSlice(budgetIds))
	if err != nil {
		return nil, nil, err
	}
	return formas, codes, nil
}

func (o *Orchestrator) processMapping(ctx context.Context, idx int, m Vinculacion, formas map[string]*models.Forma, codes map[int]*models.CodigoPresupuestario) mappingResult {
	var r mappingResult
	num := o.mappingOffset + idx + 1
	if formas[m.FormCode] == nil {
		r.errors = append(r.errors, fmt.Sprintf("mapping %d: %s %q", num, ErrUnknownFormCode, m.FormCode))
		return r
	}
	if codes[m.BudgetCodeId] == nil {
		r.errors = append(r.errors, fmt.Sprintf("mapping %d: %s %d", num, ErrUnknownBudgetCode, m.BudgetCodeId))
		return r
	}

	ctx, span := tracer.Start(ctx, "reconciliation.processMapping", trace.WithAttributes(
		attribute.String("form_code", m.FormCode),
		attribute.Int("budget_code_id", m.BudgetCodeId),
	))
	defer span.End()

	refs, err := o.Store.ListOutstanding(ctx, m.FormCode)
	if err != nil {
		config.LogError(o.logger(), "reconciliationWorkflow.go", "processMapping", "ListOutstanding", m, err)
		r.errors = append(r.errors, fmt.Sprintf("mapping %d: listing outstanding planillas of form %s: %s", num, m.FormCode, err.Error()))
		return r
	}

	for _, ref := range refs {
		outcome, err := o.classifyPlanilla(ctx, ref.PlanillaId, m.BudgetCodeId)
		if errors.Is(err, ErrAlreadyClassified) {
			r.skipped++
			continue
		}
		r.processed++
		if err != nil {
			config.LogError(o.logger(), "reconciliationWorkflow.go", "processMapping", "classifyPlanilla", ref, err)
			r.errors = append(r.errors, fmt.Sprintf("planilla %d (form %s): %s", ref.PlanillaId, m.FormCode, describeError(err)))
			continue
		}
		r.created++
		if outcome.Validated && !outcome.AlreadyValidated {
			r.validated++
		}
	}
	return r
}

// classifyPlanilla runs create+reconcile for one planilla in its own
// transaction. The row lock and the zero-concept re-check make a concurrent
// batch on the same planilla a skip rather than a second concept.
func (o *Orchestrator) classifyPlanilla(ctx context.Context, planillaId int, budgetCodeId int) (Outcome, error) {
	var outcome Outcome
	err := o.Store.Transaction(ctx, func(tx models.ReconciliationStore) error {
		planilla, err := tx.LockPlanilla(ctx, planillaId)
		if err != nil {
			return err
		}
		n, err := tx.CountConceptos(ctx, planillaId)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyClassified
		}
		if _, err := CreateConcept(ctx, tx, planillaId, budgetCodeId, planilla.TotalAmount); err != nil {
			return &stepError{step: "create concept", err: err}
		}
		outcome, err = Reconcile(ctx, tx, planillaId)
		if err != nil {
			return &stepError{step: "reconcile", err: err}
		}
		return nil
	})
	return outcome, err
}

func (o *Orchestrator) refreshAfterBatch(ctx context.Context, correlationId string) {
	if o.Refresher == nil {
		return
	}
	if skip, ok := utils.GetSkipProjectionRefreshFromContext(ctx); ok && skip {
		return
	}
	if err := o.Refresher.RefreshProjections(ctx); err != nil {
		o.logger().WithFields(logrus.Fields{
			"field":          "ProcessBatch",
			"correlation_id": correlationId,
		}).Warn("projection refresh after batch failed; projections stay stale until the next refresh: " + err.Error())
	}
}

func (o *Orchestrator) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return config.GetLogger()
}

type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func describeError(err error) string {
	var se *stepError
	if errors.As(err, &se) {
		return se.step + ": " + models.DescribeWriteError(se.err)
	}
	return models.DescribeWriteError(err)
}
