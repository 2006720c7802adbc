package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"github.com/shopspring/decimal"
)

// CreateConcept attributes the whole of a planilla's total to one budget code.
// It writes exactly one concepto and leaves is_validated alone. Calling it twice
// for the same planilla writes two rows; callers that need at-most-once must
// hold the planilla lock and check CountConceptos first (see Orchestrator).
func CreateConcept(ctx context.Context, store models.LedgerStore, planillaId int, budgetCodeId int, amount decimal.Decimal) (int, error) {
	planilla, err := store.GetPlanilla(ctx, planillaId)
	if err != nil {
		return 0, err
	}
	if !amount.Equal(planilla.TotalAmount) {
		return 0, fmt.Errorf("%w: planilla %d total %s, got %s", ErrPartialAttribution, planillaId, planilla.TotalAmount.String(), amount.String())
	}

	concepto := &models.Concepto{
		PlanillaId:    planillaId,
		BudgetCodeId:  budgetCodeId,
		Amount:        amount,
		CorrelationId: utils.CorrelationIdOrNew(ctx),
	}
	if err := store.InsertConcepto(ctx, concepto); err != nil {
		return 0, err
	}
	return concepto.ID, nil
}
