package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"github.com/shopspring/decimal"
)

type Outcome struct {
	PlanillaId       int             `json:"planilla_id"`
	Validated        bool            `json:"validated"`
	AlreadyValidated bool            `json:"already_validated"`
	Total            decimal.Decimal `json:"total"`
	Sum              decimal.Decimal `json:"sum"`
	Difference       decimal.Decimal `json:"difference"`
}

// Reconcile compares a planilla's concept sum with its total and marks it
// validated when they agree within models.ValidationTolerance.
// A validated planilla is never touched again.
func Reconcile(ctx context.Context, store models.LedgerStore, planillaId int) (Outcome, error) {
	planilla, err := store.GetPlanilla(ctx, planillaId)
	if err != nil {
		return Outcome{PlanillaId: planillaId}, err
	}
	sum, err := store.SumConceptos(ctx, planillaId)
	if err != nil {
		return Outcome{PlanillaId: planillaId}, err
	}

	out := Outcome{
		PlanillaId: planillaId,
		Total:      planilla.TotalAmount,
		Sum:        sum,
		Difference: planilla.TotalAmount.Sub(sum),
	}
	if planilla.IsValidated {
		out.Validated = true
		out.AlreadyValidated = true
		return out, nil
	}
	if !models.WithinTolerance(planilla.TotalAmount, sum) {
		return out, nil
	}
	if err := store.MarkPlanillaValidated(ctx, planillaId); err != nil {
		return out, err
	}
	out.Validated = true
	return out, nil
}
