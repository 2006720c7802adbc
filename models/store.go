package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceStore reads the immutable catalogs.
type ReferenceStore interface {
	FindFormas(ctx context.Context, codes []string) ([]*Forma, error)
	FindCodigosPresupuestarios(ctx context.Context, ids []int) ([]*CodigoPresupuestario, error)
	ListCodigosPresupuestarios(ctx context.Context) ([]*CodigoPresupuestario, error)
}

// ProjectionReader reads the derived read models. Results may be stale until the next refresh.
type ProjectionReader interface {
	// ListOutstanding returns outstanding planillas of one form, amount DESC then planilla id ASC.
	ListOutstanding(ctx context.Context, formCode string) ([]PlanillaRef, error)
	ListOutstandingPage(ctx context.Context, offset, limit int) ([]PlanillaRef, int64, error)
	AggregateOutstandingByForm(ctx context.Context) ([]FormAggregate, error)
	OutstandingTotalAmount(ctx context.Context) (decimal.Decimal, error)
	ListNonValidatedAggregates(ctx context.Context) ([]NonValidatedAggregate, error)
	GetProjectionRefreshStates(ctx context.Context) ([]ProjectionRefreshState, error)
}

// LedgerStore is the system of record for planillas and conceptos.
type LedgerStore interface {
	GetPlanilla(ctx context.Context, id int) (*Planilla, error)
	// LockPlanilla reads the planilla holding a row lock until the surrounding transaction ends.
	LockPlanilla(ctx context.Context, id int) (*Planilla, error)
	CountConceptos(ctx context.Context, planillaId int) (int64, error)
	InsertConcepto(ctx context.Context, c *Concepto) error
	SumConceptos(ctx context.Context, planillaId int) (decimal.Decimal, error)
	// MarkPlanillaValidated only ever sets is_validated to true.
	MarkPlanillaValidated(ctx context.Context, id int) error
}

// ProjectionMaintainer rebuilds the read models from the system of record.
type ProjectionMaintainer interface {
	RebuildProjections(ctx context.Context, refreshedAt time.Time) ([]ProjectionRefreshState, error)
	RecordProjectionRefreshFailure(ctx context.Context, at time.Time, cause error) error
}

type ReconciliationStore interface {
	ReferenceStore
	ProjectionReader
	LedgerStore
	ProjectionMaintainer

	// Transaction runs fn against a store bound to one DB transaction.
	// fn's error rolls back everything fn wrote.
	Transaction(ctx context.Context, fn func(tx ReconciliationStore) error) error
}
