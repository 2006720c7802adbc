package reports

import (
	"context"
	"errors"
	"math"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageLimit = 25
	MaxPageLimit     = 200
)

var ErrInvalidPagination = errors.New("page must be >= 1 and limit must be between 1 and 200")

// QueryStore is the read side the reconciliation screens need.
type QueryStore interface {
	models.ReferenceStore
	models.ProjectionReader
}

type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

type OutstandingResponse struct {
	Items           []models.PlanillaRef           `json:"items"`
	FormAggregates  []models.FormAggregate         `json:"formAggregates"`
	BudgetCodes     []*models.CodigoPresupuestario `json:"budgetCodes"`
	Pagination      Pagination                     `json:"pagination"`
	TotalAmount     decimal.Decimal                `json:"totalAmount"`
	LastRefreshedAt *time.Time                     `json:"lastRefreshedAt"`
}

type FormDetailResponse struct {
	Form        *models.Forma        `json:"form"`
	Items       []models.PlanillaRef `json:"items"`
	Count       int                  `json:"count"`
	TotalAmount decimal.Decimal      `json:"totalAmount"`
}

type NonValidatedResponse struct {
	Items           []models.NonValidatedAggregate `json:"items"`
	PlanillaCount   int64                          `json:"planillaCount"`
	TotalAmount     decimal.Decimal                `json:"totalAmount"`
	LastRefreshedAt *time.Time                     `json:"lastRefreshedAt"`
}

type ReconciliationQueries struct {
	Store QueryStore
}

func NewReconciliationQueries(store QueryStore) *ReconciliationQueries {
	return &ReconciliationQueries{Store: store}
}

// Outstanding is one page of the needs-classification queue plus everything
// the classification screen shows next to it.
func (q *ReconciliationQueries) Outstanding(ctx context.Context, page, limit int) (*OutstandingResponse, error) {
	if page < 1 || limit < 1 || limit > MaxPageLimit || page > math.MaxInt/limit {
		return nil, ErrInvalidPagination
	}
	started := time.Now()
	defer logSlowReport(ctx, "Outstanding", started, map[string]any{"page": page, "limit": limit})

	resp := &OutstandingResponse{}
	var total int64
	var states []models.ProjectionRefreshState

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, n, err := q.Store.ListOutstandingPage(gctx, (page-1)*limit, limit)
		resp.Items, total = items, n
		return err
	})
	g.Go(func() error {
		aggs, err := q.Store.AggregateOutstandingByForm(gctx)
		resp.FormAggregates = aggs
		return err
	})
	g.Go(func() error {
		amount, err := q.Store.OutstandingTotalAmount(gctx)
		resp.TotalAmount = amount
		return err
	})
	g.Go(func() error {
		codes, err := q.BudgetCodes(gctx)
		resp.BudgetCodes = codes
		return err
	})
	g.Go(func() error {
		var err error
		states, err = q.Store.GetProjectionRefreshStates(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if resp.Items == nil {
		resp.Items = []models.PlanillaRef{}
	}
	if resp.FormAggregates == nil {
		resp.FormAggregates = []models.FormAggregate{}
	}
	if resp.BudgetCodes == nil {
		resp.BudgetCodes = []*models.CodigoPresupuestario{}
	}
	resp.Pagination = Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: utils.TotalPages(total, limit),
	}
	resp.LastRefreshedAt = lastRefreshedAt(states, models.ProjectionPendingWork)
	return resp, nil
}

// OutstandingByForm lists every outstanding planilla of one form.
func (q *ReconciliationQueries) OutstandingByForm(ctx context.Context, formCode string) (*FormDetailResponse, error) {
	started := time.Now()
	defer logSlowReport(ctx, "OutstandingByForm", started, map[string]any{"form_code": formCode})

	formas, err := q.Store.FindFormas(ctx, []string{formCode})
	if err != nil {
		return nil, err
	}
	if len(formas) == 0 {
		return nil, models.ErrFormNotFound
	}
	items, err := q.Store.ListOutstanding(ctx, formCode)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.PlanillaRef{}
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.TotalAmount)
	}
	return &FormDetailResponse{
		Form:        formas[0],
		Items:       items,
		Count:       len(items),
		TotalAmount: total,
	}, nil
}

// NonValidated is the currently-invalid aggregate per form.
func (q *ReconciliationQueries) NonValidated(ctx context.Context) (*NonValidatedResponse, error) {
	items, err := q.Store.ListNonValidatedAggregates(ctx)
	if err != nil {
		return nil, err
	}
	states, err := q.Store.GetProjectionRefreshStates(ctx)
	if err != nil {
		return nil, err
	}
	resp := &NonValidatedResponse{
		Items:           items,
		TotalAmount:     decimal.Zero,
		LastRefreshedAt: lastRefreshedAt(states, models.ProjectionNonValidated),
	}
	if resp.Items == nil {
		resp.Items = []models.NonValidatedAggregate{}
	}
	for _, it := range resp.Items {
		resp.PlanillaCount += it.PlanillaCount
		resp.TotalAmount = resp.TotalAmount.Add(it.TotalAmount)
	}
	return resp, nil
}

// BudgetCodes is the budget-code catalog, cached in redis when available.
func (q *ReconciliationQueries) BudgetCodes(ctx context.Context) ([]*models.CodigoPresupuestario, error) {
	return cachedList[models.CodigoPresupuestario](ctx, q.Store.ListCodigosPresupuestarios)
}

// InvalidateBudgetCodes drops the cached budget-code catalog so the next read
// goes to the store.
func (q *ReconciliationQueries) InvalidateBudgetCodes() error {
	return utils.RemoveRedisList[models.CodigoPresupuestario]()
}

func lastRefreshedAt(states []models.ProjectionRefreshState, name string) *time.Time {
	for _, st := range states {
		if st.Name == name && !st.RefreshedAt.IsZero() {
			t := st.RefreshedAt
			return &t
		}
	}
	return nil
}
