// Package memstore is an in-memory models.ReconciliationStore. Transactions
// snapshot the whole state and restore it when the callback fails, so tests can
// exercise rollback without MySQL.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"github.com/shopspring/decimal"
)

type state struct {
	formas       map[string]models.Forma
	codes        map[int]models.CodigoPresupuestario
	planillas    map[int]models.Planilla
	conceptos    []models.Concepto
	pending      []models.PendingWorkProjection
	nonValidated []models.NonValidatedAggregate
	refresh      map[string]models.ProjectionRefreshState
	nextPlanilla int
	nextConcepto int
	nextCode     int
}

func newState() *state {
	return &state{
		formas:    map[string]models.Forma{},
		codes:     map[int]models.CodigoPresupuestario{},
		planillas: map[int]models.Planilla{},
		refresh:   map[string]models.ProjectionRefreshState{},
	}
}

func (s *state) clone() *state {
	c := &state{
		formas:       make(map[string]models.Forma, len(s.formas)),
		codes:        make(map[int]models.CodigoPresupuestario, len(s.codes)),
		planillas:    make(map[int]models.Planilla, len(s.planillas)),
		conceptos:    append([]models.Concepto(nil), s.conceptos...),
		pending:      append([]models.PendingWorkProjection(nil), s.pending...),
		nonValidated: append([]models.NonValidatedAggregate(nil), s.nonValidated...),
		refresh:      make(map[string]models.ProjectionRefreshState, len(s.refresh)),
		nextPlanilla: s.nextPlanilla,
		nextConcepto: s.nextConcepto,
		nextCode:     s.nextCode,
	}
	for k, v := range s.formas {
		c.formas[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.planillas {
		c.planillas[k] = v
	}
	for k, v := range s.refresh {
		c.refresh[k] = v
	}
	return c
}

// Hooks inject failures. A nil hook never fails.
type Hooks struct {
	InsertConcepto        func(c *models.Concepto) error
	MarkPlanillaValidated func(id int) error
	ListOutstanding       func(formCode string) error
	RebuildProjections    func() error
}

// Store is safe for concurrent use; a transaction holds the store lock for its
// whole duration, which stands in for row locks.
type Store struct {
	mu    sync.Mutex
	st    *state
	calls int

	Hooks Hooks
}

func New() *Store {
	return &Store{st: newState()}
}

// Calls is the number of interface methods invoked so far (seeding helpers excluded).
func (s *Store) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

/* seeding and inspection */

func (s *Store) AddForma(code, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.formas[code] = models.Forma{FormCode: code, DisplayName: displayName}
}

func (s *Store) AddCodigoPresupuestario(code, designation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextCode++
	id := s.st.nextCode
	s.st.codes[id] = models.CodigoPresupuestario{ID: id, Code: code, Designation: designation}
	return id
}

// AddPlanilla inserts an unclassified planilla. It does not touch the projections.
func (s *Store) AddPlanilla(formCode string, amount decimal.Decimal, date time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextPlanilla++
	id := s.st.nextPlanilla
	s.st.planillas[id] = models.Planilla{
		ID:              id,
		FormCode:        formCode,
		TotalAmount:     amount,
		TransactionDate: date,
		CreatedAt:       date,
		UpdatedAt:       date,
	}
	return id
}

func (s *Store) Planilla(id int) (models.Planilla, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.planillas[id]
	return p, ok
}

func (s *Store) ConceptosOf(planillaId int) []models.Concepto {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Concepto
	for _, c := range s.st.conceptos {
		if c.PlanillaId == planillaId {
			out = append(out, c)
		}
	}
	return out
}

// SetProjectionRow puts a row straight into the pending-work projection,
// simulating a stale projection.
func (s *Store) SetProjectionRow(row models.PendingWorkProjection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.pending = append(s.st.pending, row)
}

/* models.ReconciliationStore on the root store */

func (s *Store) enter() *state {
	s.mu.Lock()
	s.calls++
	return s.st
}

func (s *Store) leave() { s.mu.Unlock() }

func (s *Store) Transaction(ctx context.Context, fn func(tx models.ReconciliationStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	snapshot := s.st.clone()
	if err := fn(&txView{store: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) FindFormas(ctx context.Context, codes []string) ([]*models.Forma, error) {
	st := s.enter()
	defer s.leave()
	return st.findFormas(codes), nil
}

func (s *Store) FindCodigosPresupuestarios(ctx context.Context, ids []int) ([]*models.CodigoPresupuestario, error) {
	st := s.enter()
	defer s.leave()
	return st.findCodes(ids), nil
}

func (s *Store) ListCodigosPresupuestarios(ctx context.Context) ([]*models.CodigoPresupuestario, error) {
	st := s.enter()
	defer s.leave()
	return st.listCodes(), nil
}

func (s *Store) ListOutstanding(ctx context.Context, formCode string) ([]models.PlanillaRef, error) {
	st := s.enter()
	defer s.leave()
	if s.Hooks.ListOutstanding != nil {
		if err := s.Hooks.ListOutstanding(formCode); err != nil {
			return nil, err
		}
	}
	return st.listOutstanding(formCode), nil
}

func (s *Store) ListOutstandingPage(ctx context.Context, offset, limit int) ([]models.PlanillaRef, int64, error) {
	st := s.enter()
	defer s.leave()
	items, total := st.listOutstandingPage(offset, limit)
	return items, total, nil
}

func (s *Store) AggregateOutstandingByForm(ctx context.Context) ([]models.FormAggregate, error) {
	st := s.enter()
	defer s.leave()
	return st.aggregateOutstanding(), nil
}

func (s *Store) OutstandingTotalAmount(ctx context.Context) (decimal.Decimal, error) {
	st := s.enter()
	defer s.leave()
	total := decimal.Zero
	for _, r := range st.pending {
		total = total.Add(r.TotalAmount)
	}
	return total, nil
}

func (s *Store) ListNonValidatedAggregates(ctx context.Context) ([]models.NonValidatedAggregate, error) {
	st := s.enter()
	defer s.leave()
	return append([]models.NonValidatedAggregate(nil), st.nonValidated...), nil
}

func (s *Store) GetProjectionRefreshStates(ctx context.Context) ([]models.ProjectionRefreshState, error) {
	st := s.enter()
	defer s.leave()
	return st.refreshStates(), nil
}

func (s *Store) GetPlanilla(ctx context.Context, id int) (*models.Planilla, error) {
	st := s.enter()
	defer s.leave()
	return st.getPlanilla(id)
}

func (s *Store) LockPlanilla(ctx context.Context, id int) (*models.Planilla, error) {
	return s.GetPlanilla(ctx, id)
}

func (s *Store) CountConceptos(ctx context.Context, planillaId int) (int64, error) {
	st := s.enter()
	defer s.leave()
	return st.countConceptos(planillaId), nil
}

func (s *Store) InsertConcepto(ctx context.Context, c *models.Concepto) error {
	st := s.enter()
	defer s.leave()
	return st.insertConcepto(s.Hooks, c)
}

func (s *Store) SumConceptos(ctx context.Context, planillaId int) (decimal.Decimal, error) {
	st := s.enter()
	defer s.leave()
	return st.sumConceptos(planillaId), nil
}

func (s *Store) MarkPlanillaValidated(ctx context.Context, id int) error {
	st := s.enter()
	defer s.leave()
	return st.markValidated(s.Hooks, id)
}

func (s *Store) RebuildProjections(ctx context.Context, refreshedAt time.Time) ([]models.ProjectionRefreshState, error) {
	st := s.enter()
	defer s.leave()
	return st.rebuild(s.Hooks, refreshedAt)
}

func (s *Store) RecordProjectionRefreshFailure(ctx context.Context, at time.Time, cause error) error {
	st := s.enter()
	defer s.leave()
	st.recordFailure(at, cause)
	return nil
}

/* txView runs with the store lock already held */

type txView struct {
	store *Store
}

func (v *txView) st() *state {
	v.store.calls++
	return v.store.st
}

func (v *txView) Transaction(ctx context.Context, fn func(tx models.ReconciliationStore) error) error {
	snapshot := v.st().clone()
	if err := fn(v); err != nil {
		v.store.st = snapshot
		return err
	}
	return nil
}

func (v *txView) FindFormas(ctx context.Context, codes []string) ([]*models.Forma, error) {
	return v.st().findFormas(codes), nil
}

func (v *txView) FindCodigosPresupuestarios(ctx context.Context, ids []int) ([]*models.CodigoPresupuestario, error) {
	return v.st().findCodes(ids), nil
}

func (v *txView) ListCodigosPresupuestarios(ctx context.Context) ([]*models.CodigoPresupuestario, error) {
	return v.st().listCodes(), nil
}

func (v *txView) ListOutstanding(ctx context.Context, formCode string) ([]models.PlanillaRef, error) {
	return v.st().listOutstanding(formCode), nil
}

func (v *txView) ListOutstandingPage(ctx context.Context, offset, limit int) ([]models.PlanillaRef, int64, error) {
	items, total := v.st().listOutstandingPage(offset, limit)
	return items, total, nil
}

func (v *txView) AggregateOutstandingByForm(ctx context.Context) ([]models.FormAggregate, error) {
	return v.st().aggregateOutstanding(), nil
}

func (v *txView) OutstandingTotalAmount(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range v.st().pending {
		total = total.Add(r.TotalAmount)
	}
	return total, nil
}

func (v *txView) ListNonValidatedAggregates(ctx context.Context) ([]models.NonValidatedAggregate, error) {
	return append([]models.NonValidatedAggregate(nil), v.st().nonValidated...), nil
}

func (v *txView) GetProjectionRefreshStates(ctx context.Context) ([]models.ProjectionRefreshState, error) {
	return v.st().refreshStates(), nil
}

func (v *txView) GetPlanilla(ctx context.Context, id int) (*models.Planilla, error) {
	return v.st().getPlanilla(id)
}

func (v *txView) LockPlanilla(ctx context.Context, id int) (*models.Planilla, error) {
	return v.st().getPlanilla(id)
}

func (v *txView) CountConceptos(ctx context.Context, planillaId int) (int64, error) {
	return v.st().countConceptos(planillaId), nil
}

func (v *txView) InsertConcepto(ctx context.Context, c *models.Concepto) error {
	return v.st().insertConcepto(v.store.Hooks, c)
}

func (v *txView) SumConceptos(ctx context.Context, planillaId int) (decimal.Decimal, error) {
	return v.st().sumConceptos(planillaId), nil
}

func (v *txView) MarkPlanillaValidated(ctx context.Context, id int) error {
	return v.st().markValidated(v.store.Hooks, id)
}

func (v *txView) RebuildProjections(ctx context.Context, refreshedAt time.Time) ([]models.ProjectionRefreshState, error) {
	return v.st().rebuild(v.store.Hooks, refreshedAt)
}

func (v *txView) RecordProjectionRefreshFailure(ctx context.Context, at time.Time, cause error) error {
	v.st().recordFailure(at, cause)
	return nil
}

/* state operations */

func (s *state) findFormas(codes []string) []*models.Forma {
	var out []*models.Forma
	for _, code := range codes {
		if f, ok := s.formas[code]; ok {
			f := f
			out = append(out, &f)
		}
	}
	return out
}

func (s *state) findCodes(ids []int) []*models.CodigoPresupuestario {
	var out []*models.CodigoPresupuestario
	for _, id := range ids {
		if c, ok := s.codes[id]; ok {
			c := c
			out = append(out, &c)
		}
	}
	return out
}

func (s *state) listCodes() []*models.CodigoPresupuestario {
	out := make([]*models.CodigoPresupuestario, 0, len(s.codes))
	for _, c := range s.codes {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *state) sortedPending() []models.PendingWorkProjection {
	rows := append([]models.PendingWorkProjection(nil), s.pending...)
	sort.SliceStable(rows, func(i, j int) bool {
		if c := rows[i].TotalAmount.Cmp(rows[j].TotalAmount); c != 0 {
			return c > 0
		}
		return rows[i].PlanillaId < rows[j].PlanillaId
	})
	return rows
}

func toRef(r models.PendingWorkProjection) models.PlanillaRef {
	return models.PlanillaRef{
		PlanillaId:      r.PlanillaId,
		FormCode:        r.FormCode,
		FormDisplayName: r.FormDisplayName,
		TotalAmount:     r.TotalAmount,
		TransactionDate: r.TransactionDate,
	}
}

func (s *state) listOutstanding(formCode string) []models.PlanillaRef {
	var out []models.PlanillaRef
	for _, r := range s.sortedPending() {
		if r.FormCode == formCode {
			out = append(out, toRef(r))
		}
	}
	return out
}

func (s *state) listOutstandingPage(offset, limit int) ([]models.PlanillaRef, int64) {
	rows := s.sortedPending()
	total := int64(len(rows))
	out := []models.PlanillaRef{}
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < len(rows) && i < offset+limit; i++ {
		out = append(out, toRef(rows[i]))
	}
	return out, total
}

func (s *state) aggregateOutstanding() []models.FormAggregate {
	byForm := map[string]*models.FormAggregate{}
	var order []string
	for _, r := range s.pending {
		agg, ok := byForm[r.FormCode]
		if !ok {
			agg = &models.FormAggregate{FormCode: r.FormCode, DisplayName: r.FormDisplayName, TotalAmount: decimal.Zero}
			byForm[r.FormCode] = agg
			order = append(order, r.FormCode)
		}
		agg.Count++
		agg.TotalAmount = agg.TotalAmount.Add(r.TotalAmount)
	}
	out := make([]models.FormAggregate, 0, len(order))
	for _, code := range order {
		out = append(out, *byForm[code])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].TotalAmount.Cmp(out[j].TotalAmount); c != 0 {
			return c > 0
		}
		return out[i].FormCode < out[j].FormCode
	})
	return out
}

func (s *state) refreshStates() []models.ProjectionRefreshState {
	out := make([]models.ProjectionRefreshState, 0, len(s.refresh))
	for _, r := range s.refresh {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) getPlanilla(id int) (*models.Planilla, error) {
	p, ok := s.planillas[id]
	if !ok {
		return nil, models.ErrPlanillaNotFound
	}
	return &p, nil
}

func (s *state) countConceptos(planillaId int) int64 {
	var n int64
	for _, c := range s.conceptos {
		if c.PlanillaId == planillaId {
			n++
		}
	}
	return n
}

var errForeignKey = errors.New("foreign key violation")

func (s *state) insertConcepto(h Hooks, c *models.Concepto) error {
	if h.InsertConcepto != nil {
		if err := h.InsertConcepto(c); err != nil {
			return err
		}
	}
	if _, ok := s.planillas[c.PlanillaId]; !ok {
		return errForeignKey
	}
	if _, ok := s.codes[c.BudgetCodeId]; !ok {
		return errForeignKey
	}
	s.nextConcepto++
	c.ID = s.nextConcepto
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conceptos = append(s.conceptos, *c)
	return nil
}

func (s *state) sumConceptos(planillaId int) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range s.conceptos {
		if c.PlanillaId == planillaId {
			sum = sum.Add(c.Amount)
		}
	}
	return sum
}

func (s *state) markValidated(h Hooks, id int) error {
	if h.MarkPlanillaValidated != nil {
		if err := h.MarkPlanillaValidated(id); err != nil {
			return err
		}
	}
	p, ok := s.planillas[id]
	if !ok || p.IsValidated {
		return nil
	}
	p.IsValidated = true
	s.planillas[id] = p
	return nil
}

func (s *state) rebuild(h Hooks, refreshedAt time.Time) ([]models.ProjectionRefreshState, error) {
	if h.RebuildProjections != nil {
		if err := h.RebuildProjections(); err != nil {
			return nil, err
		}
	}
	classified := map[int]bool{}
	for _, c := range s.conceptos {
		classified[c.PlanillaId] = true
	}

	ids := make([]int, 0, len(s.planillas))
	for id := range s.planillas {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	displayName := func(code string) string {
		if f, ok := s.formas[code]; ok {
			return f.DisplayName
		}
		return code
	}

	pending := []models.PendingWorkProjection{}
	aggs := map[string]*models.NonValidatedAggregate{}
	var aggOrder []string
	for _, id := range ids {
		p := s.planillas[id]
		if !classified[id] {
			pending = append(pending, models.PendingWorkProjection{
				PlanillaId:      p.ID,
				FormCode:        p.FormCode,
				FormDisplayName: displayName(p.FormCode),
				TotalAmount:     p.TotalAmount,
				TransactionDate: p.TransactionDate,
			})
		}
		if !p.IsValidated {
			agg, ok := aggs[p.FormCode]
			if !ok {
				agg = &models.NonValidatedAggregate{FormCode: p.FormCode, FormDisplayName: displayName(p.FormCode), TotalAmount: decimal.Zero}
				aggs[p.FormCode] = agg
				aggOrder = append(aggOrder, p.FormCode)
			}
			agg.PlanillaCount++
			agg.TotalAmount = agg.TotalAmount.Add(p.TotalAmount)
		}
	}
	nonValidated := make([]models.NonValidatedAggregate, 0, len(aggOrder))
	for _, code := range aggOrder {
		nonValidated = append(nonValidated, *aggs[code])
	}
	sort.SliceStable(nonValidated, func(i, j int) bool {
		if c := nonValidated[i].TotalAmount.Cmp(nonValidated[j].TotalAmount); c != 0 {
			return c > 0
		}
		return nonValidated[i].FormCode < nonValidated[j].FormCode
	})

	s.pending = pending
	s.nonValidated = nonValidated
	states := []models.ProjectionRefreshState{
		{Name: models.ProjectionNonValidated, RefreshedAt: refreshedAt, RowCount: int64(len(nonValidated)), UpdatedAt: refreshedAt},
		{Name: models.ProjectionPendingWork, RefreshedAt: refreshedAt, RowCount: int64(len(pending)), UpdatedAt: refreshedAt},
	}
	for _, st := range states {
		s.refresh[st.Name] = st
	}
	return states, nil
}

func (s *state) recordFailure(at time.Time, cause error) {
	msg := cause.Error()
	for _, name := range []string{models.ProjectionPendingWork, models.ProjectionNonValidated} {
		st := s.refresh[name]
		st.Name = name
		st.LastError = &msg
		st.UpdatedAt = at
		s.refresh[name] = st
	}
}
