package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/models/memstore"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *memstore.Store
	k1    int
	k2    int
	f1    []int
}

// newFixture seeds form F1 with three outstanding planillas and two budget codes,
// then builds the projections.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	s.AddForma("F1", "Impuesto sobre la renta")
	s.AddForma("F2", "Patente municipal")
	f := &fixture{store: s}
	f.k1 = s.AddCodigoPresupuestario("K1", "Renta de personas")
	f.k2 = s.AddCodigoPresupuestario("K2", "Patentes")
	for _, amount := range []string{"100.00", "250.50", "0.01"} {
		f.f1 = append(f.f1, s.AddPlanilla("F1", dec(amount), testDate))
	}
	if _, err := s.RebuildProjections(context.Background(), testDate); err != nil {
		t.Fatalf("RebuildProjections() error = %v", err)
	}
	return f
}

func (f *fixture) orchestrator(refresher ProjectionRefresher) *Orchestrator {
	o := NewOrchestrator(f.store, refresher, quietLogger())
	o.MappingWorkers = 1
	return o
}

type refresherFunc func(ctx context.Context) error

func (fn refresherFunc) RefreshProjections(ctx context.Context) error { return fn(ctx) }
