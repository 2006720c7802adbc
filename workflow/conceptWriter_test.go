package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
)

func TestCreateConcept_WholeAmountCreatesOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := CreateConcept(ctx, f.store, f.f1[1], f.k1, dec("250.50"))
	if err != nil {
		t.Fatalf("CreateConcept() error = %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a concept id")
	}
	rows := f.store.ConceptosOf(f.f1[1])
	if len(rows) != 1 {
		t.Fatalf("expected 1 concept, got %d", len(rows))
	}
	if !rows[0].Amount.Equal(dec("250.50")) || rows[0].BudgetCodeId != f.k1 {
		t.Fatalf("unexpected concept %+v", rows[0])
	}
	p, _ := f.store.Planilla(f.f1[1])
	if p.IsValidated {
		t.Fatalf("CreateConcept must not validate the planilla")
	}
}

func TestCreateConcept_RejectsPartialAttribution(t *testing.T) {
	f := newFixture(t)

	_, err := CreateConcept(context.Background(), f.store, f.f1[0], f.k1, dec("99.99"))
	if !errors.Is(err, ErrPartialAttribution) {
		t.Fatalf("expected ErrPartialAttribution, got %v", err)
	}
	if n := len(f.store.ConceptosOf(f.f1[0])); n != 0 {
		t.Fatalf("expected no concept written, got %d", n)
	}
}

func TestCreateConcept_UnknownPlanilla(t *testing.T) {
	f := newFixture(t)

	_, err := CreateConcept(context.Background(), f.store, 9999, f.k1, dec("1"))
	if !errors.Is(err, ErrPlanillaNotFound) {
		t.Fatalf("expected ErrPlanillaNotFound, got %v", err)
	}
}

func TestCreateConcept_CarriesCorrelationId(t *testing.T) {
	f := newFixture(t)
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")

	if _, err := CreateConcept(ctx, f.store, f.f1[0], f.k1, dec("100.00")); err != nil {
		t.Fatalf("CreateConcept() error = %v", err)
	}
	if got := f.store.ConceptosOf(f.f1[0])[0].CorrelationId; got != "corr-1" {
		t.Fatalf("correlation id = %q, want corr-1", got)
	}
}

// Two writers racing on the same planilla without the orchestrator's lock end
// up with a doubled sum, which Reconcile refuses to validate.
func TestCreateConcept_ConcurrentDoubleWriteIsNotValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.f1[0]

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := CreateConcept(ctx, f.store, id, f.k1, dec("100.00"))
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("CreateConcept() error = %v", err)
		}
	}

	out, err := Reconcile(ctx, f.store, id)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if out.Validated {
		t.Fatalf("planilla with doubled sum must not validate: %+v", out)
	}
	if !out.Sum.Equal(dec("200.00")) {
		t.Fatalf("sum = %s, want 200.00", out.Sum)
	}
	var p models.Planilla
	p, _ = f.store.Planilla(id)
	if p.IsValidated {
		t.Fatalf("planilla flag flipped")
	}
}
