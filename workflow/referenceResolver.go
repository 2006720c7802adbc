package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
)

// ReferenceResolver looks up the catalogs a batch refers to in bulk.
// Missing keys are simply absent from the returned maps.
type ReferenceResolver interface {
	ResolveFormas(ctx context.Context, codes []string) (map[string]*models.Forma, error)
	ResolveBudgetCodes(ctx context.Context, ids []int) (map[int]*models.CodigoPresupuestario, error)
}

// StoreResolver resolves straight from the store, one query per catalog.
type StoreResolver struct {
	Store models.ReferenceStore
}

func (r StoreResolver) ResolveFormas(ctx context.Context, codes []string) (map[string]*models.Forma, error) {
	result := make(map[string]*models.Forma, len(codes))
	if len(codes) == 0 {
		return result, nil
	}
	formas, err := r.Store.FindFormas(ctx, codes)
	if err != nil {
		return nil, err
	}
	for _, f := range formas {
		result[f.FormCode] = f
	}
	return result, nil
}

func (r StoreResolver) ResolveBudgetCodes(ctx context.Context, ids []int) (map[int]*models.CodigoPresupuestario, error) {
	result := make(map[int]*models.CodigoPresupuestario, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	codes, err := r.Store.FindCodigosPresupuestarios(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range codes {
		result[c.ID] = c
	}
	return result, nil
}
