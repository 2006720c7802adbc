package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"github.com/graph-gophers/dataloader/v7"
)

type formaReader struct {
	store models.ReferenceStore
}

func (r *formaReader) getFormas(ctx context.Context, codes []string) []*dataloader.Result[*models.Forma] {
	results, err := r.store.FindFormas(ctx, codes)
	if err != nil {
		return handleError[*models.Forma](len(codes), err)
	}
	return generateLoaderResults(results, codes, func(f *models.Forma) string { return f.FormCode })
}

type budgetCodeReader struct {
	store models.ReferenceStore
}

func (r *budgetCodeReader) getBudgetCodes(ctx context.Context, ids []int) []*dataloader.Result[*models.CodigoPresupuestario] {
	results, err := r.store.FindCodigosPresupuestarios(ctx, ids)
	if err != nil {
		return handleError[*models.CodigoPresupuestario](len(ids), err)
	}
	return generateLoaderResults(results, ids, func(c *models.CodigoPresupuestario) int { return c.ID })
}
