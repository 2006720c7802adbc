package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap your data loaders to inject via middleware
type Loaders struct {
	FormaLoader      *dataloader.Loader[string, *models.Forma]
	BudgetCodeLoader *dataloader.Loader[int, *models.CodigoPresupuestario]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(store models.ReferenceStore) *Loaders {
	formaReader := &formaReader{store: store}
	budgetCodeReader := &budgetCodeReader{store: store}

	return &Loaders{
		FormaLoader:      dataloader.NewBatchedLoader(formaReader.getFormas, dataloader.WithWait[string, *models.Forma](time.Millisecond)),
		BudgetCodeLoader: dataloader.NewBatchedLoader(budgetCodeReader.getBudgetCodes, dataloader.WithWait[int, *models.CodigoPresupuestario](time.Millisecond)),
	}
}

// LoaderMiddleware attaches fresh loaders to every request so cached lookups
// never outlive it.
func LoaderMiddleware(store models.ReferenceStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(store)
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or nil outside LoaderMiddleware.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

// ResolveFormas loads forms through the batched loader. Unknown codes are left out.
func (l *Loaders) ResolveFormas(ctx context.Context, codes []string) (map[string]*models.Forma, error) {
	result := make(map[string]*models.Forma, len(codes))
	if len(codes) == 0 {
		return result, nil
	}
	formas, errs := l.FormaLoader.LoadMany(ctx, codes)()
	if err := firstError(errs); err != nil {
		return nil, err
	}
	for i, f := range formas {
		if f != nil {
			result[codes[i]] = f
		}
	}
	return result, nil
}

// ResolveBudgetCodes loads budget codes through the batched loader. Unknown ids are left out.
func (l *Loaders) ResolveBudgetCodes(ctx context.Context, ids []int) (map[int]*models.CodigoPresupuestario, error) {
	result := make(map[int]*models.CodigoPresupuestario, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	codes, errs := l.BudgetCodeLoader.LoadMany(ctx, ids)()
	if err := firstError(errs); err != nil {
		return nil, err
	}
	for i, c := range codes {
		if c != nil {
			result[ids[i]] = c
		}
	}
	return result, nil
}

func GetForma(ctx context.Context, code string) (*models.Forma, error) {
	return For(ctx).FormaLoader.Load(ctx, code)()
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders results by keys; missing keys get a nil Data, not an error.
func generateLoaderResults[K comparable, T any](results []*T, keys []K, keyOf func(*T) K) []*dataloader.Result[*T] {
	resultMap := make(map[K]*T, len(results))
	for _, result := range results {
		resultMap[keyOf(result)] = result
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(keys))
	for _, key := range keys {
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: resultMap[key]})
	}
	return loaderResults
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
