package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"github.com/sirupsen/logrus"
)

func reportSlowMs() int64 {
	// Env: REPORT_SLOW_MS (default 500ms)
	ms := config.IntFromEnv("REPORT_SLOW_MS", 500)
	if ms <= 0 {
		ms = 500
	}
	return int64(ms)
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	d := time.Since(started)
	if d.Milliseconds() < reportSlowMs() {
		return
	}
	logger := config.GetLogger()
	if logger == nil {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	logger.WithFields(logrus.Fields{
		"field":          "slow_report",
		"name":           name,
		"ms":             d.Milliseconds(),
		"correlation_id": cid,
		"extra":          extra,
	}).Warn("slow report")
}

// cachedList reads a catalog from redis and falls back to load on a miss.
// Redis errors are logged and treated as a miss.
func cachedList[T any](ctx context.Context, load func(context.Context) ([]*T, error)) ([]*T, error) {
	logger := config.GetLogger()
	cached, err := utils.RetrieveRedisList[T]()
	if err != nil && logger != nil {
		logger.WithFields(logrus.Fields{
			"field": "cachedList",
			"type":  utils.GetTypeName[T](),
		}).Warn("catalog cache read failed: " + err.Error())
	}
	if cached != nil {
		return cached, nil
	}

	list, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedisList[T](list); err != nil && logger != nil {
		logger.WithFields(logrus.Fields{
			"field": "cachedList",
			"type":  utils.GetTypeName[T](),
		}).Warn("catalog cache write failed: " + err.Error())
	}
	return list, nil
}
