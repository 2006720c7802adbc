package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const projectionRefreshLockKey = "lock:projection-refresh"

// ProjectionRefreshService rebuilds both projections from the system of record.
// With a Locker, rebuilds are serialized across instances.
type ProjectionRefreshService struct {
	Store  models.ProjectionMaintainer
	Locker *redislock.Client
	Logger *logrus.Logger

	LockTTL     time.Duration
	LockRetries int
	LockBackoff time.Duration
}

func NewProjectionRefreshService(store models.ProjectionMaintainer, locker *redislock.Client, logger *logrus.Logger) *ProjectionRefreshService {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &ProjectionRefreshService{
		Store:       store,
		Locker:      locker,
		Logger:      logger,
		LockTTL:     config.ProjectionRefreshLockTTL(),
		LockRetries: 20,
		LockBackoff: 500 * time.Millisecond,
	}
}

func (s *ProjectionRefreshService) RefreshProjections(ctx context.Context) error {
	_, err := s.Refresh(ctx)
	return err
}

// Refresh rebuilds the projections and returns the recorded refresh states.
func (s *ProjectionRefreshService) Refresh(ctx context.Context) ([]models.ProjectionRefreshState, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.RefreshProjections")
	defer span.End()

	runId := uuid.NewString()
	logger := s.Logger
	if logger == nil {
		logger = config.GetLogger()
	}

	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, projectionRefreshLockKey, s.LockTTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(s.LockBackoff), s.LockRetries),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrRefreshInProgress
		} else if err != nil {
			logger.WithFields(logrus.Fields{
				"field":  "RefreshProjections",
				"run_id": runId,
			}).Warn("error obtaining redis lock; refreshing without lock: " + err.Error())
		} else {
			defer func() {
				if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
					logger.WithFields(logrus.Fields{
						"field":  "RefreshProjections",
						"run_id": runId,
					}).Warn("failed to release redis lock: " + releaseErr.Error())
				}
			}()
		}
	}

	started := time.Now().UTC()
	states, err := s.Store.RebuildProjections(ctx, started)
	if err != nil {
		span.RecordError(err)
		config.LogError(logger, "projectionRefresh.go", "Refresh", "RebuildProjections", runId, err)
		if recErr := s.Store.RecordProjectionRefreshFailure(context.WithoutCancel(ctx), time.Now().UTC(), err); recErr != nil {
			config.LogError(logger, "projectionRefresh.go", "Refresh", "RecordProjectionRefreshFailure", runId, recErr)
		}
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}

	fields := logrus.Fields{
		"field":       "RefreshProjections",
		"run_id":      runId,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	for _, st := range states {
		fields[st.Name+"_rows"] = st.RowCount
		span.SetAttributes(attribute.Int64(st.Name+".rows", st.RowCount))
	}
	logger.WithFields(fields).Info("projections refreshed")
	return states, nil
}
