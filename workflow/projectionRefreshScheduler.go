package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ProjectionRefreshScheduler refreshes the projections on a fixed interval so
// rows written outside this service eventually show up.
type ProjectionRefreshScheduler struct {
	Refresher ProjectionRefresher
	Interval  time.Duration
	Logger    *logrus.Logger
}

func NewProjectionRefreshScheduler(refresher ProjectionRefresher, interval time.Duration, logger *logrus.Logger) *ProjectionRefreshScheduler {
	return &ProjectionRefreshScheduler{
		Refresher: refresher,
		Interval:  interval,
		Logger:    logger,
	}
}

// Run blocks until ctx is done. A non-positive Interval returns immediately.
func (s *ProjectionRefreshScheduler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.Interval <= 0 || s.Refresher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
		s.refreshOnce(ctx)
	}
}

func (s *ProjectionRefreshScheduler) refreshOnce(ctx context.Context) {
	err := s.Refresher.RefreshProjections(ctx)
	if err == nil || s.Logger == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":    "ProjectionRefreshScheduler",
		"interval": s.Interval.String(),
	}).Warn("scheduled projection refresh failed: " + err.Error())
}
