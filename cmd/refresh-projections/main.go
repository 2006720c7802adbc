package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	publish := flag.Bool("publish", false, "Publish a refresh request to Pub/Sub instead of rebuilding here")
	reason := flag.String("reason", "manual", "Optional: reason recorded with the request")
	timeout := flag.Duration("timeout", 10*time.Minute, "Optional: overall timeout")
	flag.Parse()

	logger := config.GetLogger()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *publish {
		msg := config.ProjectionRefreshMessage{
			RequestedBy:   "refresh-projections",
			RequestedAt:   time.Now().UTC(),
			Reason:        *reason,
			CorrelationId: uuid.NewString(),
		}
		id, err := config.PublishProjectionRefresh(ctx, msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "publish refresh request: %v\n", err)
			os.Exit(1)
		}
		logger.WithFields(logrus.Fields{
			"field":          "refresh-projections",
			"message_id":     id,
			"topic":          config.ProjectionRefreshTopic(),
			"correlation_id": msg.CorrelationId,
		}).Info("refresh request published")
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	svc := workflow.NewProjectionRefreshService(models.NewGormStore(db), config.GetRedisLock(), logger)
	states, err := svc.Refresh(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refresh projections: %v\n", err)
		os.Exit(1)
	}
	for _, st := range states {
		fmt.Printf("%-16s rows=%d duration_ms=%d refreshed_at=%s\n", st.Name, st.RowCount, st.DurationMs, st.RefreshedAt.Format(time.RFC3339))
	}
}
