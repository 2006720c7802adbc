package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PubSubMessage is the push delivery envelope.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handleProjectionRefreshRequest rebuilds the projections for one Pub/Sub
// message. It returns an error only when the message should be redelivered.
func handleProjectionRefreshRequest(ctx context.Context, app *application, data []byte, messageId string) error {
	logger := app.logger
	var m config.ProjectionRefreshMessage
	if len(data) > 0 {
		if err := utils.UnmarshalFromJSON(data, &m); err != nil {
			// Malformed payload: ack/drop to avoid infinite retries.
			config.LogError(logger, "pubsubHandlers.go", "handleProjectionRefreshRequest", "Unmarshal pubsub message", string(data), err)
			return nil
		}
	}

	// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
	correlationId := m.CorrelationId
	if correlationId == "" {
		correlationId = messageId
	}
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	ctx = utils.SetUsernameInContext(ctx, "System")

	fields := logrus.Fields{
		"field":          "projectionRefreshRequest",
		"message_id":     messageId,
		"correlation_id": correlationId,
		"requested_by":   m.RequestedBy,
		"reason":         m.Reason,
	}
	if !m.RequestedAt.IsZero() {
		fields["queued_ms"] = time.Since(m.RequestedAt).Milliseconds()
	}

	_, err := app.refresher.Refresh(ctx)
	if errors.Is(err, workflow.ErrRefreshInProgress) {
		// The running rebuild may have started before the writes behind this
		// request, so it is redelivered rather than dropped.
		logger.WithFields(fields).Info("projection refresh already running; requesting redelivery")
		return err
	}
	if err != nil {
		logger.WithFields(fields).Error("projection refresh failed: " + err.Error())
		return err
	}
	return nil
}

// POST /pubsub/projections (push subscription)
func projectionPubSubHandler(current func() *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		app := current()
		var msg PubSubMessage

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(app.logger, "pubsubHandlers.go", "projectionPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(app.logger, "pubsubHandlers.go", "projectionPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		if err := handleProjectionRefreshRequest(c.Request.Context(), app, msg.Message.Data, msg.Message.ID); err != nil {
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// runProjectionRefreshSubscriber pulls refresh requests until ctx is done.
func runProjectionRefreshSubscriber(ctx context.Context, app *application, subscription string) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.ProjectionRefreshTopic())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, subscription, topic)
	if err != nil {
		return err
	}
	// A rebuild replaces everything; running several at once gains nothing.
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := handleProjectionRefreshRequest(ctx, app, msg.Data, msg.ID); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}
