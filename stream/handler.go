// Package stream provides a DynamoDB Streams handler that turns changes to
// the items table into item notifications.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/metrics"
	"github.com/jacentio/medley/notify"
	"github.com/jacentio/medley/store"
)

// ItemChange is the payload of item.created and item.updated.
type ItemChange struct {
	ID       string         `json:"id"`
	Type     entity.Type    `json:"type"`
	Revision string         `json:"revision"`
	Previous string         `json:"previousRevision,omitempty"`
	Document store.Document `json:"document"`
}

// Handler processes DynamoDB stream events from the items table.
type Handler struct {
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(n notify.Notifier, logger *slog.Logger) *Handler {
	if n == nil {
		n = notify.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		notifier: n,
		logger:   logger,
	}
}

// HandleItemChanges publishes item.created for inserted items and
// item.updated for items whose revision changed. This function is designed
// to be used as an AWS Lambda handler.
func (h *Handler) HandleItemChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for i := range event.Records {
		record := &event.Records[i]
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record *events.DynamoDBEventRecord) error {
	var topic string
	switch record.EventName {
	case string(events.DynamoDBOperationTypeInsert):
		topic = notify.TopicItemCreated
	case string(events.DynamoDBOperationTypeModify):
		oldRev := getStringAttr(record.Change.OldImage, store.FieldRev)
		newRev := getStringAttr(record.Change.NewImage, store.FieldRev)
		if oldRev == newRev {
			metrics.StreamRecords.WithLabelValues(record.EventName, "unchanged").Inc()
			return nil
		}
		topic = notify.TopicItemUpdated
	default:
		metrics.StreamRecords.WithLabelValues(record.EventName, "ignored").Inc()
		return nil
	}

	change, err := decodeChange(record)
	if err != nil {
		// skip poison records
		h.logger.Warn("skipping undecodable record",
			"eventID", record.EventID,
			"error", err,
		)
		metrics.StreamRecords.WithLabelValues(record.EventName, "skipped").Inc()
		return nil
	}

	if err := h.notifier.Publish(ctx, notify.Event{Topic: topic, Payload: change}); err != nil {
		metrics.StreamRecords.WithLabelValues(record.EventName, "failed").Inc()
		return fmt.Errorf("publish %s for %s: %w", topic, change.ID, err)
	}
	metrics.StreamRecords.WithLabelValues(record.EventName, "published").Inc()
	h.logger.Debug("published item change",
		"topic", topic,
		"id", change.ID,
		"type", change.Type,
		"rev", change.Revision,
	)
	return nil
}

func decodeChange(record *events.DynamoDBEventRecord) (ItemChange, error) {
	doc, err := store.DecodeItem(ConvertStreamImage(record.Change.NewImage))
	if err != nil {
		return ItemChange{}, err
	}
	item, err := entity.FromDocument(doc)
	if err != nil {
		return ItemChange{}, err
	}
	if item.ID == "" {
		return ItemChange{}, fmt.Errorf("record has no %s", store.FieldID)
	}
	return ItemChange{
		ID:       item.ID,
		Type:     item.Type(),
		Revision: item.Revision,
		Previous: getStringAttr(record.Change.OldImage, store.FieldRev),
		Document: doc,
	}, nil
}
