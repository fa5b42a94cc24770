package library

import (
	"context"
	"time"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/metrics"
	"github.com/jacentio/medley/notify"
	"github.com/jacentio/medley/reconcile"
)

// ImportRequest describes one library import.
type ImportRequest struct {
	Client string
	Source string
	Types  []entity.Type
	Items  []*entity.Entity
	Chunk  int
}

// StartedPayload is published on library.started.
type StartedPayload struct {
	Items int           `json:"items"`
	Types []entity.Type `json:"types"`
}

// FinishedPayload is published on library.finished.
type FinishedPayload struct {
	Summary  Summary `json:"summary,omitempty"`
	Ignored  int     `json:"ignored"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"durationSeconds"`
}

// Import runs a complete transaction for req: Fetch, AddMany, Execute. It
// publishes library.started before and library.finished after, whether or
// not the import succeeded. Notification failures are logged, not returned.
func Import(ctx context.Context, engine *reconcile.Engine, n notify.Notifier, req ImportRequest, opts ...Option) (summary Summary, err error) {
	if n == nil {
		n = notify.Nop()
	}
	opts = append(opts, WithTypes(req.Types...), WithChunk(req.Chunk))
	tx, err := NewTransaction(engine, req.Source, opts...)
	if err != nil {
		return nil, err
	}
	logger := tx.logger.With("client", req.Client)

	start := time.Now()
	publish := func(topic string, payload any) {
		perr := n.Publish(ctx, notify.Event{Topic: topic, Client: req.Client, Source: req.Source, Payload: payload})
		if perr != nil {
			logger.Warn("notification failed", "topic", topic, "error", perr)
		}
	}

	publish(notify.TopicLibraryStarted, StartedPayload{Items: len(req.Items), Types: tx.Types()})
	logger.Info("library import started", "items", len(req.Items))

	var added AddResult
	defer func() {
		metrics.ObserveImport(req.Source, start, err)
		payload := FinishedPayload{Summary: summary, Ignored: added.Ignored, Duration: time.Since(start).Seconds()}
		if err != nil {
			payload.Error = err.Error()
			logger.Error("library import failed", "error", err)
		} else {
			total := summary.Total()
			logger.Info("library import finished", "created", total.Created, "updated", total.Updated,
				"matched", total.Matched, "failed", total.Failed, "ignored", total.Ignored)
		}
		publish(notify.TopicLibraryFinished, payload)
	}()

	if err = tx.Fetch(ctx); err != nil {
		return nil, err
	}
	if added, err = tx.AddMany(ctx, req.Items); err != nil {
		return tx.Summary(), err
	}
	return tx.Execute(ctx)
}
