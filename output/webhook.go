package output

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"github.com/khaledhikmat/perception-go/service/webhook"
)

const webhookTimeout = 5 * time.Second

// Webhook posts every batch with at least one detection.
type Webhook struct {
	name string
	svc  webhook.IService
}

func NewWebhook(_ config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	if svcs.WebhookSvc == nil {
		return nil, errors.New("no webhook service")
	}
	return &Webhook{name: name, svc: svcs.WebhookSvc}, nil
}

func (s *Webhook) Name() string {
	return s.name
}

func (s *Webhook) AcceptResults(batch model.ResultBatch) error {
	records := Records(batch)
	if len(records) == 0 {
		return nil
	}

	payload := map[string]interface{}{
		"pipeline":   batch.Pipeline,
		"stage":      batch.Producer,
		"source":     records[0].Source,
		"detections": records,
		"timestamp":  batch.Timestamp.Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	if err := s.svc.Post(ctx, payload); err != nil {
		return err
	}

	lgr.Logger.Debug("webhook posted",
		slog.String("pipeline", batch.Pipeline),
		slog.String("stage", batch.Producer),
		slog.Int("detections", len(records)),
	)
	return nil
}

func (s *Webhook) Close() error {
	return nil
}
