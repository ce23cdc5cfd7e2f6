package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"github.com/nats-io/nats.go"
)

// Publisher is the part of a NATS connection the topic sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// TopicMessage is published once per result batch.
type TopicMessage struct {
	Pipeline   string                  `json:"pipeline"`
	Stage      string                  `json:"stage"`
	Stamp      int64                   `json:"stamp"`
	Detections []model.DetectionRecord `json:"detections"`
}

type RosTopic struct {
	name     string
	pipeline string
	prefix   string
	pub      Publisher
}

// NewRosTopic connects to the configured NATS server.
func NewRosTopic(spec config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	url := nats.DefaultURL
	prefix := "perception"
	if svcs.CfgSvc != nil {
		url = svcs.CfgSvc.GetNatsURL()
		prefix = svcs.CfgSvc.GetTopicPrefix()
	}

	conn, err := nats.Connect(url,
		nats.Name("perception-"+spec.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			lgr.Logger.Warn("nats disconnected", slog.String("pipeline", spec.Name), slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			lgr.Logger.Info("nats reconnected", slog.String("pipeline", spec.Name), slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return NewRosTopicPublisher(spec.Name, name, prefix, conn), nil
}

// NewRosTopicPublisher publishes on an existing connection, which the sink
// then owns.
func NewRosTopicPublisher(pipelineName, name, prefix string, pub Publisher) *RosTopic {
	return &RosTopic{name: name, pipeline: pipelineName, prefix: prefix, pub: pub}
}

func (s *RosTopic) Name() string {
	return s.name
}

// Subject is "<prefix>.<pipeline>.<stage>" with dots and spaces in names
// replaced so each part stays one token.
func (s *RosTopic) Subject(stage string) string {
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	parts := []string{token.Replace(s.pipeline), token.Replace(stage)}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

func (s *RosTopic) AcceptResults(batch model.ResultBatch) error {
	msg := TopicMessage{
		Pipeline:   batch.Pipeline,
		Stage:      batch.Producer,
		Stamp:      batch.Timestamp.UnixMilli(),
		Detections: Records(batch),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.Subject(batch.Producer), data)
}

func (s *RosTopic) Close() error {
	s.pub.Close()
	return nil
}
