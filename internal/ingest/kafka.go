// Package ingest feeds position reports from external sources into the
// tracking pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Processor runs a report through the tracking pipeline.
type Processor interface {
	Process(ctx context.Context, rep tracking.Report) (livestate.VehicleState, error)
}

// KafkaConfig holds the consumer settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads JSON position reports from a topic. Producers key
// messages by vehicle id, so all reports of one vehicle land on one
// partition and arrive in order.
type KafkaConsumer struct {
	reader messageReader
	proc   Processor
	logger logrus.FieldLogger
}

// NewKafkaConsumer creates a consumer group reader for cfg.Topic.
func NewKafkaConsumer(cfg KafkaConfig, proc Processor, logger logrus.FieldLogger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger:    kafka.LoggerFunc(logger.WithField("component", "kafka").Errorf),
	})
	return newKafkaConsumer(reader, proc, logger)
}

func newKafkaConsumer(reader messageReader, proc Processor, logger logrus.FieldLogger) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, proc: proc, logger: logger}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and
// committed so they do not block the partition.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.WithError(err).Warn("ingest: closing kafka reader")
		}
	}()

	c.logger.Info("ingest: kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("ingest: kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("ingest: fetch: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).WithField("offset", msg.Offset).Warn("ingest: commit failed")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.logger.WithFields(logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	rep, err := DecodeReport(msg)
	if err != nil {
		log.WithError(err).Warn("ingest: dropping malformed message")
		return
	}
	if _, err := c.proc.Process(ctx, rep); err != nil {
		log.WithError(err).WithField("vehicle_id", rep.VehicleID).Warn("ingest: report rejected")
	}
}

// DecodeReport parses a message value as a JSON report. The message key
// stands in for a missing vehicle id and the message time for a missing
// timestamp.
func DecodeReport(msg kafka.Message) (tracking.Report, error) {
	var rep tracking.Report
	if err := json.Unmarshal(msg.Value, &rep); err != nil {
		return tracking.Report{}, fmt.Errorf("decode report: %w", err)
	}
	if rep.VehicleID == "" {
		rep.VehicleID = string(msg.Key)
	}
	if rep.Timestamp.IsZero() {
		rep.Timestamp = msg.Time
	}
	return rep, nil
}
