package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// Publisher 发布原始消息，由 RabbitMQ 实现
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// RunCompletedMessage 运行结束事件
type RunCompletedMessage struct {
	RunID         string             `json:"run_id"`
	Target        string             `json:"target"`
	DisplayName   string             `json:"display_name,omitempty"`
	DeviceID      string             `json:"device_id,omitempty"`
	Status        domain.RunStatus   `json:"status"`
	FailureType   domain.FailureType `json:"failure_type,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ArchivePath   string             `json:"archive_path,omitempty"`
	ArtifactCount int                `json:"artifact_count"`
	DurationMs    int64              `json:"duration_ms"`
	CompletedAt   time.Time          `json:"completed_at"`
}

// NewRunCompletedMessage 从运行记录构造事件
func NewRunCompletedMessage(run *domain.DumpRun) *RunCompletedMessage {
	msg := &RunCompletedMessage{
		RunID:         run.ID,
		Target:        run.Target,
		DisplayName:   run.DisplayName,
		DeviceID:      run.DeviceID,
		Status:        run.Status,
		FailureType:   run.FailureType,
		ErrorMessage:  run.ErrorMessage,
		ArchivePath:   run.ArchivePath,
		ArtifactCount: run.ArtifactCount,
		DurationMs:    run.DurationMs,
		CompletedAt:   time.Now().UTC(),
	}
	if run.CompletedAt != nil {
		msg.CompletedAt = run.CompletedAt.UTC()
	}
	return msg
}

// Producer 消息生产者
type Producer struct {
	publisher Publisher
	logger    logrus.FieldLogger
}

// NewProducer 创建生产者
func NewProducer(publisher Publisher, logger logrus.FieldLogger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishRunCompleted 发布运行结束事件
func (p *Producer) PublishRunCompleted(ctx context.Context, run *domain.DumpRun) error {
	msg := NewRunCompletedMessage(run)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.publisher.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("run_id", msg.RunID).Error("Failed to publish run event")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"run_id": msg.RunID,
		"status": msg.Status,
	}).Info("Run event published to queue")
	return nil
}
