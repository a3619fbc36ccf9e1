package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var errChannelClosed = errors.New("channel is nil")

// RabbitMQ RabbitMQ 客户端，只负责发布
type RabbitMQ struct {
	config    config.RabbitMQConfig
	heartbeat time.Duration
	logger    logrus.FieldLogger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewRabbitMQ 创建客户端并建立连接
func NewRabbitMQ(cfg config.RabbitMQConfig, logger logrus.FieldLogger) (*RabbitMQ, error) {
	mq := &RabbitMQ{
		config:    cfg,
		heartbeat: 10 * time.Second,
		logger:    logger,
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()
	if err := mq.connectLocked(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// URL 连接地址，vhost 按路径段转义（默认 vhost "/" 编码为 %2F）
func URL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(cfg.User, cfg.Password),
		Host:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		RawPath: "/" + url.PathEscape(cfg.VHost),
		Path:    "/" + cfg.VHost,
	}
	return u.String()
}

func (mq *RabbitMQ) connectLocked() error {
	conn, err := amqp.DialConfig(URL(mq.config), amqp.Config{
		Heartbeat: mq.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		mq.config.Queue, // name
		true,            // durable (持久化)
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch

	mq.logger.WithFields(logrus.Fields{
		"host":  mq.config.Host,
		"port":  mq.config.Port,
		"queue": mq.config.Queue,
	}).Info("Connected to RabbitMQ")
	return nil
}

func (mq *RabbitMQ) closeConnectionsLocked() {
	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布消息，连接已断开时重连一次
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return errChannelClosed
	}
	if mq.conn == nil || mq.conn.IsClosed() {
		mq.logger.Warn("RabbitMQ connection lost, reconnecting")
		mq.closeConnectionsLocked()
		if err := mq.connectLocked(); err != nil {
			return err
		}
	}

	return mq.channel.PublishWithContext(
		ctx,
		"",              // exchange
		mq.config.Queue, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent, // 持久化消息
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	mq.closed = true
	mq.closeConnectionsLocked()
	mq.logger.Debug("RabbitMQ connection closed")
	return nil
}
