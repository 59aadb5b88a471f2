package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// MessageHandler processes one message. deliveryID is stable across
// redeliveries of the message. A non-nil error leaves the message
// unacknowledged and it is retried, so handlers return only errors a retry
// can clear.
type MessageHandler func(ctx context.Context, deliveryID string, key, value []byte) error

// DeliveryID identifies a message by its position in the log.
func DeliveryID(message *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
}

// ConsumerConfig configures a consumer group.
type ConsumerConfig struct {
	Brokers           []string
	Topics            []string
	GroupID           string
	RebalanceStrategy string
	Oldest            bool
	SessionTimeout    time.Duration
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
}

// Consumer feeds messages of a consumer group to a MessageHandler.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	logger  *zap.Logger

	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
}

// NewSaramaConfig builds the client configuration used by NewConsumer.
func NewSaramaConfig(cfg ConsumerConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_3_0_0
	config.Consumer.Return.Errors = true

	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.Oldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	if cfg.SessionTimeout > 0 {
		config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
		config.Consumer.Group.Heartbeat.Interval = cfg.SessionTimeout / 3
	}

	switch cfg.RebalanceStrategy {
	case "sticky":
		config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	case "roundrobin":
		config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	default:
		config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	}
	return config
}

// NewConsumer joins the consumer group described by cfg.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("Kafka consumer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.Strings("topics", cfg.Topics),
		zap.String("group_id", cfg.GroupID),
	)
	return newConsumer(group, cfg, handler, logger), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) *Consumer {
	c := &Consumer{
		group:           group,
		topics:          cfg.Topics,
		handler:         handler,
		logger:          logger.With(zap.String("component", "kafka")),
		retryBackoff:    cfg.RetryBackoff,
		maxRetryBackoff: cfg.MaxRetryBackoff,
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = 100 * time.Millisecond
	}
	if c.maxRetryBackoff < c.retryBackoff {
		c.maxRetryBackoff = 10 * time.Second
	}
	return c
}

// Run consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("error from consumer", zap.Error(err))
		}
		if ctx.Err() != nil {
			c.logger.Info("context cancelled, stopping consumer")
			return nil
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.logger.Info("Kafka consumer closed")
	return nil
}

// Setup is called at the start of a session, after a rebalance.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info("consumer group rebalanced")
	return nil
}

// Cleanup is called at the end of a session.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim handles the messages of one partition in offset order. A
// message is marked only once the handler accepts it.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.handle(session.Context(), message) {
				return nil
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handle retries the handler with capped exponential backoff. It returns
// false if the session ended first.
func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	backoff := c.retryBackoff
	id := DeliveryID(message)
	for {
		err := c.handler(ctx, id, message.Key, message.Value)
		if err == nil {
			return true
		}
		c.logger.Warn("failed to process message, retrying",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.maxRetryBackoff {
			backoff = c.maxRetryBackoff
		}
	}
}
