// Package kafkaconsumer subscribes to deployment activation events and runs
// the partition sweep for the announced shell version, so long-lived workers
// converge on a new deploy without a restart.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/offline-tile-cache/internal/invalidation"
	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/partition"
)

// Sweeper deletes every partition not named in allow.
type Sweeper interface {
	Sweep(ctx context.Context, allow []string) error
}

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	sweeper Sweeper
}

func New(cfg Config, logger *slog.Logger, sweeper Sweeper) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 3 * time.Second
	}
	if cfg.RebalanceTimeout == 0 {
		cfg.RebalanceTimeout = 30 * time.Second
	}
	return &Consumer{cfg: cfg, logger: logger, sweeper: sweeper}
}

// Start consumes activation events until ctx is done. Consume errors are
// logged and retried; a bad broker must not take the worker down with it.
func (c *Consumer) Start(ctx context.Context) error {
	if c.sweeper == nil {
		return errors.New("kafkaconsumer: missing sweeper")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("activation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("activation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "topic", c.cfg.Topic, "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single activation message. Decode and validation
// failures are terminal for the message (there is no point redelivering a
// malformed event); sweep failures are returned so the offset stays unmarked
// and the event is retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncInvalidation("decode_error")
		c.logger.Error("activation event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncInvalidation("invalid")
		c.logger.Error("activation event rejected",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return nil
	}

	allow := []string{ev.ShellPartition(), partition.Runtime, partition.Tiles, partition.RoutesIndex}
	if err := c.sweeper.Sweep(ctx, allow); err != nil {
		observability.IncInvalidation("sweep_error")
		return fmt.Errorf("sweep for %q: %w", ev.ShellVersion, err)
	}

	observability.IncInvalidation("ok")
	c.logger.Info("activation event applied",
		"shell_version", ev.ShellVersion, "offset", msg.Offset)
	return nil
}
