package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/pkg/natsutil"
)

const (
	// ChangeSubject carries entity change events.
	ChangeSubject = "quarry.changes"
	// DLQSubject receives events that exhausted their retries.
	DLQSubject = "quarry.changes.dlq"
	// MaxRetries before an event is dead-lettered.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// dlqMessage is published to the DLQ on repeated or permanent failure.
type dlqMessage struct {
	Event   domain.ChangeEvent `json:"event"`
	Error   string             `json:"error"`
	Retries int                `json:"retries"`
}

// Consumer feeds NATS change events into the indexer's partition queues and
// owns retry and DLQ routing.
type Consumer struct {
	nc     *nats.Conn
	ix     *Indexer
	logger *slog.Logger
	sub    *nats.Subscription
}

// StartConsumer subscribes to the change feed. The indexer must not have been
// started yet; the consumer installs its retry handler first.
func StartConsumer(ctx context.Context, nc *nats.Conn, ix *Indexer, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{nc: nc, ix: ix, logger: logger}
	ix.SetOnFailure(c.requeue)
	ix.Start(ctx)

	sub, err := nc.Subscribe(ChangeSubject, func(msg *nats.Msg) {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Error("consumer: malformed change event dropped", "err", err)
			return
		}
		if err := domain.ValidateChangeEvent(ev); err != nil {
			logger.Error("consumer: invalid change event dropped",
				"entity_id", ev.EntityID, "kind", ev.Kind, "err", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				retries, _ = strconv.Atoi(v)
			}
		}
		ix.MarkReceived(ctx, ev)
		ix.Dispatch(ev, retries)
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: subscribe %s: %w", ChangeSubject, err)
	}
	c.sub = sub
	return c, nil
}

// Close unsubscribes and drains the indexer.
func (c *Consumer) Close() error {
	err := c.sub.Unsubscribe()
	c.ix.Close()
	return err
}

// requeue republishes a failed event with an incremented retry count, or
// dead-letters it when retries are exhausted or the failure is permanent.
func (c *Consumer) requeue(ctx context.Context, ev domain.ChangeEvent, retries int, err error) {
	retries++
	if Permanent(err) || retries >= MaxRetries {
		dlq := dlqMessage{Event: ev, Error: err.Error(), Retries: retries}
		if perr := natsutil.Publish(ctx, c.nc, DLQSubject, dlq); perr != nil {
			c.logger.Error("consumer: DLQ publish failed", "entity_id", ev.EntityID, "err", perr)
		} else {
			c.logger.Warn("consumer: event dead-lettered",
				"entity_id", ev.EntityID, "retries", retries, "err", err)
		}
		return
	}

	data, _ := json.Marshal(ev)
	msg := nats.NewMsg(ChangeSubject)
	msg.Data = data
	msg.Header.Set(retryHeader, strconv.Itoa(retries))
	if perr := c.nc.PublishMsg(msg); perr != nil {
		c.logger.Error("consumer: retry publish failed", "entity_id", ev.EntityID, "err", perr)
	}
}

// PublishChange emits a change event onto the feed. Used by the CLI and by
// services that mutate entities.
func PublishChange(ctx context.Context, nc *nats.Conn, ev domain.ChangeEvent) error {
	if err := domain.ValidateChangeEvent(ev); err != nil {
		return err
	}
	return natsutil.Publish(ctx, nc, ChangeSubject, ev)
}
