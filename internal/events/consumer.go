// Package events consumes the change feed that surrounding subsystems
// publish when catalog state mutates, and dispatches each change to the
// ingestion pipeline. The feed decouples the retrieval core from writers:
// the capture UI, sync service and sharing flows publish and move on, and
// the core converges without transactional coupling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/ingest"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

// Config tunes the consumer.
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string

	// SubjectPrefix namespaces the change-feed subjects.
	// Default: "memoryd".
	SubjectPrefix string

	// HandleTimeout bounds the processing of one message. Default: 30s.
	HandleTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "memoryd"
	}
	if c.HandleTimeout == 0 {
		c.HandleTimeout = 30 * time.Second
	}
}

// ItemEvent is the payload of item.upserted, item.deleted and item.moved.
type ItemEvent struct {
	ItemID string `json:"item_id"`
}

// Consumer subscribes to the change feed and drives the pipeline.
type Consumer struct {
	conn     *nats.Conn
	pipeline *ingest.Pipeline
	logger   *logging.Logger
	config   Config
	subs     []*nats.Subscription
}

// NewConsumer connects to NATS. Call Start to subscribe.
func NewConsumer(cfg Config, pipeline *ingest.Pipeline, logger *logging.Logger) (*Consumer, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("memoryd-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &Consumer{
		conn:     conn,
		pipeline: pipeline,
		logger:   logger.Named("events"),
		config:   cfg,
	}, nil
}

// Start subscribes to the change-feed subjects.
func (c *Consumer) Start() error {
	prefix := c.config.SubjectPrefix
	subjects := map[string]nats.MsgHandler{
		prefix + ".item.upserted":   c.itemHandler(c.pipeline.IndexItem),
		prefix + ".item.deleted":    c.itemHandler(c.pipeline.RemoveItem),
		prefix + ".item.moved":      c.itemHandler(c.pipeline.MoveItem),
		prefix + ".access.changed":  c.handleAccessChanged,
		prefix + ".section.deleted": c.handleSectionDeleted,
	}
	for subject, handler := range subjects {
		sub, err := c.conn.Subscribe(subject, handler)
		if err != nil {
			c.unsubscribeAll()
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.logger.Info(context.Background(), "change feed subscribed",
		zap.String("prefix", prefix),
		zap.Int("subjects", len(subjects)),
	)
	return nil
}

// Close drains in-flight messages and disconnects.
func (c *Consumer) Close() error {
	c.unsubscribeAll()
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *Consumer) unsubscribeAll() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *Consumer) itemHandler(op func(context.Context, string) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.HandleTimeout)
		defer cancel()

		var ev ItemEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ItemID == "" {
			c.logger.Warn(ctx, "dropping malformed item event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		if err := op(ctx, ev.ItemID); err != nil {
			c.logger.Warn(ctx, "item event failed",
				zap.String("subject", msg.Subject),
				zap.String("item_id", ev.ItemID),
				zap.Error(err),
			)
		}
	}
}

// SectionEvent is the payload of section.deleted.
type SectionEvent struct {
	SectionID string `json:"section_id"`
}

func (c *Consumer) handleSectionDeleted(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandleTimeout)
	defer cancel()

	var ev SectionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.SectionID == "" {
		c.logger.Warn(ctx, "dropping malformed section event", zap.Error(err))
		return
	}
	if err := c.pipeline.RemoveSection(ctx, ev.SectionID); err != nil {
		c.logger.Warn(ctx, "section delete event failed",
			zap.String("section_id", ev.SectionID),
			zap.Error(err),
		)
	}
}

func (c *Consumer) handleAccessChanged(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandleTimeout)
	defer cancel()

	var ch ingest.AccessChange
	if err := json.Unmarshal(msg.Data, &ch); err != nil {
		c.logger.Warn(ctx, "dropping malformed access event", zap.Error(err))
		return
	}
	if err := c.pipeline.RefreshPermissions(ctx, ch); err != nil {
		c.logger.Warn(ctx, "access event failed",
			zap.String("kind", ch.Kind),
			zap.Error(err),
		)
	}
}
