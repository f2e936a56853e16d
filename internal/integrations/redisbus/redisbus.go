// internal/integrations/redisbus/redisbus.go
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bartek5186/catsync/internal/integrations"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr     string `json:"addr"` // host:port
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
	// LastTTLMin keeps the latest event of each source under
	// "<channel>:last:<source>"; 0 disables it.
	LastTTLMin int `json:"last_ttl_min"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Channel == "" {
		c.Channel = "catsync:runs"
	}
	return c
}

func (c Config) lastKey(source string) string {
	return fmt.Sprintf("%s:last:%s", c.Channel, source)
}

type Bus struct {
	log    zerolog.Logger
	cfg    Config
	client *redis.Client
}

func New(log zerolog.Logger, cfg Config) *Bus {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		MaxRetries:   3,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &Bus{log: log, cfg: cfg, client: client}
}

func (b *Bus) Name() string { return "redis" }

// Notify publishes ev on the channel and, if configured, stores it as the
// source's latest event.
func (b *Bus) Notify(ctx context.Context, ev integrations.RunEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, b.cfg.Channel, payload)
		if b.cfg.LastTTLMin > 0 {
			p.Set(ctx, b.cfg.lastKey(ev.Source), payload, time.Duration(b.cfg.LastTTLMin)*time.Minute)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", b.cfg.Channel, err)
	}
	b.log.Debug().Str("run_id", ev.RunID).Str("channel", b.cfg.Channel).Msg("run event published")
	return nil
}

func (b *Bus) Close() error { return b.client.Close() }

func factory(log zerolog.Logger, raw json.RawMessage) (integrations.Notifier, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	b := New(log, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := b.client.Ping(ctx).Result(); err != nil {
		// the client reconnects on its own; events fail until then
		log.Warn().Err(err).Str("addr", b.cfg.Addr).Msg("redis not reachable yet")
	}
	return b, nil
}

func init() {
	integrations.Register("redis", factory)
}
