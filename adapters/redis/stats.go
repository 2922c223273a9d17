// Package redis publishes derived statistics snapshots over redis
package redis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dexsniper/execution-node/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client is the subset of *redis.Client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Snapshot produces the statistics to publish.
type Snapshot func(ctx context.Context) (any, error)

type statsMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StatsPublisher pushes a snapshot to a pub/sub channel every interval and keeps the latest one under
// "<channel>:latest" for subscribers that join late.
type StatsPublisher struct {
	log      *zap.Logger
	client   Client
	channel  string
	interval time.Duration
	snapshot Snapshot
}

func NewStatsPublisher(log *zap.Logger, client Client, channel string, interval time.Duration, snapshot Snapshot) *StatsPublisher {
	return &StatsPublisher{
		log:      log.Named("stats"),
		client:   client,
		channel:  channel,
		interval: interval,
		snapshot: snapshot,
	}
}

func (p *StatsPublisher) LatestKey() string {
	return p.channel + ":latest"
}

func (p *StatsPublisher) PublishOnce(ctx context.Context) error {
	data, err := p.snapshot(ctx)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(statsMessage{Type: "stats", Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return err
	}
	// the latest snapshot outlives three missed intervals at most
	return p.client.Set(ctx, p.LatestKey(), msg, 3*p.interval).Err()
}

// Start publishes until ctx is done. Failures are logged and counted, the loop keeps going.
func (p *StatsPublisher) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
					metrics.IncStatsPublishFailed()
					p.log.Warn("Failed to publish stats", zap.String("channel", p.channel), zap.Error(err))
				}
			}
		}
	}()
	return wg
}
