// Package sink forwards engine events to external subscribers.
package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/livelink/engine"
)

// RedisSink publishes each Message event to "<prefix>:<command>" with the
// payload verbatim. Connected and Disconnected events are published as JSON
// to "<prefix>:status" and the latest one is kept under "<prefix>:state".
// Error and Debug events are not forwarded.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSink connects to the given Redis URL and checks it with a PING.
func NewRedisSink(ctx context.Context, addr, prefix string) (*RedisSink, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	if prefix == "" {
		prefix = "livelink"
	}
	return &RedisSink{client: c, prefix: prefix}, nil
}

// Channel returns the pub/sub channel used for a command.
func (s *RedisSink) Channel(cmd string) string { return s.prefix + ":" + cmd }

// StatusChannel returns the channel carrying lifecycle events.
func (s *RedisSink) StatusChannel() string { return s.prefix + ":status" }

// StateKey returns the key holding the most recent lifecycle event.
func (s *RedisSink) StateKey() string { return s.prefix + ":state" }

// Handle forwards ev according to its kind.
func (s *RedisSink) Handle(ctx context.Context, ev engine.Event) error {
	switch ev.Kind {
	case engine.EventMessage:
		return s.client.Publish(ctx, s.Channel(ev.Command), ev.Payload).Err()
	case engine.EventConnected, engine.EventDisconnected:
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.StateKey(), b, 0)
		pipe.Publish(ctx, s.StatusChannel(), b)
		_, err = pipe.Exec(ctx)
		return err
	default:
		return nil
	}
}

func (s *RedisSink) Close() error { return s.client.Close() }

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	switch u.Scheme {
	case "redis", "rediss":
		dbStr := strings.TrimPrefix(u.Path, "/")
		if dbStr == "" {
			dbStr = q.Get("db")
		}
		if opts.DB, err = parseDB(dbStr); err != nil {
			return nil, err
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if opts.DB, err = parseDB(q.Get("db")); err != nil {
			return nil, err
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return opts, nil
}

// parseDB parses a database index; empty means 0.
func parseDB(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	db, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("redis: invalid db: %v", err)
	}
	return db, nil
}
