package redis

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Client mirrors session state into Redis hashes and Pub/Sub channels so
// dashboards and other services can observe the link without touching the
// serial port.
type Client struct {
	rdb *redis.Client
	ctx context.Context
}

// New creates a new Redis client and verifies the connection.
func New(addr string, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Client{rdb: rdb, ctx: ctx}, nil
}

// WriteString writes a string field to a hash.
func (c *Client) WriteString(key, field, value string) error {
	return c.rdb.HSet(c.ctx, key, field, value).Err()
}

// WriteInt writes an integer field to a hash.
func (c *Client) WriteInt(key, field string, value int) error {
	return c.rdb.HSet(c.ctx, key, field, value).Err()
}

// writeAndPublish pipelines a hash write with a "field:value" change
// notification on the hash's channel.
func (c *Client) writeAndPublish(key, field string, value interface{}, note string) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, note)
	_, err := pipe.Exec(c.ctx)
	return err
}

// WriteAndPublishString writes a string field and publishes the change.
func (c *Client) WriteAndPublishString(key, field, value string) error {
	return c.writeAndPublish(key, field, value, fmt.Sprintf("%s:%s", field, value))
}

// WriteAndPublishInt writes an integer field and publishes the change.
func (c *Client) WriteAndPublishInt(key, field string, value int) error {
	return c.writeAndPublish(key, field, value, fmt.Sprintf("%s:%d", field, value))
}

// LPush pushes a value onto the named event list.
func (c *Client) LPush(key string, value string) error {
	if err := c.rdb.LPush(c.ctx, key, value).Err(); err != nil {
		log.Printf("Failed to LPUSH %s to key %s: %v", value, key, err)
		return err
	}
	return nil
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
