package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calendarfed/tminus/internal/model"
)

// RedisQueue is a Sender+Receiver backed by a Redis stream and
// consumer group, so multiple writer processes can share one backlog
// of pending mirror jobs without double-delivery under normal
// operation (XREADGROUP hands each entry to exactly one consumer;
// Ack advances the group's last-delivered cursor via XACK).
type RedisQueue struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
}

func NewRedisQueue(client *redis.Client, streamKey, group, consumer string) *RedisQueue {
	return &RedisQueue{client: client, stream: streamKey, group: group, consumer: consumer}
}

// EnsureGroup creates the consumer group at the start of the stream,
// tolerating BUSYGROUP if it already exists.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Send(ctx context.Context, job model.MirrorJob) error {
	payload, err := marshalJob(job)
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"job":             payload,
			"idempotency_key": job.IdempotencyKey(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd mirror job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 32
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    200 * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, _ := entry.Values["job"].(string)
			job, err := unmarshalJob(raw)
			if err != nil {
				continue
			}
			out = append(out, Message{Job: job, AckID: entry.ID})
		}
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, ackID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, ackID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
