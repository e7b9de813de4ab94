package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore persists jobs so status survives a restart. A nil client means
// Redis was unreachable at startup; every method degrades to a no-op and the
// in-memory store remains authoritative.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(cfg *Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		log.Printf("redis not available, using in-memory storage only: %v", err)
		client.Close()
		client = nil
	} else {
		log.Println("redis connected")
	}
	return &RedisStore{client: client, ttl: cfg.JobTTL}
}

func jobKey(jobID string) string { return fmt.Sprintf("job:%s", jobID) }

func (r *RedisStore) Save(ctx context.Context, job *ConversionJob) error {
	if r.client == nil {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, jobKey(job.ID), data, r.ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, jobID string) (*ConversionJob, error) {
	if r.client == nil {
		return nil, nil
	}
	val, err := r.client.Get(ctx, jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job ConversionJob
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *RedisStore) Delete(ctx context.Context, jobID string) error {
	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, jobKey(jobID)).Err()
}

func (r *RedisStore) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
