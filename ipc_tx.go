package main

import (
	"context"
	"fmt"
	"sync"

	"ecu-sentinel/anomaly"
	"ecu-sentinel/ecu"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix = "ecu-sentinel"
)

func redisECUKey(ecuID string) string {
	return redisKeyPrefix + ":ecu:" + ecuID
}

// IPCTx mirrors the latest record of every ECU into Redis hashes.
type IPCTx struct {
	log   ecu.Logger
	redis *redis.Client
	mu    sync.Mutex

	lastTick   map[string]uint64
	lastStatus map[string]anomaly.Status
}

func NewIPCTx(logger ecu.Logger, redis *redis.Client) *IPCTx {
	return &IPCTx{
		log:        logger,
		redis:      redis,
		lastTick:   make(map[string]uint64),
		lastStatus: make(map[string]anomaly.Status),
	}
}

func (tx *IPCTx) Destroy() {}

// SendStatus writes rec unless it was already written. A status change is
// also announced on the ECU's channel.
func (tx *IPCTx) SendStatus(ctx context.Context, rec ecu.Record) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if last, ok := tx.lastTick[rec.ECUID]; ok && last == rec.Tick {
		return nil
	}

	key := redisECUKey(rec.ECUID)
	pipe := tx.redis.Pipeline()
	pipe.HSet(ctx, key, NewRedisECUStatus(rec).fields())

	prev, seen := tx.lastStatus[rec.ECUID]
	changed := !seen || prev != rec.Status
	if changed {
		pipe.Publish(ctx, key, rec.Status.String())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to send status of %s: %v", rec.ECUID, err)
	}

	tx.lastTick[rec.ECUID] = rec.Tick
	tx.lastStatus[rec.ECUID] = rec.Status
	if changed && seen {
		tx.log.Debug("ECU %s status %s -> %s", rec.ECUID, prev, rec.Status)
	}
	return nil
}
