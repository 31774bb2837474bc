package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	ipcControlChannel = "ecu-sentinel:control"
	ipcRetryDelay     = time.Second
)

// FaultTarget is a worker that accepts injected faults.
type FaultTarget interface {
	ID() string
	InjectFault() error
}

// IPCRx listens for bench commands on the control channel. The only
// command is "inject <ecu-id>", which forces an outlier on that ECU's next
// tick.
type IPCRx struct {
	log     *LeveledLogger
	redis   *redis.Client
	targets map[string]FaultTarget
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	subscription *redis.PubSub
}

func NewIPCRx(logger *LeveledLogger, redis *redis.Client, targets []FaultTarget) *IPCRx {
	ctx, cancel := context.WithCancel(context.Background())

	rx := &IPCRx{
		log:     logger,
		redis:   redis,
		targets: make(map[string]FaultTarget, len(targets)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, t := range targets {
		rx.targets[t.ID()] = t
	}

	rx.subscription = rx.redis.Subscribe(rx.ctx, ipcControlChannel)
	go rx.handleControlSubscription()

	return rx
}

func (rx *IPCRx) handleControlSubscription() {
	defer close(rx.done)
	rx.log.Info("Listening for commands on %s", ipcControlChannel)

	for {
		msg, err := rx.subscription.Receive(rx.ctx)
		if err != nil {
			if rx.ctx.Err() != nil {
				return
			}
			if err == redis.ErrClosed {
				return
			}
			rx.log.Error("Control subscription error: %v", err)
			select {
			case <-rx.ctx.Done():
				return
			case <-time.After(ipcRetryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			rx.handleCommand(m.Payload)
		case *redis.Subscription:
			rx.log.Debug("Control subscription %s %s", m.Kind, m.Channel)
		}
	}
}

func (rx *IPCRx) handleCommand(payload string) {
	fields := strings.Fields(payload)
	if len(fields) != 2 || fields[0] != "inject" {
		rx.log.Warn("Ignoring unknown control command %q", payload)
		return
	}

	rx.mu.RLock()
	target, ok := rx.targets[fields[1]]
	rx.mu.RUnlock()
	if !ok {
		rx.log.Warn("Cannot inject fault: unknown ECU %s", fields[1])
		return
	}

	if err := target.InjectFault(); err != nil {
		rx.log.Error("Fault injection failed: %v", err)
	}
}

func (rx *IPCRx) Destroy() {
	rx.cancel()
	if rx.subscription != nil {
		rx.subscription.Close()
	}
	<-rx.done
}
