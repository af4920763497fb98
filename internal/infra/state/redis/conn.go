package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"room-presence/internal/infra/state/jsontree"
	"room-presence/internal/repository"
)

// Conn 一个客户端到 Redis 实时存储的连接，实现 repository.StoreConn。
// 连接存活由租约 key 表示，租约过期后 reaper 会代为执行断线触发器。
type Conn struct {
	store *Store
	id    string

	mu           sync.Mutex
	connected    bool
	closed       bool
	listeners    map[uint64]func(bool)
	nextListener uint64
	unsubs       map[uint64]repository.Unsubscribe
	nextSub      uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ repository.StoreConn = (*Conn)(nil)

func newConn(s *Store, clientID string) *Conn {
	return &Conn{
		store:     s,
		id:        clientID,
		connected: true,
		listeners: make(map[uint64]func(bool)),
		unsubs:    make(map[uint64]repository.Unsubscribe),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) checkOnline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.closed {
		return repository.ErrDisconnected
	}
	return nil
}

func (c *Conn) Get(ctx context.Context, path string) (repository.Snapshot, error) {
	if err := c.checkOnline(); err != nil {
		return repository.Snapshot{}, err
	}
	return c.store.get(ctx, path)
}

func (c *Conn) Subscribe(ctx context.Context, path string, fn func(repository.Snapshot)) (repository.Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, repository.ErrDisconnected
	}
	c.mu.Unlock()

	unsub, err := c.store.subscribe(ctx, path, fn)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.unsubs[id] = unsub
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.unsubs, id)
		c.mu.Unlock()
		unsub()
	}, nil
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	return c.Update(ctx, map[string]any{path: value})
}

func (c *Conn) Update(ctx context.Context, updates map[string]any) error {
	return c.UpdateIf(ctx, nil, updates)
}

func (c *Conn) UpdateIf(ctx context.Context, expect map[string]any, updates map[string]any) error {
	if err := c.checkOnline(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	conds, err := jsontree.PrepareUpdates(expect)
	if err != nil {
		return err
	}
	entries, err := jsontree.PrepareUpdates(updates)
	if err != nil {
		return err
	}
	return c.store.commit(ctx, conds, entries, txHooks{})
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Update(ctx, map[string]any{path: nil})
}

func (c *Conn) ArmOnLoss(ctx context.Context, path string, value any) error {
	if err := c.checkOnline(); err != nil {
		return err
	}
	if _, err := repository.SplitPath(path); err != nil {
		return err
	}
	nv, err := jsontree.Normalize(value)
	if err != nil {
		return err
	}
	b, err := json.Marshal(nv)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal on-loss value for %s: %w", path, err)
	}
	if err := c.store.client.HSet(ctx, c.store.onLossKey(c.id), path, b).Err(); err != nil {
		return fmt.Errorf("redis: failed to arm on-loss trigger %s for client %s: %w", path, c.id, err)
	}
	return nil
}

func (c *Conn) CancelOnLoss(ctx context.Context, path string) error {
	if err := c.checkOnline(); err != nil {
		return err
	}
	if err := c.store.client.HDel(ctx, c.store.onLossKey(c.id), path).Err(); err != nil {
		return fmt.Errorf("redis: failed to cancel on-loss trigger %s for client %s: %w", path, c.id, err)
	}
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *Conn) OnConnectionChange(fn func(connected bool)) repository.Unsubscribe {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// heartbeat 周期性续期租约。续期失败视为断线；租约已被回收说明触发器可能已执行，
// 重新建立租约后以“重连”通知上层重新登记触发器。
func (c *Conn) heartbeat() {
	defer close(c.done)
	ticker := time.NewTicker(c.store.opts.LeaseHeartbeat)
	defer ticker.Stop()

	logCtx := logrus.WithField("client_id", c.id)
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.store.opts.LeaseHeartbeat)
		lease := c.store.leaseKey(c.id)
		now := c.store.now().UnixMilli()
		renewed, err := c.store.client.SetXX(ctx, lease, now, c.store.opts.LeaseTTL).Result()
		if err != nil {
			cancel()
			logCtx.WithError(err).Warn("redis: lease renewal failed")
			c.setConnected(false)
			continue
		}
		if !renewed {
			logCtx.Warn("redis: lease expired, re-establishing connection")
			c.setConnected(false)
			if err := c.store.client.Set(ctx, lease, now, c.store.opts.LeaseTTL).Err(); err != nil {
				cancel()
				logCtx.WithError(err).Warn("redis: failed to re-acquire lease")
				continue
			}
		}
		cancel()
		c.setConnected(true)
	}
}

func (c *Conn) stopHeartbeat() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Conn) setConnected(connected bool) {
	c.mu.Lock()
	if c.closed || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	c.mu.Unlock()
	c.notify(connected)
}

func (c *Conn) Close(ctx context.Context) error {
	c.stopHeartbeat()
	_, err := c.store.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.store.onLossKey(c.id))
		pipe.Del(ctx, c.store.leaseKey(c.id))
		return nil
	})
	c.shutdown()
	if err != nil {
		return fmt.Errorf("redis: failed to release client %s: %w", c.id, err)
	}
	return nil
}

func (c *Conn) Abort(ctx context.Context) error {
	c.stopHeartbeat()
	n, err := c.store.fireTriggers(ctx, c.id, false)
	if err == nil {
		err = c.store.client.Del(ctx, c.store.leaseKey(c.id)).Err()
	}
	c.shutdown()
	if err != nil {
		return fmt.Errorf("redis: failed to abort client %s: %w", c.id, err)
	}
	logrus.WithFields(logrus.Fields{"client_id": c.id, "count": n}).Debug("redis: on-loss triggers applied on abort")
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.closed = true
	c.connected = false
	unsubs := c.unsubs
	c.unsubs = make(map[uint64]repository.Unsubscribe)
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if wasConnected {
		c.notify(false)
	}
}

func (c *Conn) notify(connected bool) {
	c.mu.Lock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}
