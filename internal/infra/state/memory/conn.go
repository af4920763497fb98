package memory

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"room-presence/internal/infra/state/jsontree"
	"room-presence/internal/repository"
)

// Conn 单个客户端到 Backend 的连接，实现 repository.StoreConn。
type Conn struct {
	backend *Backend
	id      string

	mu           sync.Mutex
	connected    bool
	closed       bool
	onLoss       map[string]any // 路径 -> 规范化后、尚未解析时间哨兵的值
	subs         map[uint64]struct{}
	listeners    map[uint64]func(bool)
	nextListener uint64
}

var _ repository.StoreConn = (*Conn)(nil)

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) checkOnline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.closed {
		return repository.ErrDisconnected
	}
	return nil
}

func (c *Conn) Get(_ context.Context, path string) (repository.Snapshot, error) {
	if err := c.checkOnline(); err != nil {
		return repository.Snapshot{}, err
	}
	return c.backend.get(path)
}

func (c *Conn) Subscribe(_ context.Context, path string, fn func(repository.Snapshot)) (repository.Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, repository.ErrDisconnected
	}
	c.mu.Unlock()

	id, _, err := c.backend.subscribe(path, fn)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs[id] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			c.backend.unsubscribe(id)
		})
	}, nil
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	return c.Update(ctx, map[string]any{path: value})
}

func (c *Conn) Update(ctx context.Context, updates map[string]any) error {
	return c.UpdateIf(ctx, nil, updates)
}

func (c *Conn) UpdateIf(_ context.Context, expect map[string]any, updates map[string]any) error {
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
	return c.backend.apply(conds, entries)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Update(ctx, map[string]any{path: nil})
}

func (c *Conn) ArmOnLoss(_ context.Context, path string, value any) error {
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
	c.mu.Lock()
	c.onLoss[path] = nv
	c.mu.Unlock()
	return nil
}

func (c *Conn) CancelOnLoss(_ context.Context, path string) error {
	if err := c.checkOnline(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.onLoss, path)
	c.mu.Unlock()
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

// Interrupt 模拟一次临时断线：存储执行断线触发器，连接进入离线状态，订阅保留。
func (c *Conn) Interrupt() {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.fireTriggers()
	c.notify(false)
}

// Reconnect 恢复 Interrupt 之后的连接。之前的断线触发器已执行，调用方需要重新登记。
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.notify(true)
}

func (c *Conn) Close(_ context.Context) error {
	c.mu.Lock()
	c.onLoss = make(map[string]any)
	c.mu.Unlock()
	c.shutdown()
	return nil
}

func (c *Conn) Abort(_ context.Context) error {
	c.mu.Lock()
	wasConnected := c.connected && !c.closed
	c.mu.Unlock()
	if wasConnected {
		c.fireTriggers()
	}
	c.shutdown()
	return nil
}

func (c *Conn) fireTriggers() {
	c.mu.Lock()
	triggers := c.onLoss
	c.onLoss = make(map[string]any)
	c.mu.Unlock()
	if len(triggers) == 0 {
		return
	}

	entries, err := jsontree.PrepareUpdates(triggers)
	if err != nil {
		logrus.WithError(err).WithField("client_id", c.id).Error("memory store: invalid on-loss triggers")
		return
	}
	if err := c.backend.apply(nil, entries); err != nil {
		logrus.WithError(err).WithField("client_id", c.id).Error("memory store: failed to apply on-loss triggers")
		return
	}
	logrus.WithFields(logrus.Fields{"client_id": c.id, "count": len(entries)}).Debug("memory store: on-loss triggers applied")
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
	subs := c.subs
	c.subs = make(map[uint64]struct{})
	c.mu.Unlock()

	for id := range subs {
		c.backend.unsubscribe(id)
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
