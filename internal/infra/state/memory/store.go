// Package memory 提供进程内的实时存储实现，用于单机部署和测试。
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"room-presence/internal/infra/state/jsontree"
	"room-presence/internal/repository"
)

// Backend 进程内共享的 JSON 树，多个 Conn 连接到同一个 Backend。
type Backend struct {
	mu     sync.Mutex
	root   map[string]any
	subs   map[uint64]*subscription
	nextID uint64
	now    func() time.Time
	writes atomic.Int64
}

// NewBackend 创建空的内存存储。
func NewBackend() *Backend {
	return &Backend{
		root: make(map[string]any),
		subs: make(map[uint64]*subscription),
		now:  time.Now,
	}
}

// Connect 为 clientID 建立一条连接。
func (b *Backend) Connect(clientID string) *Conn {
	return &Conn{
		backend:   b,
		id:        clientID,
		connected: true,
		onLoss:    make(map[string]any),
		subs:      make(map[uint64]struct{}),
		listeners: make(map[uint64]func(bool)),
	}
}

// Dialer 返回基于该 Backend 的连接工厂。
func (b *Backend) Dialer() repository.Dialer {
	return func(_ context.Context, clientID string) (repository.StoreConn, error) {
		return b.Connect(clientID), nil
	}
}

// WriteCount 已提交的写入批次数量。
func (b *Backend) WriteCount() int64 {
	return b.writes.Load()
}

func (b *Backend) get(path string) (repository.Snapshot, error) {
	segs, err := repository.SplitPath(path)
	if err != nil {
		return repository.Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(path, segs)
}

func (b *Backend) snapshotLocked(path string, segs []string) (repository.Snapshot, error) {
	v, _ := jsontree.Get(b.root, segs)
	raw, exists, err := jsontree.Encode(v)
	if err != nil {
		return repository.Snapshot{}, err
	}
	return repository.Snapshot{Path: path, Exists: exists, Raw: raw}, nil
}

// apply 原子地提交一批写入，expect 不满足时返回 ErrPreconditionFailed。
func (b *Backend) apply(expect, entries []jsontree.Entry) error {
	b.mu.Lock()
	if !jsontree.Matches(b.root, expect) {
		b.mu.Unlock()
		return repository.ErrPreconditionFailed
	}
	jsontree.Apply(b.root, entries, b.now())
	b.writes.Add(1)

	// 在锁内投递，保证同一订阅看到的快照顺序与提交顺序一致
	for _, sub := range b.subs {
		touched := false
		for _, e := range entries {
			if jsontree.Overlaps(sub.segs, e.Segs) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		snap, err := b.snapshotLocked(sub.path, sub.segs)
		if err != nil {
			logrus.WithError(err).WithField("path", sub.path).Error("memory store: failed to encode snapshot")
			continue
		}
		if snap.Equal(sub.last) {
			continue
		}
		sub.last = snap
		sub.offer(snap)
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) subscribe(path string, fn func(repository.Snapshot)) (uint64, *subscription, error) {
	segs, err := repository.SplitPath(path)
	if err != nil {
		return 0, nil, err
	}
	sub := &subscription{
		path: path,
		segs: segs,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	snap, err := b.snapshotLocked(path, segs)
	if err != nil {
		b.mu.Unlock()
		return 0, nil, err
	}
	b.nextID++
	id := b.nextID
	sub.last = snap
	b.subs[id] = sub
	sub.offer(snap)
	b.mu.Unlock()

	go sub.run()
	return id, sub, nil
}

func (b *Backend) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// subscription 每个订阅一个投递 goroutine，只保留最新一次未投递的快照。
type subscription struct {
	path string
	segs []string
	fn   func(repository.Snapshot)
	last repository.Snapshot // 由 Backend.mu 保护

	mu       sync.Mutex
	pending  *repository.Snapshot
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) offer(snap repository.Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.mu.Lock()
			snap := s.pending
			s.pending = nil
			s.mu.Unlock()
			if snap == nil {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(*snap)
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
