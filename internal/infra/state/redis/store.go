package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"room-presence/internal/infra/state/jsontree"
	"room-presence/internal/repository"
)

// Options Redis 实时存储的参数
type Options struct {
	KeyPrefix      string        // 所有 key 的前缀
	LeaseTTL       time.Duration // 连接租约有效期，过期即视为连接丢失
	LeaseHeartbeat time.Duration // 租约续期间隔，应明显小于 LeaseTTL
	ReaperInterval time.Duration // 扫描过期租约的间隔
	MaxTxRetries   int           // WATCH 冲突时的最大重试次数
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "rp:" // room presence
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.LeaseHeartbeat <= 0 {
		o.LeaseHeartbeat = o.LeaseTTL / 3
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 5 * time.Second
	}
	if o.MaxTxRetries <= 0 {
		o.MaxTxRetries = 16
	}
	return o
}

// Store 基于 Redis 的实时存储。
//
// 每个顶层文档（路径的前两级，例如 rooms/AB12CD）保存为一个 JSON 字符串 key，
// 集合下的文档 ID 记录在索引 set 中。写入通过 WATCH/MULTI 提交，
// 提交时在同一事务里 PUBLISH 变更通知。
type Store struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

// NewStore 创建 Store 实例
func NewStore(client *redis.Client, opts Options) *Store {
	if client == nil {
		panic("redis client cannot be nil for realtime Store")
	}
	return &Store{
		client: client,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

var errLeaseAlive = errors.New("redis: client lease still alive")

// --- Key Generation Helpers ---
func (s *Store) docKey(doc string) string {
	return s.opts.KeyPrefix + "doc:" + doc
}

func (s *Store) indexKey(collection string) string {
	return s.opts.KeyPrefix + "idx:" + collection
}

func (s *Store) changeChannel(doc string) string {
	return s.opts.KeyPrefix + "chg:" + doc
}

func (s *Store) leaseKey(clientID string) string {
	return s.opts.KeyPrefix + "lease:" + clientID
}

func (s *Store) onLossKey(clientID string) string {
	return s.opts.KeyPrefix + "onloss:" + clientID
}

// locate 把路径拆成文档名和文档内路径。只有一级的路径表示整个集合，doc 为空。
func locate(segs []string) (doc, collection string, rest []string) {
	if len(segs) == 1 {
		return "", segs[0], nil
	}
	return segs[0] + "/" + segs[1], segs[0], segs[2:]
}

func splitDoc(doc string) (collection, id string) {
	parts := strings.SplitN(doc, "/", 2)
	return parts[0], parts[1]
}

// Connect 为 clientID 建立连接并开始续期租约。
func (s *Store) Connect(ctx context.Context, clientID string) (*Conn, error) {
	if err := s.client.Set(ctx, s.leaseKey(clientID), s.now().UnixMilli(), s.opts.LeaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("redis: failed to acquire lease for client %s: %w", clientID, err)
	}
	c := newConn(s, clientID)
	go c.heartbeat()
	return c, nil
}

// Dialer 返回基于该 Store 的连接工厂。
func (s *Store) Dialer() repository.Dialer {
	return func(ctx context.Context, clientID string) (repository.StoreConn, error) {
		return s.Connect(ctx, clientID)
	}
}

func (s *Store) get(ctx context.Context, path string) (repository.Snapshot, error) {
	segs, err := repository.SplitPath(path)
	if err != nil {
		return repository.Snapshot{}, err
	}
	doc, collection, rest := locate(segs)
	if doc == "" {
		return s.getCollection(ctx, path, collection)
	}

	root, err := loadDoc(ctx, s.client, s.docKey(doc))
	if err != nil {
		return repository.Snapshot{}, err
	}
	var v any
	if len(root) > 0 {
		v, _ = jsontree.Get(root, rest)
	}
	raw, exists, err := jsontree.Encode(v)
	if err != nil {
		return repository.Snapshot{}, err
	}
	return repository.Snapshot{Path: path, Exists: exists, Raw: raw}, nil
}

func (s *Store) getCollection(ctx context.Context, path, collection string) (repository.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return repository.Snapshot{}, fmt.Errorf("redis: failed to read index %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return repository.Snapshot{Path: path}, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(collection + "/" + id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return repository.Snapshot{}, fmt.Errorf("redis: failed to read collection %s: %w", collection, err)
	}

	tree := make(map[string]any, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // 索引中残留的 ID
		}
		var root map[string]any
		if err := json.Unmarshal([]byte(str), &root); err != nil {
			logrus.WithError(err).WithField("key", keys[i]).Warn("redis: skipping corrupt document")
			continue
		}
		tree[ids[i]] = root
	}
	if len(tree) == 0 {
		return repository.Snapshot{Path: path}, nil
	}
	raw, _, err := jsontree.Encode(tree)
	if err != nil {
		return repository.Snapshot{}, err
	}
	return repository.Snapshot{Path: path, Exists: true, Raw: raw}, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadDoc(ctx context.Context, g getter, key string) (map[string]any, error) {
	b, err := g.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("redis: failed to get document %s: %w", key, err)
	}
	root := make(map[string]any)
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal document %s: %w", key, err)
	}
	return root, nil
}

// txHooks 让调用方在同一个事务中追加读取和命令
type txHooks struct {
	watch   []string
	prepare func(ctx context.Context, tx *redis.Tx) ([]jsontree.Entry, error)
	queue   func(ctx context.Context, pipe redis.Pipeliner)
}

type docEntries map[string][]jsontree.Entry

func groupByDoc(entries []jsontree.Entry, forWrite bool) (docEntries, error) {
	groups := make(docEntries)
	for _, e := range entries {
		doc, _, rest := locate(e.Segs)
		if doc == "" {
			if forWrite {
				return nil, fmt.Errorf("%w: cannot write whole collection %q", repository.ErrInvalidPath, e.Path)
			}
			return nil, fmt.Errorf("%w: cannot compare whole collection %q", repository.ErrInvalidPath, e.Path)
		}
		groups[doc] = append(groups[doc], jsontree.Entry{Path: e.Path, Segs: rest, Value: e.Value})
	}
	return groups, nil
}

func applyDoc(root map[string]any, entries []jsontree.Entry, now time.Time) map[string]any {
	for _, e := range entries {
		v := jsontree.ResolveServerValues(e.Value, now)
		if len(e.Segs) == 0 {
			m, _ := v.(map[string]any)
			if m == nil {
				m = make(map[string]any)
			}
			root = m
			continue
		}
		jsontree.Set(root, e.Segs, v)
	}
	return root
}

// commit 在一个 WATCH/MULTI 事务中校验 expect 并写入 entries，冲突时重试。
func (s *Store) commit(ctx context.Context, expect, entries []jsontree.Entry, hooks txHooks) error {
	for attempt := 0; attempt < s.opts.MaxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			all := entries
			if hooks.prepare != nil {
				extra, err := hooks.prepare(ctx, tx)
				if err != nil {
					return err
				}
				all = append(append([]jsontree.Entry(nil), entries...), extra...)
			}
			writes, err := groupByDoc(all, true)
			if err != nil {
				return err
			}
			conds, err := groupByDoc(expect, false)
			if err != nil {
				return err
			}

			docs := make([]string, 0, len(writes)+len(conds))
			for doc := range writes {
				docs = append(docs, doc)
			}
			for doc := range conds {
				if _, ok := writes[doc]; !ok {
					docs = append(docs, doc)
				}
			}
			sort.Strings(docs)
			if len(docs) > 0 {
				keys := make([]string, len(docs))
				for i, doc := range docs {
					keys[i] = s.docKey(doc)
				}
				if err := tx.Watch(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("redis: failed to watch documents: %w", err)
				}
			}

			roots := make(map[string]map[string]any, len(docs))
			for _, doc := range docs {
				root, err := loadDoc(ctx, tx, s.docKey(doc))
				if err != nil {
					return err
				}
				roots[doc] = root
			}
			for doc, c := range conds {
				if !jsontree.Matches(roots[doc], c) {
					return repository.ErrPreconditionFailed
				}
			}

			now := s.now()
			payloads := make(map[string][]byte, len(writes))
			for doc, es := range writes {
				root := applyDoc(roots[doc], es, now)
				if len(root) == 0 {
					payloads[doc] = nil
					continue
				}
				b, err := json.Marshal(root)
				if err != nil {
					return fmt.Errorf("redis: failed to marshal document %s: %w", doc, err)
				}
				payloads[doc] = b
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for doc, b := range payloads {
					collection, id := splitDoc(doc)
					if b == nil {
						pipe.Del(ctx, s.docKey(doc))
						pipe.SRem(ctx, s.indexKey(collection), id)
					} else {
						pipe.Set(ctx, s.docKey(doc), b, 0)
						pipe.SAdd(ctx, s.indexKey(collection), id)
					}
					pipe.Publish(ctx, s.changeChannel(doc), now.UnixMilli())
				}
				if hooks.queue != nil {
					hooks.queue(ctx, pipe)
				}
				return nil
			})
			return err
		}, hooks.watch...)

		if errors.Is(err, redis.TxFailedErr) {
			logrus.WithField("attempt", attempt+1).Debug("redis: transaction conflict, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("redis: transaction retries exhausted after %d attempts", s.opts.MaxTxRetries)
}

func (s *Store) subscribe(ctx context.Context, path string, fn func(repository.Snapshot)) (repository.Unsubscribe, error) {
	segs, err := repository.SplitPath(path)
	if err != nil {
		return nil, err
	}
	doc, collection, _ := locate(segs)

	var pubsub *redis.PubSub
	if doc == "" {
		pubsub = s.client.PSubscribe(ctx, s.changeChannel(collection+"/*"))
	} else {
		pubsub = s.client.Subscribe(ctx, s.changeChannel(doc))
	}
	// 等待订阅确认后再读取初始值，避免漏掉两者之间的变更
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: failed to subscribe %s: %w", path, err)
	}
	initial, err := s.get(ctx, path)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ch := pubsub.Channel()
	go func() {
		last := initial
		fn(initial)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// 合并积压的通知，只读取一次最新值
				for drained := false; !drained; {
					select {
					case _, ok := <-ch:
						if !ok {
							return
						}
					default:
						drained = true
					}
				}
				snap, err := s.get(subCtx, path)
				if err != nil {
					if subCtx.Err() != nil {
						return
					}
					logrus.WithError(err).WithField("path", path).Warn("redis: failed to refresh subscribed path")
					continue
				}
				if snap.Equal(last) {
					continue
				}
				last = snap
				fn(snap)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}, nil
}

// fireTriggers 执行 clientID 登记的全部断线触发器并清除它们。
// requireExpired 为 true 时，只有租约已经过期才会执行。
func (s *Store) fireTriggers(ctx context.Context, clientID string, requireExpired bool) (int, error) {
	onLoss := s.onLossKey(clientID)
	lease := s.leaseKey(clientID)
	fired := 0
	err := s.commit(ctx, nil, nil, txHooks{
		watch: []string{onLoss, lease},
		prepare: func(ctx context.Context, tx *redis.Tx) ([]jsontree.Entry, error) {
			if requireExpired {
				n, err := tx.Exists(ctx, lease).Result()
				if err != nil {
					return nil, fmt.Errorf("redis: failed to check lease for %s: %w", clientID, err)
				}
				if n > 0 {
					return nil, errLeaseAlive
				}
			}
			fields, err := tx.HGetAll(ctx, onLoss).Result()
			if err != nil {
				return nil, fmt.Errorf("redis: failed to read on-loss triggers for %s: %w", clientID, err)
			}
			updates := make(map[string]any, len(fields))
			for path, raw := range fields {
				updates[path] = json.RawMessage(raw)
			}
			entries, err := jsontree.PrepareUpdates(updates)
			if err != nil {
				return nil, err
			}
			fired = len(entries)
			return entries, nil
		},
		queue: func(ctx context.Context, pipe redis.Pipeliner) {
			pipe.Del(ctx, onLoss)
		},
	})
	if errors.Is(err, errLeaseAlive) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fired, nil
}

// ReapExpired 扫描所有登记了断线触发器的连接，对租约已过期的连接执行触发器。
// 返回执行了触发器的连接数量。
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	prefix := s.onLossKey("")
	reaped := 0
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		clientID := strings.TrimPrefix(iter.Val(), prefix)
		n, err := s.fireTriggers(ctx, clientID, true)
		if err != nil {
			logrus.WithError(err).WithField("client_id", clientID).Error("redis: failed to apply expired on-loss triggers")
			continue
		}
		if n > 0 {
			logrus.WithFields(logrus.Fields{"client_id": clientID, "count": n}).Info("redis: applied on-loss triggers for expired lease")
			reaped++
		}
	}
	if err := iter.Err(); err != nil {
		return reaped, fmt.Errorf("redis: failed to scan on-loss keys: %w", err)
	}
	return reaped, nil
}

// RunReaper 周期性执行 ReapExpired，直到 ctx 结束。
func (s *Store) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReaperInterval)
	defer ticker.Stop()
	logrus.WithField("interval", s.opts.ReaperInterval).Info("redis: lease reaper started")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("redis: lease reaper stopped")
			return
		case <-ticker.C:
			if _, err := s.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("redis: lease reaper pass failed")
			}
		}
	}
}
