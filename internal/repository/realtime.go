package repository

import (
	"bytes"
	"context"
	"encoding/json"
)

// Snapshot 某一路径在某一时刻的值。
type Snapshot struct {
	Path   string
	Exists bool
	Raw    json.RawMessage
}

// Decode 把快照解码到 v；路径不存在时返回 ErrNotFound。
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return ErrNotFound
	}
	return json.Unmarshal(s.Raw, v)
}

// Equal 两个快照的值是否相同。
func (s Snapshot) Equal(other Snapshot) bool {
	return s.Exists == other.Exists && bytes.Equal(s.Raw, other.Raw)
}

// Unsubscribe 取消订阅，可重复调用。
type Unsubscribe func()

// StoreConn 一个客户端到实时存储的连接。
//
// 路径使用 "/" 分隔，例如 rooms/AB12CD/members/u1/presenceState。
// 写入的值可以包含 ServerTimestamp 哨兵，由存储在提交时替换为服务器时间。
// 写入 nil 表示删除该路径。
type StoreConn interface {
	// ClientID 连接标识，用于区分断线触发器的归属。
	ClientID() string

	// Get 读取路径当前的值。
	Get(ctx context.Context, path string) (Snapshot, error)

	// Subscribe 订阅路径。回调先收到一次当前值，之后仅在值变化时收到最新值。
	// 回调在独立的 goroutine 中串行执行，积压的中间值会被合并。
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error)

	// Set 写入单个路径。
	Set(ctx context.Context, path string, value any) error

	// Update 原子地写入多个路径，要么全部生效要么全部失败。
	Update(ctx context.Context, updates map[string]any) error

	// UpdateIf 在 expect 中每个路径的当前值都与预期相同时才写入 updates，
	// 否则返回 ErrPreconditionFailed。预期值为 nil 表示路径不存在。
	UpdateIf(ctx context.Context, expect map[string]any, updates map[string]any) error

	// Remove 删除路径。
	Remove(ctx context.Context, path string) error

	// ArmOnLoss 登记一个断线触发器：连接非正常丢失时，存储代为写入 value。
	// 同一路径重复登记会覆盖之前的值。
	ArmOnLoss(ctx context.Context, path string, value any) error

	// CancelOnLoss 取消该路径上的断线触发器。
	CancelOnLoss(ctx context.Context, path string) error

	// Connected 连接当前是否可用。
	Connected() bool

	// OnConnectionChange 注册连接状态变化回调。
	OnConnectionChange(fn func(connected bool)) Unsubscribe

	// Close 正常断开：丢弃已登记的断线触发器并释放订阅。
	Close(ctx context.Context) error

	// Abort 模拟连接丢失：由存储执行已登记的断线触发器后释放连接。
	Abort(ctx context.Context) error
}

// Dialer 为指定客户端建立一条新的存储连接。
type Dialer func(ctx context.Context, clientID string) (StoreConn, error)
