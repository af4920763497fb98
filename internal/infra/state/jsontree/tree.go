// Package jsontree 在通用 JSON 树（map[string]any）上按路径读写，
// 供实时存储的各个后端共用。
package jsontree

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"room-presence/internal/repository"
)

// Normalize 把任意 Go 值经 JSON 往返转换为通用 JSON 值。
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return decode(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsontree: marshal value: %w", err)
	}
	return decode(b)
}

func decode(b []byte) (any, error) {
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("jsontree: unmarshal value: %w", err)
	}
	return out, nil
}

// ResolveServerValues 把值中的服务器时间哨兵替换为 now（可带偏移）的 RFC3339 字符串。
// v 必须是 Normalize 的结果，替换会原地修改其中的 map。
func ResolveServerValues(v any, now time.Time) any {
	switch t := v.(type) {
	case map[string]any:
		if sv, ok := t[repository.ServerValueKey]; ok && sv == "timestamp" {
			ts := now
			if off, ok := t[repository.ServerOffsetKey].(float64); ok {
				ts = now.Add(time.Duration(off) * time.Millisecond)
			}
			return ts.UTC().Format(time.RFC3339Nano)
		}
		for k, child := range t {
			t[k] = ResolveServerValues(child, now)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = ResolveServerValues(child, now)
		}
		return t
	}
	return v
}

// Get 返回 root 中 segs 路径处的值。
func Get(root map[string]any, segs []string) (any, bool) {
	var node any = root
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	if node == nil {
		return nil, false
	}
	return node, true
}

// Set 在 segs 路径处写入 value。value 为 nil 或空对象时删除该路径，
// 并移除因此变空的父节点。
func Set(root map[string]any, segs []string, value any) {
	if len(segs) == 0 {
		return
	}
	if m, ok := value.(map[string]any); ok && len(m) == 0 {
		value = nil
	}
	setIn(root, segs, value)
}

func setIn(node map[string]any, segs []string, value any) {
	key := segs[0]
	if len(segs) == 1 {
		if value == nil {
			delete(node, key)
		} else {
			node[key] = value
		}
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = make(map[string]any)
		node[key] = child
	}
	setIn(child, segs[1:], value)
	if len(child) == 0 {
		delete(node, key)
	}
}

// Encode 编码为快照使用的 JSON；值为 nil 时返回 false。
// encoding/json 对 map 键排序，相同的值总是得到相同的字节。
func Encode(v any) (json.RawMessage, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("jsontree: encode: %w", err)
	}
	return b, true, nil
}

// Equal 比较两个通用 JSON 值。
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Overlaps 两条路径是否互为前缀（包括相同）。
func Overlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Entry 一条已解析的写入。
type Entry struct {
	Path  string
	Segs  []string
	Value any
}

// PrepareUpdates 校验路径并把值规范化，但不解析服务器时间哨兵。
func PrepareUpdates(updates map[string]any) ([]Entry, error) {
	entries := make([]Entry, 0, len(updates))
	for path, v := range updates {
		segs, err := repository.SplitPath(path)
		if err != nil {
			return nil, err
		}
		nv, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Path: path, Segs: segs, Value: nv})
	}
	// 短路径先写，避免父路径覆盖掉同一批次中的子路径
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].Segs) != len(entries[j].Segs) {
			return len(entries[i].Segs) < len(entries[j].Segs)
		}
		return entries[i].Path < entries[j].Path
	})
}

// Apply 依次把条目写入 root，写入前解析服务器时间哨兵。
func Apply(root map[string]any, entries []Entry, now time.Time) {
	for _, e := range entries {
		Set(root, e.Segs, ResolveServerValues(e.Value, now))
	}
}

// Matches root 中每个条目路径上的值是否都等于预期值。
func Matches(root map[string]any, expect []Entry) bool {
	for _, e := range expect {
		got, _ := Get(root, e.Segs)
		if !Equal(got, e.Value) {
			return false
		}
	}
	return true
}
