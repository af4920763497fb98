package service

import "time"

// Options 协调组件的可调参数
type Options struct {
	// 状态聚合
	MembershipDebounce time.Duration // 成员变化后的防抖时间
	OfflineDebounce    time.Duration // 有成员转为 offline 时使用的较短防抖
	FallbackInterval   time.Duration // 兜底检查周期
	FallbackStaleAfter time.Duration // 距上次检查超过该时长才执行兜底

	// 断线监视
	SettleDelay time.Duration // 房间转为 empty 后等待的时间
	CloseDelay  time.Duration // 标记断线后到关闭前的复查等待

	// 清理
	LeaderStaleAfter time.Duration // 领导者心跳超过该时长视为失效
	LeaderHeartbeat  time.Duration
	SweepInterval    time.Duration
	DeleteGrace      time.Duration // 关闭后、未设置 deleteAt 时的保留时长
	DeleteRetention  time.Duration // 主动关闭时写入的 deleteAt 偏移
	AbandonAfter     time.Duration // empty 持续多久后由清理者关闭

	// 延迟测量
	PingEnabled         bool
	PingInterval        time.Duration
	PingWhileBackground bool
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		MembershipDebounce:  500 * time.Millisecond,
		OfflineDebounce:     200 * time.Millisecond,
		FallbackInterval:    30 * time.Second,
		FallbackStaleAfter:  20 * time.Second,
		SettleDelay:         2 * time.Second,
		CloseDelay:          4 * time.Second,
		LeaderStaleAfter:    60 * time.Second,
		LeaderHeartbeat:     30 * time.Second,
		SweepInterval:       30 * time.Second,
		DeleteGrace:         5 * time.Minute,
		DeleteRetention:     time.Hour,
		AbandonAfter:        10 * time.Minute,
		PingEnabled:         false,
		PingInterval:        10 * time.Second,
		PingWhileBackground: false,
	}
}
