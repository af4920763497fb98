package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry 表示尝试插入或更新的数据违反了唯一约束
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
	// ErrInvalidPath 表示实时存储路径格式不合法
	ErrInvalidPath = errors.New("repository: invalid store path")
	// ErrDisconnected 表示实时存储连接当前不可用
	ErrDisconnected = errors.New("repository: store connection is offline")
	// ErrPreconditionFailed 表示条件写入时存储中的值与预期不符
	ErrPreconditionFailed = errors.New("repository: precondition failed")
)

// 特定资源的错误
var (
	ErrRoomNotFound    = ErrNotFound
	ErrArchiveNotFound = ErrNotFound
)
