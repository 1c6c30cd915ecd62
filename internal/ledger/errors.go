package ledger

import "github.com/pkg/errors"

var (
	// ErrLedgerNotFound 表示请求的 ledger 没有索引文件
	// 它和一般的 I/O 失败相区分
	// 调用者可以据此分辨 ledger 不存在和存储故障
	ErrLedgerNotFound = errors.New("ledger not found")

	// ErrMasterKeyMismatch 表示尝试用一个不同的 master key
	// 覆盖已经存在的 master key 已有的 key 保持不变
	ErrMasterKeyMismatch = errors.New("master key does not match the one stored")

	// ErrCorruptedIndex 表示索引文件的头部无法识别
	ErrCorruptedIndex = errors.New("index file corrupted")
)
