package entrylog

import "github.com/pkg/errors"

var (
	// ErrShortRead 表示底层文件返回的字节数少于请求的字节数
	// 并且无法继续取得进展
	ErrShortRead = errors.New("short read from entry log file")

	// ErrReadPastEOF 表示请求的位置位于文件末尾或之后
	ErrReadPastEOF = errors.New("read past end of file")

	// ErrOversizedWrite 表示一次写入超出了通道或 chunk 的容量上限
	// 返回这个错误时通道的状态没有被改变
	ErrOversizedWrite = errors.New("write exceeds channel capacity")

	// ErrCorruptedEntry 表示日志文件中的记录被破坏或者被截断
	// 长度前缀声明的记录长度超出了文件的剩余长度
	ErrCorruptedEntry = errors.New("entry log corrupted or truncated")
)
