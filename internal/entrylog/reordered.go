package entrylog

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// FakeCeilingBytes 是每个 chunk 末尾保留的松弛字节数
//
// 同一个 key 的追加写只要不越过这条假天花板
// 就可以继续留在当前的 chunk 区域中
// 这样轻微的溢出不会立刻触发新 chunk 的分配
//
// 这是一个固定的可调常量 不随 chunk 的大小缩放
const FakeCeilingBytes = 16

// 一个 key 当前打开的 chunk 区域
// 一次分配可以一口气保留多个连续的 chunk
type chunkRegion struct {
	// 区域中第一个 chunk 的下标
	startChunk int

	// 区域占用的 chunk 个数
	numChunks int

	// 区域中已经写入的字节数
	used int
}

// ReorderedWriteChannel 是一个特殊的写缓冲通道
//
// 它把写容量划分成若干个固定大小的 chunk
// 每个 chunk 区域由一个不透明的整数 key 独占
// 这样不同 key 交错的写入在刷盘后
// 同一个 key 的全部字节仍然以 chunk 为单位物理连续
// 从而改善之后按 key 扫描和读取的局部性
//
// 因为 chunk 的分配必须对并发的 key 保持原子
// 所以所有写操作都通过一把互斥锁串行化
type ReorderedWriteChannel struct {
	mu sync.Mutex

	file *os.File

	// 写缓冲区 chunk i 占据其中 [i*chunkSize, (i+1)*chunkSize) 的区域
	writeBuffer []byte

	chunkSize int

	// 下一个未分配的 chunk 下标
	// 已分配的 chunk 总是从缓冲区的头部开始连续排列
	nextFreeChunk int

	// 每个 key 当前打开的 chunk 区域
	regions map[int64]*chunkRegion

	// 第一个未刷盘字节在文件中的绝对偏移
	writeBufferStartPosition int64
}

func NewReorderedWriteChannel(f *os.File, writeCapacity, chunkSize int) (*ReorderedWriteChannel, error) {
	if chunkSize <= FakeCeilingBytes || writeCapacity%chunkSize != 0 {
		return nil, errors.Errorf(
			"invalid chunk size %d for write capacity %d", chunkSize, writeCapacity)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "seek to end of entry log file")
	}
	return &ReorderedWriteChannel{
		file:                     f,
		writeBuffer:              make([]byte, writeCapacity),
		chunkSize:                chunkSize,
		regions:                  make(map[int64]*chunkRegion),
		writeBufferStartPosition: size,
	}, nil
}

// Write 把 src 追加到 key 的 chunk 区域中
// 返回这段数据在通道累积字节流中的起始逻辑偏移
//
// key 还没有打开的区域或者区域剩余空间不足时
// 在当前逻辑尾部分配下一段空闲的 chunk
// 分配会越过假天花板保留足够多的连续 chunk
//
// 剩余的空闲 chunk 不够分配时先把已缓冲的 chunk 全部刷盘
// 底层文件的位置会前进溢出前已缓冲的字节数
func (c *ReorderedWriteChannel) Write(key int64, src []byte) (int64, error) {
	// 在改变任何状态之前校验写入的大小
	if len(src) > len(c.writeBuffer)-FakeCeilingBytes {
		return 0, errors.Wrapf(ErrOversizedWrite,
			"write of %d bytes with capacity %d", len(src), len(c.writeBuffer))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.regions[key]
	if r == nil || r.used+len(src) > r.numChunks*c.chunkSize-FakeCeilingBytes {
		// 需要在逻辑尾部分配新的区域
		needed := (len(src) + FakeCeilingBytes + c.chunkSize - 1) / c.chunkSize
		if (c.nextFreeChunk+needed)*c.chunkSize > len(c.writeBuffer) {
			if err := c.flushInternal(); err != nil {
				return 0, err
			}
		}
		r = &chunkRegion{startChunk: c.nextFreeChunk, numChunks: needed}
		c.regions[key] = r
		c.nextFreeChunk += needed
	}

	offset := c.writeBufferStartPosition + int64(r.startChunk*c.chunkSize+r.used)
	copy(c.writeBuffer[r.startChunk*c.chunkSize+r.used:], src)
	r.used += len(src)

	// 活动的 chunk 区域占满了整个写容量时立即刷盘
	if c.nextFreeChunk*c.chunkSize == len(c.writeBuffer) {
		if err := c.flushInternal(); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// Position 返回下一次分配的 chunk 开始的逻辑偏移
// 不触发溢出的刷盘不会改变它
func (c *ReorderedWriteChannel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBufferStartPosition + int64(c.nextFreeChunk*c.chunkSize)
}

// FileChannelPosition 返回底层文件写指针的位置
func (c *ReorderedWriteChannel) FileChannelPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBufferStartPosition
}

// Flush 按 chunk 下标的顺序把所有已缓冲的 chunk 写到底层文件
// force 为真时额外对文件执行一次落盘屏障
func (c *ReorderedWriteChannel) Flush(force bool) error {
	c.mu.Lock()
	err := c.flushInternal()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if force {
		return c.file.Sync()
	}
	return nil
}

// 整个 chunk 区域都会被写出 包括每个区域尾部未使用的填充
// 填充字节保证为零 扫描时据此跳过
// 调用者负责持有锁
func (c *ReorderedWriteChannel) flushInternal() error {
	n := c.nextFreeChunk * c.chunkSize
	if n == 0 {
		return nil
	}
	if _, err := c.file.WriteAt(c.writeBuffer[:n], c.writeBufferStartPosition); err != nil {
		return errors.Wrapf(err, "flush %d chunk bytes at position %d",
			n, c.writeBufferStartPosition)
	}
	c.writeBufferStartPosition += int64(n)
	c.nextFreeChunk = 0
	// 所有打开的区域随刷盘作废
	// 同一个 key 之后的写入从新的 chunk 开始
	c.regions = make(map[int64]*chunkRegion)
	for i := 0; i < n; i++ {
		c.writeBuffer[i] = 0
	}
	return nil
}
