package entrylog

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// BufferedChannel 在 BufferedReadChannel 之上增加了一条写路径
//
// 所有写入先进入一个固定容量的写缓冲区
// 缓冲区写满时自动刷到底层文件 形成一条只会增长的字节流
//
// 读请求可能落在三种数据来源上 按优先级合并
//  1. 写缓冲区中还未刷盘的字节
//  2. 读缓冲区的驻留窗口
//  3. 从底层文件重新填充读缓冲区
//
// 同一个实例上的所有读写操作都通过一把互斥锁串行化
type BufferedChannel struct {
	*BufferedReadChannel

	mu sync.Mutex

	// 写缓冲区 容量在创建时固定
	writeBuffer []byte

	// 缓冲区中还未刷盘的字节数
	writeBufferLength int

	// 第一个未刷盘字节在文件中的绝对偏移
	// 也就是底层文件写指针的位置
	writeBufferStartPosition int64

	// 下一个要写入字节的逻辑偏移
	// 不变式 position = writeBufferStartPosition + writeBufferLength
	position int64
}

func NewBufferedChannel(f *os.File, writeCapacity, readCapacity int) (*BufferedChannel, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "seek to end of entry log file")
	}
	return &BufferedChannel{
		BufferedReadChannel:      NewBufferedReadChannel(f, readCapacity),
		writeBuffer:              make([]byte, writeCapacity),
		writeBufferStartPosition: size,
		position:                 size,
	}, nil
}

// Write 把 src 中的字节复制到写缓冲区中
// 缓冲区每次写满就刷到底层文件然后继续
//
// 无论是否发生了刷盘 position 都会前进 len(src) 个字节
func (c *BufferedChannel) Write(src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := 0
	for copied < len(src) {
		n := copy(c.writeBuffer[c.writeBufferLength:], src[copied:])
		c.writeBufferLength += n
		copied += n
		if c.writeBufferLength == len(c.writeBuffer) {
			if err := c.flushInternal(); err != nil {
				return copied, err
			}
		}
	}
	c.position += int64(copied)
	return copied, nil
}

// Position 返回下一次写操作开始写入的逻辑偏移
func (c *BufferedChannel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// FileChannelPosition 返回底层文件写指针的位置
// 它和 Position 之间的差就是还未刷盘的字节数
func (c *BufferedChannel) FileChannelPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBufferStartPosition
}

// Flush 把缓冲区中的数据写到底层文件
// force 为真时额外对文件执行一次落盘屏障
func (c *BufferedChannel) Flush(force bool) error {
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

// 把缓冲的区域写到文件并把 writeBufferStartPosition 推进到文件的新位置
// 调用者负责持有锁
func (c *BufferedChannel) flushInternal() error {
	if c.writeBufferLength == 0 {
		return nil
	}
	if _, err := c.file.WriteAt(
		c.writeBuffer[:c.writeBufferLength],
		c.writeBufferStartPosition); err != nil {
		return errors.Wrapf(err, "flush %d bytes at position %d",
			c.writeBufferLength, c.writeBufferStartPosition)
	}
	c.writeBufferStartPosition += int64(c.writeBufferLength)
	c.writeBufferLength = 0
	return nil
}

// Read 从逻辑偏移 pos 开始读出 len(dest) 个字节
//
// 未刷盘的字节从写缓冲区中复制 这是唯一一种
// 空的重叠表示流结束而不是错误的情形
// 此时返回已经复制的字节数和 io.EOF
func (c *BufferedChannel) Read(dest []byte, pos int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := 0
	for copied < len(dest) {
		if pos >= c.writeBufferStartPosition {
			// 落在写缓冲区覆盖的区域
			avail := c.position - pos
			if avail <= 0 {
				// 到达了流的末尾
				if copied == 0 {
					return 0, io.EOF
				}
				return copied, nil
			}
			start := int(pos - c.writeBufferStartPosition)
			n := copy(dest[copied:], c.writeBuffer[start:start+int(avail)])
			copied += n
			pos += int64(n)
		} else if c.readBufferStartPosition <= pos &&
			pos < c.readBufferStartPosition+int64(c.readBufferLength) {
			start := int(pos - c.readBufferStartPosition)
			n := copy(dest[copied:], c.readBuffer[start:c.readBufferLength])
			copied += n
			pos += int64(n)
		} else if err := c.fillBeforeWriteBuffer(pos); err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// 重新填充读缓冲区 保证窗口不会和写缓冲区覆盖的区域重叠
//
// 如果以 pos 开始的窗口会越过 writeBufferStartPosition
// 就把窗口的末尾对齐到 writeBufferStartPosition
// 对齐后起始位置为负数的部分用零字节填充
func (c *BufferedChannel) fillBeforeWriteBuffer(pos int64) error {
	capacity := int64(len(c.readBuffer))
	start := pos
	if start+capacity >= c.writeBufferStartPosition {
		start = c.writeBufferStartPosition - capacity
	}
	pad := 0
	if start < 0 {
		pad = int(-start)
		for i := 0; i < pad; i++ {
			c.readBuffer[i] = 0
		}
	}
	if len(c.readBuffer[pad:]) > 0 {
		n, err := c.file.ReadAt(c.readBuffer[pad:], start+int64(pad))
		if n < len(c.readBuffer[pad:]) {
			if err == nil || err == io.EOF {
				err = ErrShortRead
			}
			return errors.Wrapf(err, "fill buffer at position %d", start+int64(pad))
		}
	}
	c.readBufferStartPosition = start
	c.readBufferLength = len(c.readBuffer)
	return nil
}

// Clear 同时使读写两个缓冲区失效
func (c *BufferedChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BufferedReadChannel.Clear()
	c.writeBufferLength = 0
}
