package entrylog

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// 将数字写入文件时使用的字节序
var order = binary.BigEndian

// BufferedReadChannel 在一个随机访问文件上提供单窗口的读缓存
//
// 它在内存中保存一段固定容量的文件内容
// 窗口起始于 readBufferStartPosition
// 落在窗口内的读请求直接从内存中复制
// 窗口外的读请求会把窗口重置到请求的位置并从文件重新填充
//
// 它自身不做任何同步 由使用它的通道或者调用者负责
type BufferedReadChannel struct {
	file *os.File

	// 读缓冲区 容量在创建时固定 之后不再分配
	readBuffer []byte

	// 缓冲区第一个字节在文件中的绝对偏移
	readBufferStartPosition int64

	// 缓冲区中实际有效的字节数
	// 文件末尾处的填充可能少于缓冲区的容量
	readBufferLength int
}

func NewBufferedReadChannel(f *os.File, capacity int) *BufferedReadChannel {
	return &BufferedReadChannel{
		file:       f,
		readBuffer: make([]byte, capacity),
	}
}

// Read 从文件的第 pos 个字节开始读出 len(dest) 个字节
// 返回实际复制的字节数
//
// 请求的范围超出文件末尾时返回错误而不是一个短的结果
func (c *BufferedReadChannel) Read(dest []byte, pos int64) (int, error) {
	copied := 0
	for copied < len(dest) {
		if c.readBufferStartPosition <= pos &&
			pos < c.readBufferStartPosition+int64(c.readBufferLength) {
			start := int(pos - c.readBufferStartPosition)
			n := copy(dest[copied:], c.readBuffer[start:c.readBufferLength])
			copied += n
			pos += int64(n)
		} else if err := c.fill(pos); err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// 把窗口重置到 pos 并从文件填充
// 文件末尾处的部分填充是允许的 但是毫无进展的读会失败
func (c *BufferedReadChannel) fill(pos int64) error {
	n, err := c.file.ReadAt(c.readBuffer, pos)
	if n <= 0 {
		if err == io.EOF || err == nil {
			return errors.Wrapf(ErrReadPastEOF, "fill buffer at position %d", pos)
		}
		return errors.Wrapf(err, "fill buffer at position %d", pos)
	}
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "fill buffer at position %d", pos)
	}
	c.readBufferStartPosition = pos
	c.readBufferLength = n
	return nil
}

// Clear 使驻留的窗口失效 不触碰底层文件
func (c *BufferedReadChannel) Clear() {
	c.readBufferLength = 0
	c.readBufferStartPosition = 0
}

// Size 返回底层文件当前的长度
func (c *BufferedReadChannel) Size() (int64, error) {
	finfo, err := c.file.Stat()
	if err != nil {
		return 0, err
	}
	return finfo.Size(), nil
}
