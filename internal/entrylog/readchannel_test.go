package entrylog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), name), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func patternOfSize(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 127)
	}
	return b
}

func TestBufferedReadChannel(t *testing.T) {
	const fileSize = 2048
	src := patternOfSize(fileSize)

	f := newTestFile(t, "read.log")
	bc, err := NewBufferedChannel(f, 64, 64)
	require.NoError(t, err)
	_, err = bc.Write(src)
	require.NoError(t, err)
	require.NoError(t, bc.Flush(true))

	rf, err := os.Open(f.Name())
	require.NoError(t, err)
	defer rf.Close()
	brc := NewBufferedReadChannel(rf, 64)

	size, err := brc.Size()
	require.NoError(t, err)
	require.EqualValues(t, fileSize, size)

	// 一次读出全部内容
	dst := make([]byte, fileSize)
	n, err := brc.Read(dst, 0)
	require.NoError(t, err)
	require.Equal(t, fileSize, n)
	require.Equal(t, src, dst)

	// 只读最后一个字节
	one := make([]byte, 1)
	brc.Clear()
	_, err = brc.Read(one, fileSize-1)
	require.NoError(t, err)
	require.Equal(t, src[fileSize-1:], one)

	// 两次读都落在同一个窗口中 第二次直接从内存返回
	brc.Clear()
	a := make([]byte, 16)
	_, err = brc.Read(a, 50)
	require.NoError(t, err)
	require.Equal(t, src[50:66], a)
	b := make([]byte, 16)
	_, err = brc.Read(b, 64)
	require.NoError(t, err)
	require.Equal(t, src[64:80], b)

	// 和驻留窗口部分重叠的读
	brc.Clear()
	c := make([]byte, 100)
	_, err = brc.Read(c, 500)
	require.NoError(t, err)
	require.Equal(t, src[500:600], c)
	d := make([]byte, 200)
	_, err = brc.Read(d, 580)
	require.NoError(t, err)
	require.Equal(t, src[580:780], d)

	// 文件末尾处的填充少于窗口的容量
	brc.Clear()
	e := make([]byte, 16)
	_, err = brc.Read(e, fileSize-16)
	require.NoError(t, err)
	require.Equal(t, src[fileSize-16:], e)

	// 请求的范围超出文件末尾时必须失败
	brc.Clear()
	g := make([]byte, 100)
	_, err = brc.Read(g, fileSize-50)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrReadPastEOF)
}

func TestBufferedChannelCoherence(t *testing.T) {
	const total = 1000
	src := patternOfSize(total)

	f := newTestFile(t, "rw.log")
	ch, err := NewBufferedChannel(f, 64, 64)
	require.NoError(t, err)

	// 以不规则的块大小写入 让一部分字节留在写缓冲区中
	for pos := 0; pos < total; {
		end := pos + 37
		if end > total {
			end = total
		}
		_, err := ch.Write(src[pos:end])
		require.NoError(t, err)
		pos = end
	}
	require.EqualValues(t, total, ch.Position())

	flushed := ch.FileChannelPosition()
	require.EqualValues(t, total/64*64, flushed)

	// 跨越已刷盘和未刷盘边界的读
	span := make([]byte, 20)
	n, err := ch.Read(span, flushed-10)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, src[flushed-10:flushed+10], span)

	// 从头读出全部内容
	all := make([]byte, total)
	n, err = ch.Read(all, 0)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.Equal(t, src, all)

	// 越过流末尾的读以 io.EOF 终止
	tail := make([]byte, 20)
	n, err = ch.Read(tail, total-10)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, src[total-10:], tail[:10])
	_, err = ch.Read(tail, total)
	require.ErrorIs(t, err, io.EOF)

	// 刷盘后同样的读仍然返回同样的内容
	require.NoError(t, ch.Flush(true))
	all = make([]byte, total)
	_, err = ch.Read(all, 0)
	require.NoError(t, err)
	require.Equal(t, src, all)
}

func TestBufferedChannelZeroPadBeforeWriteBuffer(t *testing.T) {
	f := newTestFile(t, "pad.log")
	ch, err := NewBufferedChannel(f, 8, 64)
	require.NoError(t, err)

	src := patternOfSize(10)
	_, err = ch.Write(src)
	require.NoError(t, err)
	// 写缓冲区容量为 8 所以前 8 个字节已经刷盘
	require.EqualValues(t, 8, ch.FileChannelPosition())

	// 读窗口的容量大于已刷盘的长度
	// 对齐后窗口的起点为负 负数的部分用零填充 内容不受影响
	got := make([]byte, 10)
	n, err := ch.Read(got, 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, src, got)
}
