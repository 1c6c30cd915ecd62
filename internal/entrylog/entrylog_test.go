package entrylog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// 生成一条 64 字节的测试记录
// 开头是大端的 ledger id 和 entry id 后边是可读的文本
func generateEntry(ledgerID, entryID int64) []byte {
	entry := make([]byte, 64)
	order.PutUint64(entry[:8], uint64(ledgerID))
	order.PutUint64(entry[8:16], uint64(entryID))
	copy(entry[16:], fmt.Sprintf("ledger-%d-%d", ledgerID, entryID))
	return entry
}

func setupLogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, CheckDirectoryStructure(CurrentDirectory(dir)))
	return dir
}

func TestCorruptEntryLog(t *testing.T) {
	dir := setupLogDir(t)

	el, err := NewEntryLogger(Config{Dir: dir}, nil)
	require.NoError(t, err)
	_, err = el.AddEntry(generateEntry(1, 1))
	require.NoError(t, err)
	_, err = el.AddEntry(generateEntry(3, 1))
	require.NoError(t, err)
	_, err = el.AddEntry(generateEntry(2, 1))
	require.NoError(t, err)
	require.NoError(t, el.Close())

	// 截掉文件的最后 10 个字节 模拟一次写到一半的记录
	logFile := filepath.Join(CurrentDirectory(dir), "0.log")
	finfo, err := os.Stat(logFile)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logFile, finfo.Size()-10))

	el, err = NewEntryLogger(Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer el.Close()

	// 扫描以错误终止
	// 但是在截断点之前完整处理过的记录的元数据仍然有效
	meta, err := el.ExtractMetaFromEntryLog(0)
	require.ErrorIs(t, err, ErrCorruptedEntry)
	require.True(t, meta.ContainsLedger(1))
	require.True(t, meta.ContainsLedger(3))
	require.False(t, meta.ContainsLedger(2))
}

func TestMissingLogID(t *testing.T) {
	dir := setupLogDir(t)
	curDir := CurrentDirectory(dir)

	const (
		numLogs    = 3
		numEntries = 10
	)
	positions := make([][]int64, 2*numLogs)

	for i := 0; i < numLogs; i++ {
		el, err := NewEntryLogger(Config{Dir: dir}, nil)
		require.NoError(t, err)
		positions[i] = make([]int64, numEntries)
		for j := 0; j < numEntries; j++ {
			positions[i][j], err = el.AddEntry(generateEntry(int64(i), int64(j)))
			require.NoError(t, err)
		}
		require.NoError(t, el.Close())
	}

	// 删掉 lastId 标记文件之后继续写
	// 已经分配过的日志文件 id 绝不能被重用
	require.NoError(t, os.Remove(filepath.Join(curDir, lastIDFileName)))

	for i := numLogs; i < 2*numLogs; i++ {
		el, err := NewEntryLogger(Config{Dir: dir}, nil)
		require.NoError(t, err)
		positions[i] = make([]int64, numEntries)
		for j := 0; j < numEntries; j++ {
			positions[i][j], err = el.AddEntry(generateEntry(int64(i), int64(j)))
			require.NoError(t, err)
		}
		require.NoError(t, el.Close())
	}

	el, err := NewEntryLogger(Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer el.Close()

	// 从 0 到最终 id 的每个日志文件都应当存在
	for i := 0; i < 2*numLogs+1; i++ {
		_, err := os.Stat(filepath.Join(curDir, fmt.Sprintf("%x%s", i, logFileSuffix)))
		require.NoError(t, err, "log file %x should exist", i)
	}

	// 重启后所有记录都可以按原来的 location 取回
	for i := 0; i < 2*numLogs; i++ {
		for j := 0; j < numEntries; j++ {
			entry, err := el.ReadEntry(int64(i), int64(j), positions[i][j])
			require.NoError(t, err)
			require.Equal(t, generateEntry(int64(i), int64(j)), entry)
		}
	}
}

func TestEntryLoggerMissingDirectory(t *testing.T) {
	// 基目录存在但是 current 子目录不存在
	_, err := NewEntryLogger(Config{Dir: t.TempDir()}, nil)
	require.EqualError(t, err, "entry log directory does not exist")

	// 基目录本身也不存在
	_, err = NewEntryLogger(Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	require.Error(t, err)
}

func TestEntryLogRollover(t *testing.T) {
	dir := setupLogDir(t)

	// 每个日志文件只放得下三条记录 写入会多次切换文件
	el, err := NewEntryLogger(Config{Dir: dir, MaxLogSize: 256}, nil)
	require.NoError(t, err)
	defer el.Close()

	const numEntries = 20
	locations := make([]int64, numEntries)
	for j := 0; j < numEntries; j++ {
		locations[j], err = el.AddEntry(generateEntry(7, int64(j)))
		require.NoError(t, err)
	}

	// 活动文件上未刷盘的记录和只读文件上的记录都要能读到
	for j := 0; j < numEntries; j++ {
		entry, err := el.ReadEntry(7, int64(j), locations[j])
		require.NoError(t, err)
		require.Equal(t, generateEntry(7, int64(j)), entry)
	}

	require.Greater(t, locations[numEntries-1]>>32, int64(0), "rollover did not happen")
}

func TestChunkedEntryLog(t *testing.T) {
	dir := setupLogDir(t)

	el, err := NewEntryLogger(Config{
		Dir:             dir,
		WriteBufferSize: 1024,
		ChunkSize:       128,
	}, nil)
	require.NoError(t, err)
	defer el.Close()

	// 不同 ledger 交错追加
	const numEntries = 4
	locations := make(map[int64][]int64)
	for j := 0; j < numEntries; j++ {
		for _, ledgerID := range []int64{1, 2, 3} {
			loc, err := el.AddEntry(generateEntry(ledgerID, int64(j)))
			require.NoError(t, err)
			locations[ledgerID] = append(locations[ledgerID], loc)
		}
	}
	require.NoError(t, el.Flush())

	for ledgerID, locs := range locations {
		for j, loc := range locs {
			entry, err := el.ReadEntry(ledgerID, int64(j), loc)
			require.NoError(t, err)
			require.Equal(t, generateEntry(ledgerID, int64(j)), entry)
		}
	}

	// 扫描要跳过 chunk 尾部的零填充 统计出每个 ledger 真实的字节数
	meta, err := el.ExtractMetaFromEntryLog(0)
	require.NoError(t, err)
	for _, ledgerID := range []int64{1, 2, 3} {
		require.EqualValues(t, numEntries*(64+sizePrefixLength), meta.Ledgers[ledgerID])
	}
}
