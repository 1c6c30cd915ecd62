package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPageManager(t *testing.T, dir string, pageSize, pageLimit int) *PageManager {
	t.Helper()
	pm := newTestPersistence(t, dir, pageSize)
	t.Cleanup(func() { pm.Close() })
	m, err := NewPageManager(pageSize, pageLimit, pm, nil)
	require.NoError(t, err)
	return m
}

func TestPageManagerRoundTrip(t *testing.T) {
	// 每页 8 个 entry
	m := newTestPageManager(t, t.TempDir(), 64, 1024)

	require.NoError(t, m.PutEntryOffset(1, 0, 100))
	require.NoError(t, m.PutEntryOffset(1, 9, 200))

	off, err := m.GetEntryOffset(1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 100, off)
	off, err = m.GetEntryOffset(1, 9)
	require.NoError(t, err)
	require.EqualValues(t, 200, off)

	// 同一页中还没有写入过的槽位读到零
	off, err = m.GetEntryOffset(1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, off)

	// 从来没有写入过的 ledger 读不到任何页
	_, err = m.GetEntryOffset(404, 0)
	require.ErrorIs(t, err, ErrLedgerNotFound)
}

func TestPageEviction(t *testing.T) {
	// 驻留页的上限远小于工作集 淘汰必须一直发生
	const (
		pageLimit  = 4
		numLedgers = 6
		numEntries = 16 // 每个 ledger 两页
	)
	m := newTestPageManager(t, t.TempDir(), 64, pageLimit)

	for ledgerID := int64(0); ledgerID < numLedgers; ledgerID++ {
		for entryID := int64(0); entryID < numEntries; entryID++ {
			require.NoError(t, m.PutEntryOffset(ledgerID, entryID, ledgerID*1000+entryID+1))
		}
	}
	require.LessOrEqual(t, m.ResidentPages(), pageLimit)

	// 被淘汰的脏页在淘汰时写回 重新装载后内容不变
	for ledgerID := int64(0); ledgerID < numLedgers; ledgerID++ {
		for entryID := int64(0); entryID < numEntries; entryID++ {
			off, err := m.GetEntryOffset(ledgerID, entryID)
			require.NoError(t, err)
			require.EqualValues(t, ledgerID*1000+entryID+1, off)
		}
	}
	require.LessOrEqual(t, m.ResidentPages(), pageLimit)
}

func TestLastEntryInMem(t *testing.T) {
	m := newTestPageManager(t, t.TempDir(), 64, 1024)

	require.EqualValues(t, -1, m.LastEntryInMem(1))

	require.NoError(t, m.PutEntryOffset(1, 3, 300))
	require.NoError(t, m.PutEntryOffset(1, 11, 400))
	require.EqualValues(t, 11, m.LastEntryInMem(1))

	// 最高的页被丢弃之后内存中看到的最大值随之回退
	m.RemovePagesForLedger(1)
	require.EqualValues(t, -1, m.LastEntryInMem(1))
}

func TestFlushOneOrMoreLedgers(t *testing.T) {
	dir := t.TempDir()
	m := newTestPageManager(t, dir, 64, 1024)

	require.NoError(t, m.PutEntryOffset(1, 0, 100))
	require.NoError(t, m.PutEntryOffset(2, 0, 200))

	// 只要求刷一个 ledger 时 编号最小的 ledger 先被刷
	require.NoError(t, m.FlushOneOrMoreLedgers(false))
	require.Greater(t, indexFileSize(t, dir, 1), int64(headerSize))
	require.EqualValues(t, headerSize, indexFileSize(t, dir, 2))

	require.NoError(t, m.FlushOneOrMoreLedgers(true))
	require.Greater(t, indexFileSize(t, dir, 2), int64(headerSize))
}
