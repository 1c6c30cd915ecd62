package ledger

import (
	"encoding/binary"
	"sync"
)

// 将偏移量写入索引页时使用的字节序
var order = binary.BigEndian

// 一个索引项是一个 8 字节的偏移量
// 索引项在页内的槽位就隐含了它对应的 entry id
const offsetSize = 8 // sizeof(uint64)

// EntryPage 是一个固定大小的索引页
//
// 它属于唯一的一个 ledger 由 (ledger id, 页下标) 标识
// 第 i 个槽位保存 entry id 为 页下标*每页项数+i 的记录的偏移量
// 偏移量为零表示槽位还没有被写入
//
// 页驻留在内存中时是可变的
// 写入一个还没有持久化的修改会把页标记为脏页
// 脏页在被淘汰前先写回到索引文件中正确的字节偏移处
type EntryPage struct {
	ledgerID  int64
	pageIndex int64

	// 保护 data 和 dirty
	mu    sync.Mutex
	data  []byte
	dirty bool

	// 被使用计数 非零时页不能被淘汰
	// 由页管理器的锁保护
	pins int
}

func newEntryPage(ledgerID, pageIndex int64, pageSize int) *EntryPage {
	return &EntryPage{
		ledgerID:  ledgerID,
		pageIndex: pageIndex,
		data:      make([]byte, pageSize),
	}
}

func (p *EntryPage) getOffset(slot int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(order.Uint64(p.data[slot*offsetSize : (slot+1)*offsetSize]))
}

func (p *EntryPage) setOffset(slot int, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order.PutUint64(p.data[slot*offsetSize:(slot+1)*offsetSize], uint64(offset))
	p.dirty = true
}

// 页中最后一个非零槽位 没有时返回 -1
func (p *EntryPage) lastNonZeroSlot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for slot := len(p.data)/offsetSize - 1; slot >= 0; slot-- {
		if order.Uint64(p.data[slot*offsetSize:(slot+1)*offsetSize]) != 0 {
			return slot
		}
	}
	return -1
}
