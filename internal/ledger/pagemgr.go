package ledger

import (
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

type pageKey struct {
	ledgerID  int64
	pageIndex int64
}

// PageManager 维护一组有界的驻留索引页
//
// 页由 (ledger id, 页下标) 定位
// 驻留页数超过配置的水位时按最近最少使用的顺序选择牺牲页
// 脏的牺牲页先写回到持久化管理器 然后才回收它占用的内存
//
// 正在被使用的页 (使用计数非零) 不会被淘汰
// 这样页不可能在写入者修改它的同时被回收
type PageManager struct {
	pageSize       int
	entriesPerPage int
	pageLimit      int
	persistence    *PersistenceManager
	logger         *zap.Logger

	// 保护 pages 和 recency 以及所有页的使用计数
	mu sync.Mutex

	// 每个 ledger 的驻留页 按页下标索引
	pages map[int64]map[int64]*EntryPage

	// 页的最近使用顺序 淘汰从最旧的开始
	// 容量给得足够大 淘汰完全由我们自己驱动
	// 因为自动淘汰既不能跳过在用的页也不能把脏页先写回
	recency *simplelru.LRU
}

func NewPageManager(
	pageSize, pageLimit int,
	persistence *PersistenceManager,
	logger *zap.Logger,
) (*PageManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	recency, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &PageManager{
		pageSize:       pageSize,
		entriesPerPage: pageSize / offsetSize,
		pageLimit:      pageLimit,
		persistence:    persistence,
		logger:         logger.Named("pagemgr"),
		pages:          make(map[int64]map[int64]*EntryPage),
		recency:        recency,
	}, nil
}

// GetEntryOffset 查出一条记录在日志中的偏移
// 返回零表示这个 entry id 还没有被写入过
func (m *PageManager) GetEntryOffset(ledgerID, entryID int64) (int64, error) {
	pageIndex := entryID / int64(m.entriesPerPage)
	slot := int(entryID % int64(m.entriesPerPage))

	page, err := m.grabPage(ledgerID, pageIndex, false)
	if err != nil {
		return 0, err
	}
	defer m.releasePage(page)
	return page.getOffset(slot), nil
}

// PutEntryOffset 记录一条记录在日志中的偏移
// 写入一个还没有持久化的页会把页标记为脏页
func (m *PageManager) PutEntryOffset(ledgerID, entryID, offset int64) error {
	pageIndex := entryID / int64(m.entriesPerPage)
	slot := int(entryID % int64(m.entriesPerPage))

	page, err := m.grabPage(ledgerID, pageIndex, true)
	if err != nil {
		return err
	}
	defer m.releasePage(page)
	page.setOffset(slot, offset)
	return nil
}

// 取得一个驻留页并把它的使用计数加一
// 页不在内存中时从持久化管理器装载 必要时先淘汰
func (m *PageManager) grabPage(ledgerID, pageIndex int64, create bool) (*EntryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byIndex, ok := m.pages[ledgerID]; ok {
		if page, ok := byIndex[pageIndex]; ok {
			page.pins++
			m.recency.Get(pageKey{ledgerID, pageIndex})
			return page, nil
		}
	}

	if err := m.evictLocked(); err != nil {
		return nil, err
	}

	page := newEntryPage(ledgerID, pageIndex, m.pageSize)
	if err := m.persistence.ReadPage(ledgerID, pageIndex, page.data, create); err != nil {
		return nil, err
	}
	byIndex, ok := m.pages[ledgerID]
	if !ok {
		byIndex = make(map[int64]*EntryPage)
		m.pages[ledgerID] = byIndex
	}
	byIndex[pageIndex] = page
	page.pins++
	m.recency.Add(pageKey{ledgerID, pageIndex}, page)
	return page, nil
}

func (m *PageManager) releasePage(page *EntryPage) {
	m.mu.Lock()
	page.pins--
	m.mu.Unlock()
}

// 驻留页数达到水位时淘汰最近最少使用的页
// 脏页在回收前先写回 在用的页被跳过
// 调用者负责持有管理器的锁
func (m *PageManager) evictLocked() error {
	for m.recency.Len() >= m.pageLimit {
		evicted := false
		for _, k := range m.recency.Keys() {
			key := k.(pageKey)
			page := m.pages[key.ledgerID][key.pageIndex]
			if page.pins > 0 {
				continue
			}
			if err := m.flushPage(page); err != nil {
				return err
			}
			delete(m.pages[key.ledgerID], key.pageIndex)
			if len(m.pages[key.ledgerID]) == 0 {
				delete(m.pages, key.ledgerID)
			}
			m.recency.Remove(key)
			evicted = true
			break
		}
		if !evicted {
			// 所有页都在使用中 只能暂时超出水位
			m.logger.Warn("no evictable index page", zap.Int("resident", m.recency.Len()))
			return nil
		}
	}
	return nil
}

// 把一个脏页写回到持久化管理器 干净的页直接返回
func (m *PageManager) flushPage(page *EntryPage) error {
	page.mu.Lock()
	defer page.mu.Unlock()
	if !page.dirty {
		return nil
	}
	if err := m.persistence.WritePage(page.ledgerID, page.pageIndex, page.data); err != nil {
		return err
	}
	page.dirty = false
	return nil
}

// FlushOneOrMoreLedgers 把脏页写回持久化管理器 用于做检查点
// doAll 为真时写回所有 ledger 的脏页 否则只写回一个 ledger 的
func (m *PageManager) FlushOneOrMoreLedgers(doAll bool) error {
	m.mu.Lock()
	ledgers := make([]int64, 0, len(m.pages))
	for ledgerID := range m.pages {
		ledgers = append(ledgers, ledgerID)
	}
	m.mu.Unlock()
	sort.Slice(ledgers, func(i, j int) bool { return ledgers[i] < ledgers[j] })

	for _, ledgerID := range ledgers {
		flushed, err := m.flushLedger(ledgerID)
		if err != nil {
			return err
		}
		if flushed && !doAll {
			return nil
		}
	}
	return nil
}

// 把一个 ledger 的所有脏页按页下标的顺序写回
// 返回值表示是否真的写回了脏页
func (m *PageManager) flushLedger(ledgerID int64) (bool, error) {
	m.mu.Lock()
	dirty := make([]*EntryPage, 0)
	for _, page := range m.pages[ledgerID] {
		page.pins++
		dirty = append(dirty, page)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		for _, page := range dirty {
			page.pins--
		}
		m.mu.Unlock()
	}()

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].pageIndex < dirty[j].pageIndex })
	flushed := false
	for _, page := range dirty {
		page.mu.Lock()
		wasDirty := page.dirty
		page.mu.Unlock()
		if !wasDirty {
			continue
		}
		if err := m.flushPage(page); err != nil {
			return flushed, err
		}
		flushed = true
	}
	if flushed {
		if err := m.persistence.FlushLedger(ledgerID); err != nil {
			return flushed, err
		}
	}
	return flushed, nil
}

// LastEntryInMem 在驻留页中寻找一个 ledger 记录过的最高 entry id
//
// 这只是一个优化而不是正确性保证
// 更高的 entry 所在的页可能已经被淘汰 真实的最高值要再询问持久化管理器
func (m *PageManager) LastEntryInMem(ledgerID int64) int64 {
	m.mu.Lock()
	indexes := make([]int64, 0, len(m.pages[ledgerID]))
	byIndex := m.pages[ledgerID]
	for pageIndex, page := range byIndex {
		page.pins++
		indexes = append(indexes, pageIndex)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		for _, pageIndex := range indexes {
			byIndex[pageIndex].pins--
		}
		m.mu.Unlock()
	}()

	sort.Slice(indexes, func(i, j int) bool { return indexes[i] > indexes[j] })
	for _, pageIndex := range indexes {
		if slot := byIndex[pageIndex].lastNonZeroSlot(); slot >= 0 {
			return pageIndex*int64(m.entriesPerPage) + int64(slot)
		}
	}
	return -1
}

// RemovePagesForLedger 释放一个 ledger 的所有驻留页
// 脏页直接丢弃 调用它的删除路径随后会删除持久化的索引文件
func (m *PageManager) RemovePagesForLedger(ledgerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pageIndex := range m.pages[ledgerID] {
		m.recency.Remove(pageKey{ledgerID, pageIndex})
	}
	delete(m.pages, ledgerID)
}

// ResidentPages 返回当前驻留的页数
func (m *PageManager) ResidentPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recency.Len()
}
