package ledger

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Listener 在一个 ledger 的索引被删除时收到通知
// 监听者不拥有 ledger 的任何数据 这只是纯粹的通知
type Listener interface {
	OnLedgerDeleted(ledgerID int64)
}

// Cache 是存储子系统其余部分使用的 ledger 索引门面
//
// 它把内存中的页管理器和持久化管理器组合在一起
// 除了监听者的注册表以外不持有任何独立的状态
//
// 记录偏移的写入先进入驻留的索引页
// 页被淘汰或者显式刷盘时再写到每个 ledger 的索引文件中
type Cache struct {
	conf        Config
	pageMgr     *PageManager
	persistence *PersistenceManager
	logger      *zap.Logger

	// 保护 listeners 注册表是只增的
	lmu       sync.Mutex
	listeners []Listener
}

func NewCache(conf Config, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.PageSize == 0 {
		conf.PageSize = defaultPageSize
	}
	if conf.PageSize%offsetSize != 0 {
		return nil, errors.Errorf("page size %d is not a multiple of %d", conf.PageSize, offsetSize)
	}
	if conf.PageLimit == 0 {
		conf.PageLimit = defaultPageLimit
	}

	persistence, err := NewPersistenceManager(conf.Dir, conf.PageSize, logger)
	if err != nil {
		return nil, err
	}
	pageMgr, err := NewPageManager(conf.PageSize, conf.PageLimit, persistence, logger)
	if err != nil {
		return nil, err
	}

	logger.Named("ledgercache").Info("ledger cache ready",
		zap.Int("pageSize", conf.PageSize),
		zap.Int("entriesPerPage", conf.PageSize/offsetSize),
		zap.Int("pageLimit", conf.PageLimit))
	return &Cache{
		conf:        conf,
		pageMgr:     pageMgr,
		persistence: persistence,
		logger:      logger.Named("ledgercache"),
	}, nil
}

// RegisterListener 注册一个删除通知的监听者
func (c *Cache) RegisterListener(l Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Cache) PutEntryOffset(ledgerID, entryID, offset int64) error {
	return c.pageMgr.PutEntryOffset(ledgerID, entryID, offset)
}

func (c *Cache) GetEntryOffset(ledgerID, entryID int64) (int64, error) {
	return c.pageMgr.GetEntryOffset(ledgerID, entryID)
}

// FlushLedger 把脏的索引页写回到索引文件 用于做检查点
func (c *Cache) FlushLedger(doAll bool) error {
	return c.pageMgr.FlushOneOrMoreLedgers(doAll)
}

// GetLastEntry 返回一个 ledger 记录过的最高 entry id
//
// 先在驻留页中找出最高值
// 再让持久化管理器检查被淘汰的页中是否存在更高的值
func (c *Cache) GetLastEntry(ledgerID int64) (int64, error) {
	lastInMem := c.pageMgr.LastEntryInMem(ledgerID)
	return c.persistence.PersistEntryBeyondInMem(ledgerID, lastInMem)
}

func (c *Cache) SetMasterKey(ledgerID int64, masterKey []byte) error {
	return c.persistence.SetMasterKey(ledgerID, masterKey)
}

func (c *Cache) ReadMasterKey(ledgerID int64) ([]byte, error) {
	return c.persistence.ReadMasterKey(ledgerID)
}

func (c *Cache) SetFenced(ledgerID int64) (bool, error) {
	return c.persistence.SetFenced(ledgerID)
}

func (c *Cache) IsFenced(ledgerID int64) (bool, error) {
	return c.persistence.IsFenced(ledgerID)
}

func (c *Cache) GetLastAddConfirmed(ledgerID int64) (int64, error) {
	return c.persistence.GetLastAddConfirmed(ledgerID)
}

func (c *Cache) UpdateLastAddConfirmed(ledgerID, lac int64) (int64, error) {
	return c.persistence.UpdateLastAddConfirmed(ledgerID, lac)
}

func (c *Cache) WaitForLastAddConfirmedUpdate(ledgerID, previous int64) (int64, error) {
	return c.persistence.WaitForLastAddConfirmedUpdate(ledgerID, previous)
}

func (c *Cache) LedgerExists(ledgerID int64) (bool, error) {
	return c.persistence.LedgerExists(ledgerID)
}

// DeleteLedger 删除一个 ledger 的全部索引数据并通知所有监听者
//
// 必须先丢弃内存中的页再删除持久化的文件
// 否则一个过时的页可能从正在被删除的文件中被重新装载回来
func (c *Cache) DeleteLedger(ledgerID int64) error {
	c.logger.Debug("deleting ledger", zap.Int64("ledgerId", ledgerID))

	c.pageMgr.RemovePagesForLedger(ledgerID)
	if err := c.persistence.RemoveLedger(ledgerID); err != nil {
		return err
	}

	c.lmu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lmu.Unlock()
	for _, l := range listeners {
		l.OnLedgerDeleted(ledgerID)
	}
	return nil
}

func (c *Cache) Close() error {
	if err := c.pageMgr.FlushOneOrMoreLedgers(true); err != nil {
		return err
	}
	return c.persistence.Close()
}
