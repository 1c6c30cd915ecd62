package ledger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
	"go.uber.org/zap"
)

// 每个索引文件以一个固定大小的头部开始 索引页紧随其后
// 第 p 页位于文件的第 headerSize + p*PageSize 个字节处
//
// 头部的布局是稳定的固定偏移
//
//	[0, 8)    魔数 "delsIDX1"
//	[8, 12)   master key 的长度
//	[12]      fenced 标志 非零表示已经 fenced
//	[13, 16)  保留
//	[16, 24)  last-add-confirmed
//	[24, ...) master key 的内容
const (
	headerSize = 1024

	headerMagic = "delsIDX1"

	masterKeyLenOffset = 8
	fencedOffset       = 12
	lacOffset          = 16
	masterKeyOffset    = 24

	maxMasterKeyLength = headerSize - masterKeyOffset

	indexFileSuffix = ".idx"
)

// 一个打开的索引文件
//
// 头部通过内存映射访问 这样 master key fenced 标志和
// last-add-confirmed 的更新只是内存写 不需要系统调用
// 这和 dcls 的索引文件使用内存映射是同一种做法
type fileInfo struct {
	ledgerID int64
	file     *os.File
	hdr      gommap.MMap

	// 保护头部字段和对文件的写
	mu      sync.Mutex
	lacCond *sync.Cond

	masterKey []byte
	fenced    bool
	lac       int64
}

func (fi *fileInfo) writeLACLocked(lac int64) {
	fi.lac = lac
	order.PutUint64(fi.hdr[lacOffset:lacOffset+8], uint64(lac))
}

// PersistenceManager 负责每个 ledger 的索引的持久化
//
// 每个 ledger 对应一个索引文件
// 文件按 ledger id 的低两个字节分片到两级子目录中
// 以限制单个目录下的文件数量
type PersistenceManager struct {
	dir            string
	pageSize       int
	entriesPerPage int
	logger         *zap.Logger

	// 保护 files
	mu    sync.Mutex
	files map[int64]*fileInfo
}

func NewPersistenceManager(dir string, pageSize int, logger *zap.Logger) (*PersistenceManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	finfo, err := os.Stat(dir)
	if err != nil || !finfo.IsDir() {
		return nil, errors.New("ledger index directory does not exist")
	}
	return &PersistenceManager{
		dir:            dir,
		pageSize:       pageSize,
		entriesPerPage: pageSize / offsetSize,
		logger:         logger.Named("ledgerindex"),
		files:          make(map[int64]*fileInfo),
	}, nil
}

// LedgerPath 返回一个 ledger 的索引文件相对于基目录的路径
// 形如 <hex>/<hex>/<hex ledger-id>.idx
func LedgerPath(ledgerID int64) string {
	grandParent := (ledgerID & 0xff00) >> 8
	parent := ledgerID & 0xff
	return filepath.Join(
		fmt.Sprintf("%x", grandParent),
		fmt.Sprintf("%x", parent),
		fmt.Sprintf("%x%s", ledgerID, indexFileSuffix))
}

// 取得一个 ledger 已经打开的索引文件 必要时打开或创建它
//
// create 为假并且索引文件不存在时返回 ErrLedgerNotFound
func (pm *PersistenceManager) getFileInfo(ledgerID int64, create bool) (*fileInfo, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if fi, ok := pm.files[ledgerID]; ok {
		return fi, nil
	}

	path := filepath.Join(pm.dir, LedgerPath(ledgerID))
	if _, err := os.Stat(path); err != nil {
		if !create {
			return nil, errors.Wrapf(ErrLedgerNotFound, "ledger %d", ledgerID)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "create index directory for ledger %d", ledgerID)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open index file for ledger %d", ledgerID)
	}
	finfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	// 新文件先扩展出头部的空间再做内存映射
	fresh := finfo.Size() < headerSize
	if fresh {
		if err := f.Truncate(headerSize); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "extend index header for ledger %d", ledgerID)
		}
	}
	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "map index header for ledger %d", ledgerID)
	}

	fi := &fileInfo{ledgerID: ledgerID, file: f, hdr: mm}
	fi.lacCond = sync.NewCond(&fi.mu)
	if fresh {
		copy(fi.hdr[:len(headerMagic)], headerMagic)
		fi.writeLACLocked(-1)
	} else {
		if !bytes.Equal(fi.hdr[:len(headerMagic)], []byte(headerMagic)) {
			f.Close()
			return nil, errors.Wrapf(ErrCorruptedIndex,
				"bad header magic in index file of ledger %d", ledgerID)
		}
		keyLen := int(order.Uint32(fi.hdr[masterKeyLenOffset : masterKeyLenOffset+4]))
		if keyLen > maxMasterKeyLength {
			f.Close()
			return nil, errors.Wrapf(ErrCorruptedIndex,
				"implausible master key length %d in index file of ledger %d", keyLen, ledgerID)
		}
		fi.masterKey = make([]byte, keyLen)
		copy(fi.masterKey, fi.hdr[masterKeyOffset:masterKeyOffset+keyLen])
		fi.fenced = fi.hdr[fencedOffset] != 0
		fi.lac = int64(order.Uint64(fi.hdr[lacOffset : lacOffset+8]))
	}

	pm.files[ledgerID] = fi
	return fi, nil
}

// SetMasterKey 保存一个 ledger 的 master key
// 第一次写入生效 之后不一致的 key 都会被拒绝
func (pm *PersistenceManager) SetMasterKey(ledgerID int64, masterKey []byte) error {
	if len(masterKey) > maxMasterKeyLength {
		return errors.Errorf("master key of %d bytes exceeds limit %d",
			len(masterKey), maxMasterKeyLength)
	}
	fi, err := pm.getFileInfo(ledgerID, true)
	if err != nil {
		return err
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()
	if len(fi.masterKey) > 0 {
		if !bytes.Equal(fi.masterKey, masterKey) {
			return errors.Wrapf(ErrMasterKeyMismatch, "ledger %d", ledgerID)
		}
		return nil
	}
	fi.masterKey = append([]byte(nil), masterKey...)
	copy(fi.hdr[masterKeyOffset:], masterKey)
	order.PutUint32(fi.hdr[masterKeyLenOffset:masterKeyLenOffset+4], uint32(len(masterKey)))
	return fi.hdr.Sync(gommap.MS_SYNC)
}

func (pm *PersistenceManager) ReadMasterKey(ledgerID int64) ([]byte, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return nil, err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return append([]byte(nil), fi.masterKey...), nil
}

// SetFenced 把一个 ledger 标记为 fenced
// 这个标志是单向的 一旦设置就不会被清除
// 返回值表示这次调用是否真正改变了状态
func (pm *PersistenceManager) SetFenced(ledgerID int64) (bool, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return false, err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.fenced {
		return false, nil
	}
	fi.fenced = true
	fi.hdr[fencedOffset] = 1
	return true, fi.hdr.Sync(gommap.MS_SYNC)
}

func (pm *PersistenceManager) IsFenced(ledgerID int64) (bool, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return false, err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.fenced, nil
}

func (pm *PersistenceManager) GetLastAddConfirmed(ledgerID int64) (int64, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return -1, err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.lac, nil
}

// UpdateLastAddConfirmed 推进一个 ledger 的 last-add-confirmed
// 只会单调前进 所有阈值已经被满足的等待者都会被唤醒
// 返回推进后的值
func (pm *PersistenceManager) UpdateLastAddConfirmed(ledgerID, lac int64) (int64, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return -1, err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if lac > fi.lac {
		fi.writeLACLocked(lac)
		fi.lacCond.Broadcast()
	}
	return fi.lac, nil
}

// WaitForLastAddConfirmedUpdate 阻塞到 last-add-confirmed
// 越过 previous 为止 返回越过之后的值
func (pm *PersistenceManager) WaitForLastAddConfirmedUpdate(ledgerID, previous int64) (int64, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return -1, err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for fi.lac <= previous {
		fi.lacCond.Wait()
	}
	return fi.lac, nil
}

// ReadPage 把第 pageIndex 页的内容读到 data 中
// 文件还没有覆盖到的部分用零填充
func (pm *PersistenceManager) ReadPage(ledgerID, pageIndex int64, data []byte, create bool) error {
	fi, err := pm.getFileInfo(ledgerID, create)
	if err != nil {
		return err
	}
	off := headerSize + pageIndex*int64(pm.pageSize)
	n, err := fi.file.ReadAt(data, off)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "read index page %d of ledger %d", pageIndex, ledgerID)
	}
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// WritePage 把 data 写到第 pageIndex 页固定的字节偏移处
func (pm *PersistenceManager) WritePage(ledgerID, pageIndex int64, data []byte) error {
	fi, err := pm.getFileInfo(ledgerID, true)
	if err != nil {
		return err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	off := headerSize + pageIndex*int64(pm.pageSize)
	if _, err := fi.file.WriteAt(data, off); err != nil {
		return errors.Wrapf(err, "write index page %d of ledger %d", pageIndex, ledgerID)
	}
	return nil
}

// FlushLedger 对一个 ledger 的索引文件执行落盘屏障
func (pm *PersistenceManager) FlushLedger(ledgerID int64) error {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return err
	}
	if err := fi.hdr.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return fi.file.Sync()
}

// PersistEntryBeyondInMem 从最高的持久化页开始向前回溯
// 寻找不小于 knownMax 的真实最高 entry id
//
// 因为页可能已经被淘汰 内存中看到的最大值可能是过时的
func (pm *PersistenceManager) PersistEntryBeyondInMem(ledgerID, knownMax int64) (int64, error) {
	fi, err := pm.getFileInfo(ledgerID, false)
	if err != nil {
		return knownMax, err
	}
	finfo, err := fi.file.Stat()
	if err != nil {
		return knownMax, err
	}

	epp := int64(pm.entriesPerPage)
	numPages := (finfo.Size() - headerSize + int64(pm.pageSize) - 1) / int64(pm.pageSize)
	data := make([]byte, pm.pageSize)
	for p := numPages - 1; p >= 0; p-- {
		// 这一页能表示的最大 entry id 已经不可能更高时停止回溯
		if p*epp+epp-1 <= knownMax {
			break
		}
		if err := pm.ReadPage(ledgerID, p, data, false); err != nil {
			return knownMax, err
		}
		for slot := pm.entriesPerPage - 1; slot >= 0; slot-- {
			if order.Uint64(data[slot*offsetSize:(slot+1)*offsetSize]) != 0 {
				if candidate := p*epp + int64(slot); candidate > knownMax {
					return candidate, nil
				}
				return knownMax, nil
			}
		}
	}
	return knownMax, nil
}

// RemoveLedger 删除一个 ledger 的索引文件
func (pm *PersistenceManager) RemoveLedger(ledgerID int64) error {
	pm.mu.Lock()
	if fi, ok := pm.files[ledgerID]; ok {
		fi.file.Close()
		delete(pm.files, ledgerID)
	}
	pm.mu.Unlock()

	path := filepath.Join(pm.dir, LedgerPath(ledgerID))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrLedgerNotFound, "ledger %d", ledgerID)
		}
		return errors.Wrapf(err, "remove index file of ledger %d", ledgerID)
	}
	pm.logger.Info("removed ledger index", zap.Int64("ledgerId", ledgerID))
	return nil
}

func (pm *PersistenceManager) LedgerExists(ledgerID int64) (bool, error) {
	pm.mu.Lock()
	if _, ok := pm.files[ledgerID]; ok {
		pm.mu.Unlock()
		return true, nil
	}
	pm.mu.Unlock()

	if _, err := os.Stat(filepath.Join(pm.dir, LedgerPath(ledgerID))); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close 把所有打开的索引文件落盘并关闭
func (pm *PersistenceManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var firstErr error
	for _, fi := range pm.files {
		if err := fi.hdr.Sync(gommap.MS_SYNC); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := fi.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := fi.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	pm.files = make(map[int64]*fileInfo)
	return firstErr
}
