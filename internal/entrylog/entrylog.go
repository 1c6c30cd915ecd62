package entrylog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// 表示一条记录的长度前缀所占用的字节数
	sizePrefixLength = 4 // sizeof(uint32)

	// 每条记录的内容以 8 字节的 ledger id 和 8 字节的 entry id 开头
	entryHeaderLength = 16

	logFileSuffix = ".log"

	// 记录最近分配的日志文件 id 的标记文件
	lastIDFileName = "lastId"
)

// EntryLogger 是只追加的记录存储
//
// 记录以长度前缀的形式依次写入日志文件
// 日志文件的 id 单调递增 同一时刻只有一个活动文件接收追加
// 活动文件超过配置的大小时切换到下一个 id 的新文件
//
// AddEntry 返回的 location 把日志文件 id 编码在高 32 位
// 把记录内容在文件中的偏移编码在低 32 位
// 之后的读取只需要这个 location
type EntryLogger struct {
	conf   Config
	curDir string
	logger *zap.Logger

	// 保护活动日志文件和追加操作
	mu        sync.Mutex
	logID     int64
	file      *os.File
	channel   *BufferedChannel
	reordered *ReorderedWriteChannel

	// 保护只读路径缓存的文件句柄
	readMu    sync.Mutex
	readLogID int64
	readFile  *os.File
	reader    *BufferedReadChannel
}

// 普通缓冲通道和只读通道都实现了这组读方法
type readChannel interface {
	Read(dest []byte, pos int64) (int, error)
	Size() (int64, error)
}

func NewEntryLogger(conf Config, logger *zap.Logger) (*EntryLogger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.MaxLogSize == 0 {
		conf.MaxLogSize = 1 << 30
	}
	if conf.MaxLogSize > 1<<31-1 {
		return nil, errors.Errorf("max log size %d does not fit in 32 bits", conf.MaxLogSize)
	}
	if conf.WriteBufferSize == 0 {
		conf.WriteBufferSize = 64 * 1024
	}
	if conf.ReadBufferSize == 0 {
		conf.ReadBufferSize = 512
	}
	if conf.ChunkSize > 0 && conf.WriteBufferSize%conf.ChunkSize != 0 {
		return nil, errors.Errorf("chunk size %d does not divide write buffer size %d",
			conf.ChunkSize, conf.WriteBufferSize)
	}

	curDir := CurrentDirectory(conf.Dir)
	finfo, err := os.Stat(curDir)
	if err != nil || !finfo.IsDir() {
		return nil, errors.New("entry log directory does not exist")
	}

	el := &EntryLogger{
		conf:      conf,
		curDir:    curDir,
		logger:    logger.Named("entrylog"),
		readLogID: -1,
	}

	// 恢复最近分配的日志文件 id 并从它的下一个 id 开始写
	// 活动文件的 id 绝不能被重用
	lastID, err := el.recoverLastLogID()
	if err != nil {
		return nil, err
	}
	el.logID = lastID
	if err := el.createNewLog(); err != nil {
		return nil, err
	}
	return el, nil
}

// 读出 lastId 标记文件中最近分配的日志文件 id
//
// 标记文件不存在或者无法解析时退回到重新扫描日志目录
// 以已经存在的最大文件 id 为准 这样 id 既不会被重用也不会被错误地跳过
func (el *EntryLogger) recoverLastLogID() (int64, error) {
	b, err := os.ReadFile(filepath.Join(el.curDir, lastIDFileName))
	if err == nil {
		if id, perr := strconv.ParseInt(strings.TrimSpace(string(b)), 16, 64); perr == nil && id >= 0 {
			return id, nil
		}
	}

	el.logger.Info("last log id marker unreadable, rescanning log directory")
	dirents, err := os.ReadDir(el.curDir)
	if err != nil {
		return -1, errors.Wrapf(err, "rescan entry log directory %s", el.curDir)
	}
	maxID := int64(-1)
	for _, dirent := range dirents {
		name := dirent.Name()
		if !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		id, perr := strconv.ParseInt(strings.TrimSuffix(name, logFileSuffix), 16, 64)
		if perr != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

// 切换到下一个 id 的新日志文件
// 之前的活动文件先落盘再变成只读的 调用者负责持有锁
func (el *EntryLogger) createNewLog() error {
	if err := el.flushAndCloseActive(); err != nil {
		return err
	}

	el.logID++
	var name string
	for {
		name = filepath.Join(el.curDir, fmt.Sprintf("%x%s", el.logID, logFileSuffix))
		if _, err := os.Stat(name); err != nil {
			break
		}
		// 绝不覆盖已经存在的日志文件
		el.logID++
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "create entry log file %s", name)
	}
	el.file = f
	if el.conf.ChunkSize > 0 {
		el.reordered, err = NewReorderedWriteChannel(f, el.conf.WriteBufferSize, el.conf.ChunkSize)
	} else {
		el.channel, err = NewBufferedChannel(f, el.conf.WriteBufferSize, el.conf.ReadBufferSize)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(
		filepath.Join(el.curDir, lastIDFileName),
		[]byte(fmt.Sprintf("%x\n", el.logID)), 0644); err != nil {
		return errors.Wrap(err, "persist last log id")
	}

	el.logger.Info("created new entry log file", zap.Int64("logId", el.logID))
	return nil
}

func (el *EntryLogger) flushAndCloseActive() error {
	if el.file == nil {
		return nil
	}
	if err := el.flushActive(true); err != nil {
		return err
	}
	if err := el.file.Close(); err != nil {
		return err
	}
	el.file = nil
	el.channel = nil
	el.reordered = nil
	return nil
}

func (el *EntryLogger) flushActive(force bool) error {
	if el.reordered != nil {
		return el.reordered.Flush(force)
	}
	if el.channel != nil {
		return el.channel.Flush(force)
	}
	return nil
}

// 活动通道中下一次写入的逻辑偏移
func (el *EntryLogger) activePosition() int64 {
	if el.reordered != nil {
		return el.reordered.Position()
	}
	return el.channel.Position()
}

// AddEntry 把一条记录追加到活动日志文件中
//
// 记录的内容以大端的 ledger id 和 entry id 开头
// 返回的 location 编码了日志文件 id 和记录内容的偏移
// 之后传给 ReadEntry 就能取回原样的内容
func (el *EntryLogger) AddEntry(entry []byte) (int64, error) {
	if len(entry) < entryHeaderLength {
		return 0, errors.Errorf("entry of %d bytes is too short to hold ledger and entry ids", len(entry))
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	// 活动文件放不下这条记录时切换到新文件
	recordSize := int64(len(entry)) + sizePrefixLength
	if el.activePosition()+recordSize > el.conf.MaxLogSize {
		if err := el.createNewLog(); err != nil {
			return 0, err
		}
	}

	ledgerID := int64(order.Uint64(entry[:8]))

	var pos int64
	if el.reordered != nil {
		// 长度前缀和内容作为一次写入 保证它们落在同一段 chunk 区域中
		record := make([]byte, recordSize)
		order.PutUint32(record[:sizePrefixLength], uint32(len(entry)))
		copy(record[sizePrefixLength:], entry)
		off, err := el.reordered.Write(ledgerID, record)
		if err != nil {
			return 0, err
		}
		pos = off + sizePrefixLength
	} else {
		var prefix [sizePrefixLength]byte
		order.PutUint32(prefix[:], uint32(len(entry)))
		if _, err := el.channel.Write(prefix[:]); err != nil {
			return 0, err
		}
		pos = el.channel.Position()
		if _, err := el.channel.Write(entry); err != nil {
			return 0, err
		}
	}
	return el.logID<<32 | pos, nil
}

// ReadEntry 根据 location 取回一条记录的内容
//
// 解码出的长度超出文件末尾说明文件被破坏或者截断
func (el *EntryLogger) ReadEntry(ledgerID, entryID, location int64) ([]byte, error) {
	logID := location >> 32
	pos := location & 0xffffffff
	if pos < sizePrefixLength {
		return nil, errors.Wrapf(ErrCorruptedEntry,
			"bad location %#x for ledger %d entry %d", location, ledgerID, entryID)
	}

	// 活动文件上的读要能看到还未刷盘的写
	el.mu.Lock()
	if logID == el.logID && el.channel != nil {
		defer el.mu.Unlock()
		return el.readEntryFrom(el.channel, ledgerID, entryID, logID, pos)
	}
	if logID == el.logID && el.reordered != nil {
		// 乱序通道没有读路径 先刷盘再走只读路径
		if err := el.reordered.Flush(false); err != nil {
			el.mu.Unlock()
			return nil, err
		}
	}
	el.mu.Unlock()

	el.readMu.Lock()
	defer el.readMu.Unlock()
	rc, err := el.readChannelForLog(logID)
	if err != nil {
		return nil, err
	}
	return el.readEntryFrom(rc, ledgerID, entryID, logID, pos)
}

func (el *EntryLogger) readEntryFrom(
	rc readChannel, ledgerID, entryID, logID, pos int64) ([]byte, error) {
	sizeBuf := make([]byte, sizePrefixLength)
	if _, err := rc.Read(sizeBuf, pos-sizePrefixLength); err != nil {
		return nil, errors.Wrapf(ErrCorruptedEntry,
			"read length prefix for ledger %d entry %d at log %x offset %d: %v",
			ledgerID, entryID, logID, pos, err)
	}
	entrySize := int64(order.Uint32(sizeBuf))
	if entrySize < entryHeaderLength || entrySize > el.conf.MaxLogSize {
		return nil, errors.Wrapf(ErrCorruptedEntry,
			"implausible entry size %d for ledger %d entry %d at log %x offset %d",
			entrySize, ledgerID, entryID, logID, pos)
	}

	entry := make([]byte, entrySize)
	if n, err := rc.Read(entry, pos); err != nil || int64(n) < entrySize {
		return nil, errors.Wrapf(ErrCorruptedEntry,
			"entry of %d bytes for ledger %d entry %d extends past end of log %x: %v",
			entrySize, ledgerID, entryID, logID, err)
	}

	// 记录开头的 id 必须和请求的一致
	if gotLedger := int64(order.Uint64(entry[:8])); gotLedger != ledgerID {
		return nil, errors.Wrapf(ErrCorruptedEntry,
			"entry at log %x offset %d belongs to ledger %d, expected %d",
			logID, pos, gotLedger, ledgerID)
	}
	if gotEntry := int64(order.Uint64(entry[8:16])); gotEntry != entryID {
		return nil, errors.Wrapf(ErrCorruptedEntry,
			"entry at log %x offset %d has entry id %d, expected %d",
			logID, pos, gotEntry, entryID)
	}
	return entry, nil
}

// 只读路径复用一个缓存的文件句柄
// 连续读同一个日志文件时不需要反复打开
func (el *EntryLogger) readChannelForLog(logID int64) (*BufferedReadChannel, error) {
	if logID == el.readLogID {
		return el.reader, nil
	}
	if el.readFile != nil {
		el.readFile.Close()
		el.readFile = nil
		el.readLogID = -1
	}
	f, err := os.Open(filepath.Join(el.curDir, fmt.Sprintf("%x%s", logID, logFileSuffix)))
	if err != nil {
		return nil, errors.Wrapf(err, "open entry log %x", logID)
	}
	el.readFile = f
	el.readLogID = logID
	el.reader = NewBufferedReadChannel(f, el.conf.ReadBufferSize)
	return el.reader, nil
}

// ScanEntryLog 从头顺序扫描一个日志文件 对每条记录调用 scanner
//
// 遇到长度前缀声明的记录超出文件剩余长度时扫描以错误终止
// 在那之前已经完整处理的记录所积累的元数据仍然有效
func (el *EntryLogger) ScanEntryLog(logID int64, scanner EntryLogScanner) error {
	f, err := os.Open(filepath.Join(el.curDir, fmt.Sprintf("%x%s", logID, logFileSuffix)))
	if err != nil {
		return errors.Wrapf(err, "open entry log %x", logID)
	}
	defer f.Close()

	finfo, err := f.Stat()
	if err != nil {
		return err
	}
	fsize := finfo.Size()
	rc := NewBufferedReadChannel(f, el.conf.ReadBufferSize)

	sizeBuf := make([]byte, sizePrefixLength)
	header := make([]byte, entryHeaderLength)
	pos := int64(0)
	for pos < fsize {
		if fsize-pos < sizePrefixLength {
			return errors.Wrapf(ErrCorruptedEntry,
				"truncated length prefix at offset %d in log %x", pos, logID)
		}
		if _, err := rc.Read(sizeBuf, pos); err != nil {
			return err
		}
		entrySize := int64(order.Uint32(sizeBuf))
		if entrySize == 0 {
			if el.conf.ChunkSize > 0 {
				// chunk 尾部的零填充 跳到下一个 chunk 边界
				pos = (pos/int64(el.conf.ChunkSize) + 1) * int64(el.conf.ChunkSize)
				continue
			}
			// 预分配的尾部
			break
		}

		payloadPos := pos + sizePrefixLength
		if payloadPos+entrySize > fsize {
			return errors.Wrapf(ErrCorruptedEntry,
				"entry of %d bytes at offset %d extends past size %d of log %x",
				entrySize, pos, fsize, logID)
		}
		if entrySize < entryHeaderLength {
			return errors.Wrapf(ErrCorruptedEntry,
				"implausible entry size %d at offset %d in log %x", entrySize, pos, logID)
		}

		if _, err := rc.Read(header, payloadPos); err != nil {
			return err
		}
		ledgerID := int64(order.Uint64(header[:8]))
		entryID := int64(order.Uint64(header[8:16]))

		if scanner.Accept(ledgerID) {
			entry := make([]byte, entrySize)
			if _, err := rc.Read(entry, payloadPos); err != nil {
				return err
			}
			if err := scanner.Process(ledgerID, entryID, payloadPos, entry); err != nil {
				return err
			}
		}
		pos = payloadPos + entrySize
	}
	return nil
}

// ExtractMetaFromEntryLog 扫描一个日志文件并统计每个 ledger 占用的字节数
// 这是回收子系统消费的元数据提取原语
func (el *EntryLogger) ExtractMetaFromEntryLog(logID int64) (*EntryLogMetadata, error) {
	meta := NewEntryLogMetadata(logID)
	if err := el.ScanEntryLog(logID, &ExtractionScanner{Meta: meta}); err != nil {
		return meta, err
	}
	return meta, nil
}

// Flush 把活动文件上所有缓冲的写落盘
func (el *EntryLogger) Flush() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.flushActive(true)
}

func (el *EntryLogger) Close() error {
	el.mu.Lock()
	err := el.flushAndCloseActive()
	el.mu.Unlock()

	el.readMu.Lock()
	if el.readFile != nil {
		el.readFile.Close()
		el.readFile = nil
		el.readLogID = -1
	}
	el.readMu.Unlock()
	return err
}
