package entrylog

import (
	"fmt"
	"sort"
	"strings"
)

// EntryLogScanner 是顺序扫描一个日志文件时使用的回调接口
//
// 回收子系统只依赖这一个契约
// 它既可以拿到每条记录的完整内容做搬迁
// 也可以只做按 ledger 聚合的元数据统计
type EntryLogScanner interface {
	// Accept 决定是否处理属于这个 ledger 的记录
	// 返回假时记录被跳过 但扫描继续前进
	Accept(ledgerID int64) bool

	// Process 处理一条记录
	// offset 是记录内容在日志文件中的起始偏移 不包括长度前缀
	// 返回错误时整个扫描终止
	Process(ledgerID, entryID, offset int64, entry []byte) error
}

// EntryLogMetadata 记录一个日志文件中每个 ledger 贡献的累积字节数
//
// 它只在内存中存在 由一次前向扫描构建
// 供外部的回收逻辑判断文件中还有多少存活的数据
type EntryLogMetadata struct {
	LogID int64

	// ledger id 到该 ledger 在此文件中占用字节数的映射
	// 字节数包括每条记录的长度前缀
	Ledgers map[int64]int64
}

func NewEntryLogMetadata(logID int64) *EntryLogMetadata {
	return &EntryLogMetadata{
		LogID:   logID,
		Ledgers: make(map[int64]int64),
	}
}

func (m *EntryLogMetadata) AddLedgerSize(ledgerID, size int64) {
	m.Ledgers[ledgerID] += size
}

func (m *EntryLogMetadata) ContainsLedger(ledgerID int64) bool {
	_, ok := m.Ledgers[ledgerID]
	return ok
}

// TotalSize 返回文件中所有 ledger 占用字节数的总和
func (m *EntryLogMetadata) TotalSize() int64 {
	var total int64
	for _, size := range m.Ledgers {
		total += size
	}
	return total
}

func (m *EntryLogMetadata) String() string {
	ids := make([]int64, 0, len(m.Ledgers))
	for id := range m.Ledgers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	fmt.Fprintf(&sb, "{logId: %d, totalSize: %d, ledgers: [", m.LogID, m.TotalSize())
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d: %d", id, m.Ledgers[id])
	}
	sb.WriteString("]}")
	return sb.String()
}

// ExtractionScanner 在扫描时把每条记录的大小累加到元数据中
type ExtractionScanner struct {
	Meta *EntryLogMetadata
}

func (s *ExtractionScanner) Accept(ledgerID int64) bool {
	return true
}

func (s *ExtractionScanner) Process(ledgerID, entryID, offset int64, entry []byte) error {
	s.Meta.AddLedgerSize(ledgerID, int64(len(entry))+sizePrefixLength)
	return nil
}
