package ledger

type Config struct {
	// 存放每个 ledger 的索引文件的基目录
	// 这个目录必须在创建 Cache 之前就已经存在
	// 索引文件按 ledger id 的低两个字节分片到子目录中
	Dir string

	// 一个索引页的字节数 必须是 8 的倍数
	// 每页能容纳 PageSize / 8 个偏移量
	PageSize int

	// 内存中同时驻留的索引页数上限
	// 超过时按最近最少使用的顺序淘汰 脏页在淘汰前先写回
	PageLimit int
}

const defaultPageSize = 8192

const defaultPageLimit = 2048
