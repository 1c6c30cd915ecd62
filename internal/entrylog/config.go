package entrylog

type Config struct {
	// 存放日志文件的基目录
	// 实际的日志文件都位于它下边的 current 子目录中
	// 这个目录必须在创建 EntryLogger 之前就已经存在
	Dir string

	// 单个日志文件的最大字节数
	// 活动文件超过这个大小时会切换到一个新的日志文件
	//
	// 因为记录的位置要编码在一个 64 位 location 的低 32 位中
	// 所以这个值不能超过 1 << 31
	MaxLogSize int64

	// 写缓冲区的容量 单位是字节
	WriteBufferSize int

	// 读缓冲区的容量 单位是字节
	ReadBufferSize int

	// 大于零时启用按 ledger 聚簇的乱序分块写通道
	// 值为每个 chunk 的字节数 必须能整除 WriteBufferSize
	// 等于零时使用普通的缓冲写通道
	ChunkSize int
}
