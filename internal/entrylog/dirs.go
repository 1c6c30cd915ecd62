package entrylog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CurrentDirectory 返回基目录下实际存放日志文件的 current 子目录
func CurrentDirectory(dir string) string {
	return filepath.Join(dir, "current")
}

// CheckDirectoryStructure 保证 current 目录存在
//
// 目录不存在时尝试创建它
// 但是它的父目录必须已经存在 否则立即报错
// 这个检查必须在创建任何日志或索引文件之前运行
func CheckDirectoryStructure(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	parent := filepath.Dir(dir)
	if _, err := os.Stat(parent); err != nil {
		return errors.Wrapf(err, "parent of directory %s does not exist", dir)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return errors.Wrapf(err, "create directory %s", dir)
	}
	return nil
}
