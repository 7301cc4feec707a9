package Store

import (
	"os"
	"path/filepath"
	"strconv"
)

// dbPath 按层级分区生成数据库文件路径：
// 0-8 层共用 base.g3db；9-12 层放在 "8" 目录；13-16 层放在 "12" 目录；
// 17 层以上每层一个目录。目录下以键前缀区分文件
func dbPath(dbdir string, backend StorageBackend, key TileKey) string {
	var dir string
	switch {
	case key.Level <= 8:
		dir = filepath.Join(dbdir, string(backend), key.Layer)
		_ = os.MkdirAll(dir, 0o755)
		return filepath.Join(dir, "base.g3db")
	case key.Level <= 12:
		dir = filepath.Join(dbdir, string(backend), key.Layer, "8")
	case key.Level <= 16:
		dir = filepath.Join(dbdir, string(backend), key.Layer, "12")
	default:
		dir = filepath.Join(dbdir, string(backend), key.Layer, strconv.Itoa(key.Level))
	}
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, key.Prefix+".g3db")
}
