package Store

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteManager 按文件路径复用 sqlite 连接，每个图层一张表
type SQLiteManager struct {
	mu        sync.Mutex
	dbdir     string
	pool      map[string]*sql.DB
	tables    map[string]bool // path|table 已建表
	dsnExtras string
}

// NewSQLiteManager 创建管理器
func NewSQLiteManager(dbdir string) *SQLiteManager {
	return &SQLiteManager{
		dbdir:     dbdir,
		pool:      make(map[string]*sql.DB),
		tables:    make(map[string]bool),
		dsnExtras: "?_busy_timeout=2000&cache=shared&mode=rwc",
	}
}

// sanitizeTableName 只保留字母数字下划线，不以数字开头。
// 名称被改写时追加原始 ID 的哈希，避免 osm-a 与 osm_a 落到同一张表
func sanitizeTableName(name string) string {
	result := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
	if result == "" {
		return "default_table"
	}
	if result[0] >= '0' && result[0] <= '9' {
		result = "_" + result
	}
	if result == name && len(result) <= 64 {
		return result
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	if len(result) > 64-len(suffix) {
		result = result[:64-len(suffix)]
	}
	return result + suffix
}

func (m *SQLiteManager) getOrOpenDB(path, layerID string) (*sql.DB, string, error) {
	table := sanitizeTableName(layerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.pool[path]
	if !ok {
		var err error
		db, err = m.sqliteRecoverIfNeeded(path)
		if err != nil {
			return nil, "", err
		}
		// 单连接写入，避免 database is locked
		db.SetMaxOpenConns(1)
		if err := waitPing(db, 2*time.Second); err != nil {
			_ = db.Close()
			return nil, "", err
		}
		// 部分文件系统不支持 WAL，失败时保持默认日志模式
		_, _ = db.Exec("PRAGMA journal_mode=WAL;")
		m.pool[path] = db
	}
	if !m.tables[path+"|"+table] {
		_, err := db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tile_id BLOB PRIMARY KEY,
				level   INTEGER NOT NULL,
				value   BLOB NOT NULL
			);`, table))
		if err != nil {
			return nil, "", err
		}
		m.tables[path+"|"+table] = true
	}
	return db, table, nil
}

// sqliteRecoverIfNeeded 已存在但无法 Ping 的文件改名备份后重建
func (m *SQLiteManager) sqliteRecoverIfNeeded(path string) (*sql.DB, error) {
	dsn := "file:" + path + m.dsnExtras
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return sql.Open("sqlite3", dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err == nil {
		if errPing := db.Ping(); errPing == nil {
			return db, nil
		}
		_ = db.Close()
	}
	backup := path + ".corrupt." + time.Now().Format("20060102_150405")
	_ = os.Rename(path, backup)
	return sql.Open("sqlite3", dsn)
}

// waitPing 在给定超时内轮询 Ping
func waitPing(db *sql.DB, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := db.Ping(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("sqlite ping 超时")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (m *SQLiteManager) Put(key TileKey, value []byte) error {
	db, table, err := m.getOrOpenDB(dbPath(m.dbdir, BackendSQLite, key), key.Layer)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO `+table+`(tile_id, level, value) VALUES(?, ?, ?)
		ON CONFLICT(tile_id) DO UPDATE SET level=excluded.level, value=excluded.value;`,
		key.Bytes(), key.Level, value)
	return err
}

// PutBatch 按文件分组，每个文件一个事务
func (m *SQLiteManager) PutBatch(records map[TileKey][]byte) error {
	grouped := make(map[string]map[TileKey][]byte)
	for k, v := range records {
		p := dbPath(m.dbdir, BackendSQLite, k)
		if grouped[p] == nil {
			grouped[p] = make(map[TileKey][]byte)
		}
		grouped[p][k] = v
	}
	for p, recs := range grouped {
		if err := m.putFile(p, recs); err != nil {
			return fmt.Errorf("sqlite 批量写入 %s 失败: %w", p, err)
		}
	}
	return nil
}

func (m *SQLiteManager) putFile(path string, recs map[TileKey][]byte) error {
	var db *sql.DB
	tables := make(map[TileKey]string, len(recs))
	for k := range recs {
		d, table, err := m.getOrOpenDB(path, k.Layer)
		if err != nil {
			return err
		}
		db = d
		tables[k] = table
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for k, v := range recs {
		_, err := tx.Exec(`INSERT INTO `+tables[k]+`(tile_id, level, value) VALUES(?, ?, ?)
			ON CONFLICT(tile_id) DO UPDATE SET level=excluded.level, value=excluded.value;`,
			k.Bytes(), k.Level, v)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (m *SQLiteManager) Get(key TileKey) ([]byte, error) {
	db, table, err := m.getOrOpenDB(dbPath(m.dbdir, BackendSQLite, key), key.Layer)
	if err != nil {
		return nil, err
	}
	var v []byte
	err = db.QueryRow(`SELECT value FROM `+table+` WHERE tile_id = ?`, key.Bytes()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (m *SQLiteManager) Delete(key TileKey) error {
	db, table, err := m.getOrOpenDB(dbPath(m.dbdir, BackendSQLite, key), key.Layer)
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM `+table+` WHERE tile_id = ?`, key.Bytes())
	return err
}

// Close 关闭全部连接
func (m *SQLiteManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for p, db := range m.pool {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
		delete(m.pool, p)
	}
	m.tables = make(map[string]bool)
	return errors.Join(errs...)
}
