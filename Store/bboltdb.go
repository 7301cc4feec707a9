package Store

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("瓦片不存在")

// BBoltManager 按文件路径复用 bbolt 句柄，每个图层一个 bucket
type BBoltManager struct {
	mu    sync.Mutex
	dbdir string
	pool  map[string]*bolt.DB
}

// NewBBoltManager 创建管理器
func NewBBoltManager(dbdir string) *BBoltManager {
	return &BBoltManager{dbdir: dbdir, pool: make(map[string]*bolt.DB)}
}

func (m *BBoltManager) getOrOpenDB(path string) (*bolt.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.pool[path]; ok {
		return db, nil
	}
	db, err := bboltRecoverIfNeeded(path)
	if err != nil {
		return nil, err
	}
	m.pool[path] = db
	return db, nil
}

// bboltRecoverIfNeeded 打开失败时把损坏文件改名备份后重建
func bboltRecoverIfNeeded(path string) (*bolt.DB, error) {
	opts := &bolt.Options{Timeout: 2 * time.Second}
	db, err := bolt.Open(path, 0o600, opts)
	if err == nil {
		return db, nil
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return nil, err
	}
	backup := path + ".corrupt." + time.Now().Format("20060102_150405")
	if renameErr := os.Rename(path, backup); renameErr != nil {
		return nil, fmt.Errorf("bbolt 打开失败且无法备份: %v (%w)", renameErr, err)
	}
	return bolt.Open(path, 0o600, opts)
}

func (m *BBoltManager) Put(key TileKey, value []byte) error {
	db, err := m.getOrOpenDB(dbPath(m.dbdir, BackendBBolt, key))
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(key.Layer))
		if err != nil {
			return err
		}
		return b.Put(key.Bytes(), value)
	})
}

// PutBatch 按数据库文件分组，每个文件一个事务
func (m *BBoltManager) PutBatch(records map[TileKey][]byte) error {
	grouped := make(map[string]map[TileKey][]byte)
	for k, v := range records {
		p := dbPath(m.dbdir, BackendBBolt, k)
		if grouped[p] == nil {
			grouped[p] = make(map[TileKey][]byte)
		}
		grouped[p][k] = v
	}
	for p, recs := range grouped {
		db, err := m.getOrOpenDB(p)
		if err != nil {
			return err
		}
		err = db.Update(func(tx *bolt.Tx) error {
			for k, v := range recs {
				b, err := tx.CreateBucketIfNotExists([]byte(k.Layer))
				if err != nil {
					return err
				}
				if err := b.Put(k.Bytes(), v); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("bbolt 批量写入 %s 失败: %w", p, err)
		}
	}
	return nil
}

func (m *BBoltManager) Get(key TileKey) ([]byte, error) {
	p := dbPath(m.dbdir, BackendBBolt, key)
	db, err := m.getOrOpenDB(p)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key.Layer))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key.Bytes())
		if v == nil {
			return ErrNotFound
		}
		// bbolt 返回的切片只在事务内有效
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (m *BBoltManager) Delete(key TileKey) error {
	db, err := m.getOrOpenDB(dbPath(m.dbdir, BackendBBolt, key))
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key.Layer))
		if b == nil {
			return nil
		}
		return b.Delete(key.Bytes())
	})
}

// Close 关闭全部句柄
func (m *BBoltManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for p, db := range m.pool {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
		delete(m.pool, p)
	}
	return errors.Join(errs...)
}
