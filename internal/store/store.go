// Package store 提供基于 SQLite 的合成结果缓存。
// 相同参数的重复合成请求直接返回缓存的 WAV 字节，省去推理开销。
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iabetor/pivoice/internal/logger"
)

// Cache 合成结果缓存。所有条目存放于单个 SQLite 文件。
type Cache struct {
	db         *sql.DB
	path       string
	maxEntries int
}

// Key 由各合成参数拼接计算缓存键。
func Key(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}

// Open 打开或创建缓存数据库。
// maxEntries 为容量上限，<= 0 表示不限制。
func Open(path string, maxEntries int) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开缓存数据库失败: %w", err)
	}

	// 设置 WAL 模式（更好的并发性能）
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置 WAL 模式失败: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS synth_cache (
		key        TEXT PRIMARY KEY,
		wav        BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化缓存表失败: %w", err)
	}

	logger.Infof("[store] 合成缓存已打开: %s (max_entries=%d)", path, maxEntries)
	return &Cache{db: db, path: path, maxEntries: maxEntries}, nil
}

// Get 查找缓存条目，返回 WAV 字节和是否命中。
func (c *Cache) Get(key string) ([]byte, bool) {
	var wav []byte
	err := c.db.QueryRow("SELECT wav FROM synth_cache WHERE key = ?", key).Scan(&wav)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logger.Warnf("[store] 查询缓存失败: %v", err)
		return nil, false
	}
	return wav, true
}

// Put 写入缓存条目，已存在则覆盖。
// 设有容量上限时随后淘汰最旧条目。
func (c *Cache) Put(key string, wav []byte) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO synth_cache (key, wav, created_at) VALUES (?, ?, ?)",
		key, wav, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	if c.maxEntries > 0 {
		return c.Prune(c.maxEntries)
	}
	return nil
}

// Prune 按写入时间先后淘汰最旧条目，使条目数不超过 max。
func (c *Cache) Prune(max int) error {
	if max <= 0 {
		return nil
	}
	_, err := c.db.Exec(`DELETE FROM synth_cache WHERE key IN (
		SELECT key FROM synth_cache ORDER BY created_at DESC LIMIT -1 OFFSET ?)`, max)
	if err != nil {
		return fmt.Errorf("淘汰缓存条目失败: %w", err)
	}
	return nil
}

// Len 返回当前条目数。
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM synth_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("统计缓存条目失败: %w", err)
	}
	return n, nil
}

// Path 返回缓存文件路径。
func (c *Cache) Path() string {
	return c.path
}

// Close 关闭数据库。
func (c *Cache) Close() error {
	return c.db.Close()
}
