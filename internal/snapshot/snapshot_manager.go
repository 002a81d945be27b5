package snapshot

// ============================================================================
// 職責說明：
// 1. 將 batch 檔案以原子性寫入（temp file + rename）防止損壞
// 2. 以 lock 檔案（flock）保證同一 batch 同時只有一個寫入者
// 3. 提供讀取端開檔與存在性檢查
// 4. 內容格式由呼叫者決定，這裡只負責檔案生命週期
// ============================================================================

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrSnapshotNotFound = errors.New("snapshot: file not found")
	ErrLocked           = errors.New("snapshot: file is locked by another writer")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 管理單一持久化檔案
type Manager struct {
	path string       // 檔案路徑
	lock *flock.Flock // path + ".lock"
	mu   sync.Mutex   // 保護檔案操作
	held bool         // 是否由 Acquire 長期持有 lock
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Acquire 長期持有寫入鎖，直到 Release
//
// 其他 Manager（包含其他程序）在此期間的 Write 會回傳 ErrLocked。
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held {
		return nil
	}
	if err := m.tryLockLocked(); err != nil {
		return err
	}
	m.held = true
	return nil
}

// Release 釋放 Acquire 取得的鎖
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return nil
	}
	m.held = false
	return m.unlockLocked()
}

// Write 原子性寫入
//
// 流程：
// 1. 取得寫入鎖（若尚未由 Acquire 持有）
// 2. fn 寫入臨時檔案（.tmp），flush 並 fsync
// 3. 使用 os.Rename 原子性替換原始檔案
// 4. fsync 所在目錄，讓 rename 本身在崩潰後仍然存在
//
// 讀取端永遠只會看到完整的舊檔或完整的新檔。
func (m *Manager) Write(fn func(w io.Writer) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		if err := m.tryLockLocked(); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, m.unlockLocked()) }()
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := writeTemp(tmpPath, fn); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return syncDir(filepath.Dir(m.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("snapshot: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync dir: %w", err)
	}
	return nil
}

func (m *Manager) unlockLocked() error {
	if err := m.lock.Unlock(); err != nil {
		return fmt.Errorf("snapshot: unlock: %w", err)
	}
	return nil
}

func writeTemp(tmpPath string, fn func(w io.Writer) error) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: flush temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: sync temp: %w", err)
	}
	return f.Close()
}

// Open 開啟檔案供讀取，並回傳大小
//
// 檔案不存在時回傳 ErrSnapshotNotFound。
func (m *Manager) Open() (*os.File, int64, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, 0, fmt.Errorf("snapshot: open: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("snapshot: stat: %w", err)
	}
	return f, st.Size(), nil
}

// Exists 檢查檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Remove 刪除檔案與 lock 檔案
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: remove: %w", err)
	}
	if m.held {
		m.held = false
		if err := m.unlockLocked(); err != nil {
			return err
		}
	}
	if err := os.Remove(m.lock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: remove lock: %w", err)
	}
	return nil
}

// GetPath 取得檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

func (m *Manager) tryLockLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	ok, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("snapshot: lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, m.path)
	}
	return nil
}
