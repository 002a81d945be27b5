package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only），每個事件一個 frame
// 2. 提供重放功能，遇到損壞區段時重新同步繼續讀取
// 3. 支援日誌旋轉（batch 持久化後切換新檔）
// 4. 批次 flush + fsync，兼顧吞吐與持久性
// ============================================================================

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ChuLiYu/fleet-recovery/internal/framing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options WAL 設定
type Options struct {
	BatchSize       int  // 累積多少事件後 flush，<= 0 使用預設值
	MaxMessageBytes int  // 單一事件編碼後的上限，<= 0 使用 framing 預設值
	SyncOnAppend    bool // 每次追加都強制同步
}

const defaultBatchSize = 64

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex      // 保護並發寫入
	file    FileInterface   // WAL 檔案
	buf     *bufio.Writer   // 批次寫入緩衝
	frames  *framing.Writer // frame 編碼器
	path    string          // WAL 檔案路徑
	seq     uint64          // 當前事件序號
	pending int             // 尚未 flush 的事件數
	opts    Options
	closed  bool
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，重放一次取得最後一個有效事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = framing.DefaultMaxMessageBytes
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	// 先取得最後序號，再以追加模式開啟
	var seq uint64
	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		stats, err := ReplayFile(path, opts.MaxMessageBytes, nil)
		if err != nil {
			return nil, err
		}
		seq = stats.LastSeq
	}

	w := &WAL{path: path, seq: seq, opts: opts}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openLocked() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", w.path, err)
	}
	w.file = file
	w.buf = bufio.NewWriter(file)
	w.frames = framing.NewWriter(w.buf, w.opts.MaxMessageBytes)
	w.pending = 0
	return nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、填入時間戳與 checksum
// - 寫入緩衝區；force、SyncOnAppend 或緩衝已滿時 flush 並 fsync
//
// 回傳：事件的 seq
func (w *WAL) Append(event Event, force bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	event.Seq = w.seq + 1
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
	}
	if err := w.frames.WriteFrame(data); err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	w.seq = event.Seq
	w.pending++

	if force || w.opts.SyncOnAppend || w.pending >= w.opts.BatchSize {
		if err := w.flushLocked(); err != nil {
			return w.seq, err
		}
	}
	return w.seq, nil
}

// Flush 將緩衝事件寫出並 fsync
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush，讓緩衝中的事件也能被讀到
// - 損壞的 frame 或 checksum 不符的事件會被跳過並計入 FalsePositives
// - handler 回傳錯誤時立即停止
func (w *WAL) Replay(handler EventHandler) (ReplayStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return ReplayStats{}, err
		}
	}
	return ReplayFile(w.path, w.opts.MaxMessageBytes, handler)
}

// ReplayFile 重放指定檔案，不需要開啟 WAL 實例（CLI 檢查用）
func ReplayFile(path string, maxMessageBytes int, handler EventHandler) (ReplayStats, error) {
	var stats ReplayStats

	file, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer file.Close()

	r := framing.NewReader(file, decodeEvent, framing.WithMaxMessageBytes(maxMessageBytes))
	for {
		event, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("wal: read %s: %w", path, err)
		}

		stats.Events++
		if event.Seq > stats.LastSeq {
			stats.LastSeq = event.Seq
		}
		if handler != nil {
			if err := handler(event); err != nil {
				return stats, err
			}
		}
	}

	stats.FalsePositives = r.FalsePositives()
	stats.SkippedBytes = r.SkippedBytes()
	return stats, nil
}

func decodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, err
	}
	if err := VerifyChecksum(event); err != nil {
		return event, err
	}
	return event, nil
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為 path.<timestamp> 保留，之後的事件寫入新檔。
// seq 持續遞增，不會歸零。
//
// 回傳：備份檔路徑
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("wal: close for rotate: %w", err)
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		// 舊檔仍在原處，重新開啟以便繼續追加
		if openErr := w.openLocked(); openErr != nil {
			w.closed = true
			return "", errors.Join(err, openErr)
		}
		return "", fmt.Errorf("wal: rotate: %w", err)
	}

	if err := w.openLocked(); err != nil {
		w.closed = true
		return "", err
	}
	return backupPath, nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	return errors.Join(flushErr, closeErr)
}

// LastSeq 取得當前的事件序號
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) Path() string { return w.path }

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if w.pending == 0 && w.buf.Buffered() == 0 {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	w.pending = 0
	return nil
}
