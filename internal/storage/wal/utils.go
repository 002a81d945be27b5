package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 從頭掃描，回傳最後一個通過驗證的事件；沒有任何事件時回傳 ErrEmptyWAL。
func GetLastEvent(path string, maxMessageBytes int) (*Event, error) {
	var last *Event
	_, err := ReplayFile(path, maxMessageBytes, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 依事件類型統計 WAL 中的有效事件
func CountEvents(path string, maxMessageBytes int) (map[EventType]int, ReplayStats, error) {
	counts := make(map[EventType]int)
	stats, err := ReplayFile(path, maxMessageBytes, func(event Event) error {
		counts[event.Type]++
		return nil
	})
	return counts, stats, err
}

// RemoveAll 刪除 WAL 檔案與所有旋轉出來的備份
func RemoveAll(path string) error {
	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		return fmt.Errorf("wal: glob backups: %w", err)
	}

	var errs []error
	for _, p := range append(backups, path) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
