package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq、Type、JobID、UnitID、Count 與 Payload。
// 不包含 Timestamp 與 Checksum 本身。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], event.Seq)
	h.Write(buf[:])

	// 以 0 分隔字串欄位，避免 "ab"+"c" 與 "a"+"bc" 相撞
	for _, s := range []string{string(event.Type), event.JobID, event.UnitID} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	binary.BigEndian.PutUint64(buf[:], uint64(event.Count))
	h.Write(buf[:])
	h.Write(event.Payload)

	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
