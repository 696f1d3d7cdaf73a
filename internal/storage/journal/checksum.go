package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算紀錄的 CRC32-IEEE 校驗和
// 涵蓋 Seq、Round、Metric、Previous 與 Timestamp
func CalculateChecksum(e Entry) uint32 {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:], e.Seq)
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.Round))
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.Metric))
	binary.LittleEndian.PutUint64(buf[24:], uint64(e.Previous))
	binary.LittleEndian.PutUint64(buf[32:], uint64(e.Timestamp))
	return crc32.ChecksumIEEE(buf[:])
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(e Entry) error {
	expected := CalculateChecksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
