package wal

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32
//
// 涵蓋 type、store id、seq 與記錄內容；Timestamp 不參與計算。
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(e.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(e.StoreID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(e.Seq, 10)))
	h.Write([]byte{'|'})
	h.Write(e.Record)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的 checksum
func VerifyChecksum(e Event) bool {
	return CalculateChecksum(e) == e.Checksum
}
