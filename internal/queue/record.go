package queue

import (
	"encoding/binary"
	"hash/crc32"
)

// Lane entry envelope: tsMs(8B BE) | taskID | crc32c(ts|taskID)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeEnvelope(tsMs int64, taskID string) []byte {
	out := make([]byte, 0, 8+len(taskID)+4)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], uint64(tsMs))
	out = append(out, tb[:]...)
	out = append(out, taskID...)
	crc := crc32.Update(0, castagnoli, out)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	return append(out, cb[:]...)
}

func decodeEnvelope(b []byte) (tsMs int64, taskID string, ok bool) {
	if len(b) < 12 {
		return 0, "", false
	}
	body := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Update(0, castagnoli, body) != expect {
		return 0, "", false
	}
	tsMs = int64(binary.BigEndian.Uint64(body[:8]))
	return tsMs, string(body[8:]), true
}
