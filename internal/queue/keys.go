package queue

import "encoding/binary"

// Keyspace:
//   task/{task_id}                         task record (JSON)
//   lane/{prio}/m                          lane meta: lastSeq (BE8)
//   lane/{prio}/e/{seq_be8}                lane entry: CRC-framed envelope
//   lane/{prio}/avail/{seq_be8}            availability index
//   lane/{prio}/claim/{group}/{seq_be8}    claim record (JSON)
//   lane/{prio}/claim_idx/{exp_be8}{seq_be8}  claim expiry index, value=group
//   dlq/m                                  DLQ meta: lastSeq (BE8)
//   dlq/e/{seq_be8}                        dead letter (JSON)

func be8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func taskKey(id string) []byte {
	return []byte("task/" + id)
}

func lanePrefix(p Priority) string {
	return "lane/" + string(p) + "/"
}

func laneMetaKey(p Priority) []byte {
	return []byte(lanePrefix(p) + "m")
}

func laneEntryKey(p Priority, seq uint64) []byte {
	return append([]byte(lanePrefix(p)+"e/"), be8(seq)...)
}

func availKey(p Priority, seq uint64) []byte {
	return append([]byte(lanePrefix(p)+"avail/"), be8(seq)...)
}

func availPrefix(p Priority) []byte {
	return []byte(lanePrefix(p) + "avail/")
}

func claimKey(p Priority, group string, seq uint64) []byte {
	return append([]byte(lanePrefix(p)+"claim/"+group+"/"), be8(seq)...)
}

func claimIdxKey(p Priority, expiresMs int64, seq uint64) []byte {
	k := append([]byte(lanePrefix(p)+"claim_idx/"), be8(uint64(expiresMs))...)
	return append(k, be8(seq)...)
}

func claimIdxPrefix(p Priority) []byte {
	return []byte(lanePrefix(p) + "claim_idx/")
}

func dlqMetaKey() []byte {
	return []byte("dlq/m")
}

func dlqEntryKey(seq uint64) []byte {
	return append([]byte("dlq/e/"), be8(seq)...)
}

func dlqEntryPrefix() []byte {
	return []byte("dlq/e/")
}
