package auditlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"time"
)

// Kind enumerates the event-specific record kinds of spec §3.
type Kind string

const (
	KindCapCreate         Kind = "CapCreate"
	KindCapGrant          Kind = "CapGrant"
	KindCapDelegate       Kind = "CapDelegate"
	KindCapRevoke         Kind = "CapRevoke"
	KindCapInvoke         Kind = "CapInvoke"
	KindIpcSend           Kind = "IpcSend"
	KindIpcReceive        Kind = "IpcReceive"
	KindProcessSpawn      Kind = "ProcessSpawn"
	KindProcessExit       Kind = "ProcessExit"
	KindThreadStateChange Kind = "ThreadStateChange"
)

// Record is one append-only entry: spec §3's (seq, timestamp, actor,
// kind, fields) tuple. Fields holds whatever event-specific values the
// caller appended; it is rendered to strings before going to disk (see
// encode) so the wire format never depends on registering Go types with
// a serializer — the audit log's consumers (permission service,
// debugger) are diagnostic readers, not typed RPC clients.
type Record struct {
	Seq      uint64
	TSNano   int64
	ActorPID uint64
	Kind     Kind
	Fields   map[string]any
}

// encode produces the on-disk frame spec §6 describes (seq, timestamp,
// actor, kind, fields, crc32), laid out as:
//
//	| seq: u64 | ts_ns: u64 | actor_pid: u32 | kind_len: u32 | kind | len: u32 | body | crc32: u32 |
//
// kind is length-prefixed rather than a fixed byte enum so a new Kind
// value never requires a wire-format bump. body is a deterministic
// (sorted-key) encoding of Fields as length-prefixed string pairs;
// crc32 covers every preceding byte of the record.
func (r Record) encode() []byte {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body bytes.Buffer
	for _, k := range keys {
		v := fmt.Sprintf("%v", r.Fields[k])
		writeString(&body, k)
		writeString(&body, v)
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, r.Seq)
	_ = binary.Write(&buf, binary.BigEndian, uint64(r.TSNano))
	_ = binary.Write(&buf, binary.BigEndian, uint32(r.ActorPID))
	writeString(&buf, string(r.Kind))
	_ = binary.Write(&buf, binary.BigEndian, uint32(body.Len()))
	buf.Write(body.Bytes())

	sum := crc32.ChecksumIEEE(buf.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, sum)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(p []byte, off int) (string, int, error) {
	if off+4 > len(p) {
		return "", 0, errLogCorrupt
	}
	n := int(binary.BigEndian.Uint32(p[off : off+4]))
	off += 4
	if off+n > len(p) {
		return "", 0, errLogCorrupt
	}
	return string(p[off : off+n]), off + n, nil
}

// decode parses a frame written by encode, returning errLogCorrupt if
// the trailing crc32 doesn't match. loadAll stops at the first such
// frame, so a replay keeps only the records before it; this path does
// not set the log's Degraded flag.
func decode(raw []byte) (Record, error) {
	const minLen = 8 + 8 + 4 + 4 /*kind len*/ + 4 /*body len*/ + 4 /*crc*/
	if len(raw) < minLen {
		return Record{}, errLogCorrupt
	}
	body := raw[:len(raw)-4]
	wantSum := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(body) != wantSum {
		return Record{}, errLogCorrupt
	}

	r := Record{}
	p := body
	if len(p) < 20 {
		return Record{}, errLogCorrupt
	}
	r.Seq = binary.BigEndian.Uint64(p[0:8])
	r.TSNano = int64(binary.BigEndian.Uint64(p[8:16]))
	r.ActorPID = uint64(binary.BigEndian.Uint32(p[16:20]))

	kind, off, err := readString(p, 20)
	if err != nil {
		return Record{}, err
	}
	r.Kind = Kind(kind)

	if off+4 > len(p) {
		return Record{}, errLogCorrupt
	}
	bodyLen := int(binary.BigEndian.Uint32(p[off : off+4]))
	off += 4
	if off+bodyLen > len(p) {
		return Record{}, errLogCorrupt
	}
	fieldsRaw := p[off : off+bodyLen]

	fields := make(map[string]any)
	for pos := 0; pos < len(fieldsRaw); {
		k, next, err := readString(fieldsRaw, pos)
		if err != nil {
			return Record{}, err
		}
		v, next2, err := readString(fieldsRaw, next)
		if err != nil {
			return Record{}, err
		}
		fields[k] = v
		pos = next2
	}
	r.Fields = fields
	return r, nil
}

func now() time.Time { return time.Now() }

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errLogCorrupt = staticErr("audit record failed crc32 check")
