package auth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Snapshot wire format: a 2-byte version header (major, minor) followed by
// a record count and length-prefixed records. Each record is a sequence of
// tagged fields so unknown fields from future minors can be skipped.
const (
	snapshotMajor = 1
	snapshotMinor = 0
)

// Field tags. New fields get new tags; tags are never reused.
const (
	fieldID uint8 = iota + 1
	fieldName
	fieldRole
	fieldCreatedAt
	fieldExpiresAt
	fieldActive
	fieldIPWhitelist
	fieldDeviceUUIDs
)

// EncodeSnapshot serializes keys into the versioned binary snapshot format.
// LastUsed and UseCount are runtime-only and excluded.
func EncodeSnapshot(keys []*APIKey) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(snapshotMajor)
	buf.WriteByte(snapshotMinor)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(keys)))
	buf.Write(count[:])

	for _, k := range keys {
		rec, err := encodeRecord(k)
		if err != nil {
			return nil, err
		}
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(rec)))
		buf.Write(length[:])
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a snapshot, skipping unknown fields so newer minor
// versions stay readable. A newer major version is rejected.
func DecodeSnapshot(data []byte) ([]*APIKey, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("snapshot truncated: %d bytes", len(data))
	}
	major, minor := data[0], data[1]
	if major != snapshotMajor {
		return nil, fmt.Errorf("unsupported snapshot version %d.%d", major, minor)
	}

	r := bytes.NewReader(data[2:])
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read record count: %w", err)
	}

	keys := make([]*APIKey, 0, count)
	for i := uint32(0); i < count; i++ {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read record %d length: %w", i, err)
		}
		rec := make([]byte, length)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("read record %d: %w", i, err)
		}
		k, err := decodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func encodeRecord(k *APIKey) ([]byte, error) {
	var buf bytes.Buffer
	writeStringField(&buf, fieldID, k.ID)
	writeStringField(&buf, fieldName, k.Name)
	writeStringField(&buf, fieldRole, string(k.Role))
	writeTimeField(&buf, fieldCreatedAt, k.CreatedAt)
	if k.ExpiresAt != nil {
		writeTimeField(&buf, fieldExpiresAt, *k.ExpiresAt)
	}
	writeBoolField(&buf, fieldActive, k.Active)
	if len(k.IPWhitelist) > 0 {
		writeListField(&buf, fieldIPWhitelist, k.IPWhitelist)
	}
	if len(k.DeviceUUIDs) > 0 {
		writeListField(&buf, fieldDeviceUUIDs, k.DeviceUUIDs)
	}
	return buf.Bytes(), nil
}

func decodeRecord(rec []byte) (*APIKey, error) {
	k := &APIKey{}
	r := bytes.NewReader(rec)
	for r.Len() > 0 {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("field %d length: %w", tag, err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("field %d payload: %w", tag, err)
		}

		switch tag {
		case fieldID:
			k.ID = string(payload)
		case fieldName:
			k.Name = string(payload)
		case fieldRole:
			k.Role = Role(payload)
		case fieldCreatedAt:
			t, err := decodeTime(payload)
			if err != nil {
				return nil, err
			}
			k.CreatedAt = t
		case fieldExpiresAt:
			t, err := decodeTime(payload)
			if err != nil {
				return nil, err
			}
			k.ExpiresAt = &t
		case fieldActive:
			k.Active = len(payload) == 1 && payload[0] == 1
		case fieldIPWhitelist:
			k.IPWhitelist = decodeList(payload)
		case fieldDeviceUUIDs:
			k.DeviceUUIDs = decodeList(payload)
		default:
			// Unknown field from a newer minor version: skip.
		}
	}
	if k.ID == "" {
		return nil, fmt.Errorf("record missing key id")
	}
	return k, nil
}

func writeField(buf *bytes.Buffer, tag uint8, payload []byte) {
	buf.WriteByte(tag)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)
}

func writeStringField(buf *bytes.Buffer, tag uint8, s string) {
	writeField(buf, tag, []byte(s))
}

func writeTimeField(buf *bytes.Buffer, tag uint8, t time.Time) {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(t.UnixNano()))
	writeField(buf, tag, payload[:])
}

func writeBoolField(buf *bytes.Buffer, tag uint8, b bool) {
	if b {
		writeField(buf, tag, []byte{1})
	} else {
		writeField(buf, tag, []byte{0})
	}
}

func writeListField(buf *bytes.Buffer, tag uint8, items []string) {
	var payload bytes.Buffer
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(items)))
	payload.Write(count[:])
	for _, item := range items {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(item)))
		payload.Write(length[:])
		payload.WriteString(item)
	}
	writeField(buf, tag, payload.Bytes())
}

func decodeTime(payload []byte) (time.Time, error) {
	if len(payload) != 8 {
		return time.Time{}, fmt.Errorf("bad time field length %d", len(payload))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(payload))).UTC(), nil
}

func decodeList(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	count := binary.BigEndian.Uint16(payload[:2])
	rest := payload[2:]
	out := make([]string, 0, count)
	for i := uint16(0); i < count && len(rest) >= 2; i++ {
		length := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if int(length) > len(rest) {
			break
		}
		out = append(out, string(rest[:length]))
		rest = rest[length:]
	}
	return out
}
