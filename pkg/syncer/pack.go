package syncer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Ops pack format v1 (little-endian):
//
//	magic "SLVB1" | count:u32 | [ seq:i64 | len:u32 | ciphertext ]*
//
// Pull_bin format v1 adds per-entry device and op ids:
//
//	magic "SLVB1" | count:u32 |
//	  [ device_id_len:u16 | device_id | seq:i64 |
//	    op_id_len:u16 | op_id | len:u32 | ciphertext ]*
//
// Neither carries an outer MAC: integrity rests on each inner AEAD, so a
// truncating remote can shorten the pulled prefix but cannot forge ops.
var packMagic = []byte("SLVB1")

// DefaultChunkSize is the number of ops per pack.
const DefaultChunkSize = 100

// ChunkStart returns the first seq of the chunk containing seq.
func ChunkStart(seq int64, chunk int64) int64 {
	return ((seq - 1) / chunk) * chunk + 1
}

// PackEntry is one op inside an ops pack.
type PackEntry struct {
	Seq        int64
	Ciphertext []byte
}

// EncodePack serializes pack entries.
func EncodePack(entries []*PackEntry) []byte {
	var b bytes.Buffer
	b.Write(packMagic)
	binary.Write(&b, binary.LittleEndian, uint32(len(entries)))
	for _, e := range entries {
		binary.Write(&b, binary.LittleEndian, e.Seq)
		binary.Write(&b, binary.LittleEndian, uint32(len(e.Ciphertext)))
		b.Write(e.Ciphertext)
	}
	return b.Bytes()
}

// DecodePack parses an ops pack. A truncated pack yields the entries decoded
// before the cut plus an error; callers may apply the intact prefix.
func DecodePack(data []byte) ([]*PackEntry, error) {
	r := bytes.NewReader(data)
	if err := readMagic(r); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("ops pack: failed to read count: %w", err)
	}

	entries := make([]*PackEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var seq int64
		if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
			return entries, fmt.Errorf("ops pack: truncated at entry %d: %w", i, err)
		}
		ct, err := readBlob(r)
		if err != nil {
			return entries, fmt.Errorf("ops pack: truncated at entry %d: %w", i, err)
		}
		entries = append(entries, &PackEntry{Seq: seq, Ciphertext: ct})
	}
	return entries, nil
}

// PullBinEntry is one op inside a pull_bin response.
type PullBinEntry struct {
	DeviceID   string
	Seq        int64
	OpID       string
	Ciphertext []byte
}

// EncodePullBin serializes pull_bin entries.
func EncodePullBin(entries []*PullBinEntry) []byte {
	var b bytes.Buffer
	b.Write(packMagic)
	binary.Write(&b, binary.LittleEndian, uint32(len(entries)))
	for _, e := range entries {
		binary.Write(&b, binary.LittleEndian, uint16(len(e.DeviceID)))
		b.WriteString(e.DeviceID)
		binary.Write(&b, binary.LittleEndian, e.Seq)
		binary.Write(&b, binary.LittleEndian, uint16(len(e.OpID)))
		b.WriteString(e.OpID)
		binary.Write(&b, binary.LittleEndian, uint32(len(e.Ciphertext)))
		b.Write(e.Ciphertext)
	}
	return b.Bytes()
}

// DecodePullBin parses a pull_bin response.
func DecodePullBin(data []byte) ([]*PullBinEntry, error) {
	r := bytes.NewReader(data)
	if err := readMagic(r); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("pull_bin: failed to read count: %w", err)
	}

	entries := make([]*PullBinEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		deviceID, err := readString16(r)
		if err != nil {
			return entries, fmt.Errorf("pull_bin: truncated at entry %d: %w", i, err)
		}
		var seq int64
		if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
			return entries, fmt.Errorf("pull_bin: truncated at entry %d: %w", i, err)
		}
		opID, err := readString16(r)
		if err != nil {
			return entries, fmt.Errorf("pull_bin: truncated at entry %d: %w", i, err)
		}
		ct, err := readBlob(r)
		if err != nil {
			return entries, fmt.Errorf("pull_bin: truncated at entry %d: %w", i, err)
		}
		entries = append(entries, &PullBinEntry{
			DeviceID: deviceID, Seq: seq, OpID: opID, Ciphertext: ct,
		})
	}
	return entries, nil
}

func readMagic(r *bytes.Reader) error {
	magic := make([]byte, len(packMagic))
	if _, err := r.Read(magic); err != nil || !bytes.Equal(magic, packMagic) {
		return fmt.Errorf("bad pack magic")
	}
	return nil
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("declared length %d exceeds remaining %d", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
