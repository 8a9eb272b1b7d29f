package reter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"
)

// Base snapshot format (spec §6, §7, §9): a typed, self-describing binary
// file — schema header, snappy-compressed table of per-fact records (one
// row per fact, not columnar), checksum trailer — grounded on
// the teacher's pldb.go columnar/indexed/immutable-after-construction
// relation storage, repurposed here as the on-disk encoding for FactStore.
var snapshotMagic = [8]byte{'R', 'E', 'T', 'R', 'S', 'N', 'P', '1'}

const snapshotVersion uint32 = 1

// factRecord is the decoded form of one stored fact, independent of the
// FactID it will be assigned on the reading side (spec §4.7 "base
// snapshot must round-trip every canonical fact shape").
type factRecord struct {
	origID     FactID
	attrs      map[string]string
	sources    []string
	inferred   bool
	inferredBy string
	support    []FactID // origIDs of supporting facts, remapped on load
}

// writeSnapshot serializes every live fact in net's store to path, using
// write-temp-then-rename (spec §6 "Written atomically via
// write-temp-then-rename"). If that rename fails, it falls back to
// writeVersionedSnapshot, which writes a new `path.vN` file instead.
func writeSnapshot(path string, net *Network) (fingerprint [16]byte, err error) {
	body, err := encodeFactTable(net)
	if err != nil {
		return fingerprint, err
	}
	compressed := snappy.Encode(nil, body)

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, snapshotVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(compressed)))
	buf.Write(compressed)

	fingerprint = fingerprint16(buf.Bytes())
	checksum := crc32Checksum(buf.Bytes())
	_ = binary.Write(&buf, binary.LittleEndian, checksum)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fingerprint, fmt.Errorf("reter: write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return writeVersionedSnapshot(path, buf.Bytes(), fingerprint)
	}
	return fingerprint, nil
}

// writeVersionedSnapshot is the fallback path named in spec §6: `path.v1`,
// `path.v2`, ... with the reader always opening the highest-numbered valid
// version and deleting predecessors after a successful open.
func writeVersionedSnapshot(path string, data []byte, fingerprint [16]byte) ([16]byte, error) {
	n := nextSnapshotVersion(path)
	versioned := fmt.Sprintf("%s.v%d", path, n)
	if err := os.WriteFile(versioned, data, 0o644); err != nil {
		return fingerprint, fmt.Errorf("reter: write versioned snapshot %s: %w", versioned, err)
	}
	return fingerprint, nil
}

func nextSnapshotVersion(path string) int {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".v") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, base+".v")); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// resolveSnapshotPath returns the path to open: the plain path if it
// exists, otherwise the highest-numbered `path.vN` (spec §6).
func resolveSnapshotPath(path string) (string, bool) {
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	max, maxName := 0, ""
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".v") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, base+".v")); err == nil && n > max {
			max, maxName = n, name
		}
	}
	if maxName == "" {
		return "", false
	}
	return filepath.Join(dir, maxName), true
}

// reapOldSnapshotVersions deletes every `path.vN` with N less than the one
// just opened (spec §6 "deleting predecessors after successful open").
func reapOldSnapshotVersions(path, opened string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	openedN := 0
	if n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(opened), base+".v")); err == nil {
		openedN = n
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".v") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, base+".v")); err != nil || n >= openedN {
			continue
		}
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// readSnapshot decodes a base snapshot file into records plus its own
// fingerprint, validating the checksum trailer.
func readSnapshot(path string) ([]factRecord, [16]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, [16]byte{}, err
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) ([]factRecord, [16]byte, error) {
	var fp [16]byte
	if len(data) < len(snapshotMagic)+4+8+4 {
		return nil, fp, fmt.Errorf("%w: snapshot too short", ErrCorruptDeltaEntry)
	}
	if !bytes.Equal(data[:8], snapshotMagic[:]) {
		return nil, fp, fmt.Errorf("%w: bad snapshot magic", ErrCorruptDeltaEntry)
	}
	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32Checksum(body) != wantCRC {
		return nil, fp, fmt.Errorf("%w: snapshot checksum mismatch", ErrCorruptDeltaEntry)
	}
	fp = fingerprint16(body)

	r := bytes.NewReader(data[8:])
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fp, err
	}
	var compLen uint64
	if err := binary.Read(r, binary.LittleEndian, &compLen); err != nil {
		return nil, fp, err
	}
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fp, err
	}
	plain, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fp, fmt.Errorf("reter: decompress snapshot: %w", err)
	}
	records, err := decodeFactTable(plain)
	return records, fp, err
}

func encodeFactTable(net *Network) ([]byte, error) {
	var recs []factRecord
	net.Store.Iterate(func(f *Fact) bool {
		recs = append(recs, factRecord{
			origID:     f.ID,
			attrs:      f.Attrs(net.in),
			sources:    sourceList(f),
			inferred:   f.Inferred,
			inferredBy: f.InferredBy,
			support:    f.Support,
		})
		return true
	})

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(recs)))
	for _, r := range recs {
		writeFactRecord(&buf, r)
	}
	return buf.Bytes(), nil
}

func sourceList(f *Fact) []string {
	out := make([]string, 0, len(f.Sources))
	for s := range f.Sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func writeFactRecord(buf *bytes.Buffer, r factRecord) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(r.origID))

	keys := make([]string, 0, len(r.attrs))
	for k := range r.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(keys)))
	for _, k := range keys {
		writeString(buf, k)
		writeString(buf, r.attrs[k])
	}

	_ = binary.Write(buf, binary.LittleEndian, uint16(len(r.sources)))
	for _, s := range r.sources {
		writeString(buf, s)
	}

	if r.inferred {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeString(buf, r.inferredBy)

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(r.support)))
	for _, s := range r.support {
		_ = binary.Write(buf, binary.LittleEndian, uint64(s))
	}
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func decodeFactTable(data []byte) ([]factRecord, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	recs := make([]factRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := readFactRecord(r)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func readFactRecord(r *bytes.Reader) (factRecord, error) {
	var rec factRecord
	var origID uint64
	if err := binary.Read(r, binary.LittleEndian, &origID); err != nil {
		return rec, err
	}
	rec.origID = FactID(origID)

	var attrCount uint16
	if err := binary.Read(r, binary.LittleEndian, &attrCount); err != nil {
		return rec, err
	}
	rec.attrs = make(map[string]string, attrCount)
	for i := uint16(0); i < attrCount; i++ {
		k, err := readString(r)
		if err != nil {
			return rec, err
		}
		v, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.attrs[k] = v
	}

	var srcCount uint16
	if err := binary.Read(r, binary.LittleEndian, &srcCount); err != nil {
		return rec, err
	}
	for i := uint16(0); i < srcCount; i++ {
		s, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.sources = append(rec.sources, s)
	}

	inferredByte, err := r.ReadByte()
	if err != nil {
		return rec, err
	}
	rec.inferred = inferredByte == 1
	rec.inferredBy, err = readString(r)
	if err != nil {
		return rec, err
	}

	var supportCount uint32
	if err := binary.Read(r, binary.LittleEndian, &supportCount); err != nil {
		return rec, err
	}
	for i := uint32(0); i < supportCount; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return rec, err
		}
		rec.support = append(rec.support, FactID(id))
	}
	return rec, nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// fingerprint16 derives a 16-byte content fingerprint from two independent
// FNV variants, matching fact.go's existing use of hash/fnv rather than
// introducing a second hashing library for a format that only needs
// collision resistance within one operator's local files, not cryptographic
// strength (spec §6/§9 "base_fingerprint(16)").
func fingerprint16(data []byte) [16]byte {
	var out [16]byte
	h1 := fnv.New64a()
	h1.Write(data)
	copy(out[0:8], h1.Sum(nil))
	h2 := fnv.New64()
	h2.Write(data)
	copy(out[8:16], h2.Sum(nil))
	return out
}

func crc32Checksum(data []byte) uint32 {
	return crc32IEEE(data)
}

// replayInto rebuilds net's store and discrimination network from decoded
// snapshot records, remapping each record's origID-based support list to
// the freshly assigned FactIDs as it goes (records are always written in
// insertion order, so a support fact's new id is already known by the time
// a dependent inferred fact is replayed).
func replayInto(net *Network, recs []factRecord) error {
	remap := make(map[FactID]FactID, len(recs))
	for _, rec := range recs {
		id, added := net.Store.Add(rec.attrs)
		if added {
			f, _ := net.Store.Get(id)
			f.Inferred = rec.inferred
			f.InferredBy = rec.inferredBy
			for _, old := range rec.support {
				if newID, ok := remap[old]; ok {
					f.Support = append(f.Support, newID)
				}
			}
			for _, src := range rec.sources {
				net.Store.tagSource(id, src)
			}
			net.trackPredicateKind(rec.attrs)
			if err := net.propagateAssert(f); err != nil {
				return err
			}
			net.drainAgenda()
		}
		remap[rec.origID] = id
	}
	return nil
}
