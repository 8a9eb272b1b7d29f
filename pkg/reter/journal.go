package reter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Delta journal format (spec §6, §9): an append-only log of mutations
// applied since the last base snapshot, replayed in order on load. Framing
// is exactly the byte layout spec.md prescribes so the format is portable
// across implementations, not merely self-consistent.
var journalMagic = [8]byte{'R', 'E', 'T', 'R', 'D', 'L', 'T', '1'}

const journalVersion uint32 = 1

type deltaOp byte

const (
	opAddFact deltaOp = iota + 1
	opAddSourceBatch
	opRemoveSource
	opRemoveFact
)

// journalWriter appends framed entries to an open delta file, fsyncing
// after every entry (spec §6 "durability: fsync after every journal
// append") so a crash loses at most the entry currently being written.
type journalWriter struct {
	f *os.File
}

func createJournal(path string, baseFingerprint [16]byte) (*journalWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reter: create journal: %w", err)
	}
	var hdr bytes.Buffer
	hdr.Write(journalMagic[:])
	_ = binary.Write(&hdr, binary.LittleEndian, journalVersion)
	hdr.Write(baseFingerprint[:])
	_ = binary.Write(&hdr, binary.LittleEndian, uint32(0)) // padding
	if _, err := f.Write(hdr.Bytes()); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &journalWriter{f: f}, nil
}

// openJournalForAppend opens an existing journal file positioned at EOF for
// further appends, used when a Handle reopens an existing delta.
func openJournalForAppend(path string) (*journalWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &journalWriter{f: f}, nil
}

func (w *journalWriter) append(op deltaOp, payload []byte) error {
	// length counts op(1) + payload + crc32(4), per spec's framing.
	length := uint32(1 + len(payload) + 4)
	body := make([]byte, 0, 4+length)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], length)
	body = append(body, lenBuf[:]...)
	body = append(body, byte(op))
	body = append(body, payload...)

	sum := crc32.ChecksumIEEE(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	body = append(body, crcBuf[:]...)

	if _, err := w.f.Write(body); err != nil {
		return fmt.Errorf("reter: append journal entry: %w", err)
	}
	return w.f.Sync()
}

func (w *journalWriter) size() (int64, error) {
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *journalWriter) close() error { return w.f.Close() }

// deltaEntry is one decoded journal record.
type deltaEntry struct {
	op      deltaOp
	payload []byte
}

// readJournal decodes a delta journal's header and every entry, skipping
// (not failing on) any entry whose CRC does not match — except the legacy
// crc32==0 escape hatch, accepted as a deliberately unchecked entry (spec
// §6 "corrupt entries are skipped with a logged warning, not fatal") — and
// tolerating a truncated final entry (a crash mid-append) by stopping
// cleanly at the first short read.
func readJournal(path string) (fingerprint [16]byte, entries []deltaEntry, warnings []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return fingerprint, nil, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr [32]byte // magic(8) | version(4) | base_fingerprint(16) | padding(4)
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fingerprint, nil, nil, fmt.Errorf("reter: journal header: %w", err)
	}
	if !bytes.Equal(hdr[:8], journalMagic[:]) {
		return fingerprint, nil, nil, fmt.Errorf("%w: bad journal magic", ErrCorruptDeltaEntry)
	}
	copy(fingerprint[:], hdr[12:28])

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			// truncated length prefix: treat as a clean end-of-log, the
			// last append did not complete (spec §6 "truncated final
			// entry is tolerated").
			break
		}
		length := binary.LittleEndian.Uint32(lenBuf[:])
		if length < 5 {
			warnings = append(warnings, "journal entry with impossible length, stopping replay")
			break
		}
		rest := make([]byte, length)
		if _, err := io.ReadFull(r, rest); err != nil {
			warnings = append(warnings, "truncated final journal entry, stopping replay")
			break
		}

		op := deltaOp(rest[0])
		payload := rest[1 : length-4]
		gotCRC := binary.LittleEndian.Uint32(rest[length-4:])

		frame := append(append([]byte{}, lenBuf[:]...), rest[:length-4]...)
		wantCRC := crc32.ChecksumIEEE(frame)
		if gotCRC != 0 && gotCRC != wantCRC {
			warnings = append(warnings, fmt.Sprintf("skipped corrupt journal entry (op=%d): crc mismatch", op))
			continue
		}
		entries = append(entries, deltaEntry{op: op, payload: payload})
	}
	return fingerprint, entries, warnings, nil
}

// encodeAddFact / decodeAddFact frame one asserted fact as a journal
// payload, reusing the same record shape as the base snapshot so replay
// logic (fact-ID remap included) is shared between the two.
func encodeAddFact(rec factRecord) []byte {
	var buf bytes.Buffer
	writeFactRecord(&buf, rec)
	return buf.Bytes()
}

func decodeAddFact(payload []byte) (factRecord, error) {
	return readFactRecord(bytes.NewReader(payload))
}

// encodeAddSourceBatch frames a batch of facts sharing one source id
// (spec's ADD_SOURCE_BATCH op, for bulk ingestion provenance).
func encodeAddSourceBatch(sourceID string, recs []factRecord) []byte {
	var buf bytes.Buffer
	writeString(&buf, sourceID)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(recs)))
	for _, r := range recs {
		writeFactRecord(&buf, r)
	}
	return buf.Bytes()
}

func decodeAddSourceBatch(payload []byte) (string, []factRecord, error) {
	r := bytes.NewReader(payload)
	sourceID, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", nil, err
	}
	recs := make([]factRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		rec, err := readFactRecord(r)
		if err != nil {
			return "", nil, err
		}
		recs = append(recs, rec)
	}
	return sourceID, recs, nil
}

// encodeRemoveSource / encodeRemoveFact frame retraction ops by the
// original (pre-persistence) fact id or source id; replay remaps fact ids
// through the same table built while replaying ADD_FACT entries.
func encodeRemoveSource(sourceID string) []byte {
	var buf bytes.Buffer
	writeString(&buf, sourceID)
	return buf.Bytes()
}

func decodeRemoveSource(payload []byte) (string, error) {
	return readString(bytes.NewReader(payload))
}

func encodeRemoveFact(id FactID) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func decodeRemoveFact(payload []byte) (FactID, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: bad REMOVE_FACT payload", ErrCorruptDeltaEntry)
	}
	return FactID(binary.LittleEndian.Uint64(payload)), nil
}

func crc32IEEE(data []byte) uint32 { return crc32.ChecksumIEEE(data) }
