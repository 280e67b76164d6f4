// mmap.go provides the memory-mapped file journal.
//
// File Format:
// The journal is an append-only log:
//
//	Header (64 bytes):
//	  - Magic: "DTMQ" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Record count: uint32 (4 bytes)
//	  - Next write offset: uint64 (8 bytes)
//	  - Payload bytes: uint64 (8 bytes)
//	  - Reserved: 38 bytes
//
//	Records (variable):
//	  - Record type: uint8 (1 byte)
//	  - Transaction ID: int64 (8 bytes)
//	  - Record ID: int64 (8 bytes)
//	  - Payload length: uint32 (4 bytes)
//	  - Payload: variable
//
// Appends only touch the mapping; Sync msyncs it with MS_SYNC so that a
// storage completion fired after Sync means the record is on disk.

package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	mmapMagic          = "DTMQ"
	mmapVersion        = uint16(1)
	mmapHeaderSize     = 64
	recordHeaderSize   = 1 + 8 + 8 + 4
	DefaultInitialSize = 16 * 1024 * 1024
	mmapGrowthFactor   = 2
)

type mmapHeader struct {
	Magic        [4]byte
	Version      uint16
	RecordCount  uint32
	NextOffset   uint64
	PayloadBytes uint64
}

// MmapJournal implements Journal on a memory-mapped file.
type MmapJournal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	data   []byte
	size   uint64
	header *mmapHeader
	dirty  bool
	closed bool
}

// Open opens the journal file at path, creating it with initialSize bytes
// when it does not exist. An existing file is validated but not replayed;
// call Recover for that.
//
// Parameters:
//   - path: journal file path (parent directories are created)
//   - initialSize: initial file size for new journals, <= 0 uses DefaultInitialSize
func Open(path string, initialSize int64) (*MmapJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if initialSize <= mmapHeaderSize {
		initialSize = DefaultInitialSize
	}

	j := &MmapJournal{path: path}

	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = j.openExisting()
	} else {
		err = j.createNew(uint64(initialSize))
	}
	if err != nil {
		return nil, fmt.Errorf("init journal %s: %w", path, err)
	}
	return j, nil
}

// Path returns the journal file path.
func (j *MmapJournal) Path() string {
	return j.path
}

func (j *MmapJournal) createNew(size uint64) error {
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	j.file = f
	j.data = data
	j.size = size

	j.header = &mmapHeader{
		Version:    mmapVersion,
		NextOffset: mmapHeaderSize,
	}
	copy(j.header.Magic[:], mmapMagic)
	j.writeHeader()

	return unix.Msync(j.data[:mmapHeaderSize], unix.MS_SYNC)
}

func (j *MmapJournal) openExisting() error {
	f, err := os.OpenFile(j.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	size := uint64(info.Size())
	if size < mmapHeaderSize {
		_ = f.Close()
		return ErrCorrupted
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	j.file = f
	j.data = data
	j.size = size

	header := &mmapHeader{}
	copy(header.Magic[:], data[0:4])
	header.Version = binary.LittleEndian.Uint16(data[4:6])
	header.RecordCount = binary.LittleEndian.Uint32(data[6:10])
	header.NextOffset = binary.LittleEndian.Uint64(data[10:18])
	header.PayloadBytes = binary.LittleEndian.Uint64(data[18:26])

	if string(header.Magic[:]) != mmapMagic {
		_ = j.closeLocked()
		return ErrCorrupted
	}
	if header.Version != mmapVersion {
		_ = j.closeLocked()
		return ErrVersionMismatch
	}
	if header.NextOffset < mmapHeaderSize || header.NextOffset > size {
		_ = j.closeLocked()
		return ErrCorrupted
	}

	j.header = header
	return nil
}

// Append appends rec to the journal.
func (j *MmapJournal) Append(rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	needed := uint64(recordHeaderSize + len(rec.Payload))
	if err := j.ensureSpace(needed); err != nil {
		return err
	}

	offset := j.header.NextOffset

	j.data[offset] = uint8(rec.Type)
	offset++
	binary.LittleEndian.PutUint64(j.data[offset:], uint64(rec.TxID))
	offset += 8
	binary.LittleEndian.PutUint64(j.data[offset:], uint64(rec.ID))
	offset += 8
	binary.LittleEndian.PutUint32(j.data[offset:], uint32(len(rec.Payload)))
	offset += 4
	copy(j.data[offset:], rec.Payload)
	offset += uint64(len(rec.Payload))

	// The header is written last so a torn append is invisible on recovery.
	j.header.NextOffset = offset
	j.header.RecordCount++
	j.header.PayloadBytes += uint64(len(rec.Payload))
	j.writeHeader()

	j.dirty = true
	return nil
}

// Sync flushes the mapping to disk.
func (j *MmapJournal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if !j.dirty {
		return nil
	}

	if err := unix.Msync(j.data[:j.header.NextOffset], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	j.dirty = false
	return nil
}

// Recover replays the journal from the start.
func (j *MmapJournal) Recover() (*RecoveryResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	r := newReplayer()
	offset := uint64(mmapHeaderSize)
	end := j.header.NextOffset

	for offset < end {
		rec, next, err := j.readRecord(offset, end)
		if err != nil {
			return nil, err
		}
		r.apply(rec)
		offset = next
	}

	return r.result(), nil
}

func (j *MmapJournal) readRecord(offset, end uint64) (Record, uint64, error) {
	if offset+recordHeaderSize > end {
		return Record{}, 0, ErrCorrupted
	}

	rec := Record{Type: RecordType(j.data[offset])}
	if rec.Type < RecordAdd || rec.Type > RecordRollback {
		return Record{}, 0, fmt.Errorf("%w: unknown record type %d at offset %d", ErrCorrupted, rec.Type, offset)
	}
	offset++
	rec.TxID = int64(binary.LittleEndian.Uint64(j.data[offset:]))
	offset += 8
	rec.ID = int64(binary.LittleEndian.Uint64(j.data[offset:]))
	offset += 8
	n := uint64(binary.LittleEndian.Uint32(j.data[offset:]))
	offset += 4

	if offset+n > end {
		return Record{}, 0, ErrCorrupted
	}
	if n > 0 {
		rec.Payload = make([]byte, n)
		copy(rec.Payload, j.data[offset:offset+n])
	}
	return rec, offset + n, nil
}

// Stats returns the number of records and the bytes used by the log.
func (j *MmapJournal) Stats() (records uint32, used uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.header == nil {
		return 0, 0
	}
	return j.header.RecordCount, j.header.NextOffset
}

// Close syncs and unmaps the journal.
func (j *MmapJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.closeLocked()
}

func (j *MmapJournal) closeLocked() error {
	if j.closed {
		return nil
	}
	j.closed = true

	if j.data != nil {
		_ = unix.Msync(j.data, unix.MS_SYNC)

		if err := unix.Munmap(j.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		j.data = nil
	}

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		j.file = nil
	}
	return nil
}

// IsEnabled returns true.
func (j *MmapJournal) IsEnabled() bool {
	return true
}

func (j *MmapJournal) writeHeader() {
	copy(j.data[0:4], j.header.Magic[:])
	binary.LittleEndian.PutUint16(j.data[4:6], j.header.Version)
	binary.LittleEndian.PutUint32(j.data[6:10], j.header.RecordCount)
	binary.LittleEndian.PutUint64(j.data[10:18], j.header.NextOffset)
	binary.LittleEndian.PutUint64(j.data[18:26], j.header.PayloadBytes)
}

// ensureSpace grows the file (and the mapping) until needed bytes fit.
func (j *MmapJournal) ensureSpace(needed uint64) error {
	if j.header.NextOffset+needed <= j.size {
		return nil
	}

	newSize := j.size * mmapGrowthFactor
	for j.header.NextOffset+needed > newSize {
		newSize *= mmapGrowthFactor
	}

	if err := unix.Msync(j.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	if err := unix.Munmap(j.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	j.data = nil

	// Without a mapping the journal is unusable; fail closed.
	if err := j.file.Truncate(int64(newSize)); err != nil {
		j.closed = true
		return fmt.Errorf("truncate: %w", err)
	}

	data, err := unix.Mmap(int(j.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		j.closed = true
		return fmt.Errorf("mmap: %w", err)
	}

	j.data = data
	j.size = newSize
	return nil
}

var _ Journal = (*MmapJournal)(nil)
