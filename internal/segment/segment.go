// Package segment implements the on-disk segment file format: a 4096-byte
// header followed by a contiguous stream of length-prefixed records. The
// header's transaction block is the sole authoritative indicator of how
// many records are valid; records written past it are logically invisible
// until Commit advances it.
package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"chanbroker/internal/brokererr"
)

const (
	HeaderSize = 4096

	lenPrefixSize = 4
	txBlockOffset = 8
	txBlockSize   = 8
)

var (
	magic   = [4]byte{0x17, 0xFF, 0x23, 0x05}
	version = [4]byte{0x01, 0x00, 0x00, 0x00}
)

// Descriptor is the header-only summary of a segment, as produced by
// ReadHeader and consumed by recovery.
type Descriptor struct {
	OffsetBegin uint64
	OffsetHead  uint64
}

// Message is a single (offset, payload) pair returned by Read.
type Message struct {
	Offset uint64
	Data   []byte
}

// Handle is the in-memory representation of an open segment file: a
// descriptor, cached offset_head, a dirty flag, and the byte position the
// next record will be written at. Exclusively owned by its Channel.
type Handle struct {
	mu sync.RWMutex

	file *os.File
	path string

	offsetBegin uint64
	offsetHead  uint64 // includes uncommitted appends
	committed   uint64 // durable offset_head, visible to readers
	writePos    int64  // byte offset of the next record, relative to start of file
	dirty       bool
}

func segmentPath(channelPath string, offsetBegin uint64) string {
	return fmt.Sprintf("%s~%d", channelPath, offsetBegin)
}

// Create makes a brand-new, empty segment file at offsetBegin and
// fsyncs its header. Fails EIO if the file already exists or I/O fails.
func Create(channelPath string, offsetBegin uint64) (*Handle, error) {
	path := segmentPath(channelPath, offsetBegin)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.EIO, err, "create segment file")
	}

	header := make([]byte, HeaderSize)
	copy(header[0:4], magic[:])
	copy(header[4:8], version[:])
	binary.LittleEndian.PutUint64(header[txBlockOffset:txBlockOffset+txBlockSize], offsetBegin)

	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, brokererr.Wrap(brokererr.EIO, err, "write segment header")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, brokererr.Wrap(brokererr.EIO, err, "fsync new segment")
	}

	return &Handle{
		file:        f,
		path:        path,
		offsetBegin: offsetBegin,
		offsetHead:  offsetBegin,
		committed:   offsetBegin,
		writePos:    HeaderSize,
	}, nil
}

// Open opens an existing segment for append+read and replays its record
// stream up to the committed offset_head to recompute writePos, so that
// any torn records beyond it are silently overwritten on the next append.
func Open(channelPath string, desc Descriptor) (*Handle, error) {
	path := segmentPath(channelPath, desc.OffsetBegin)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.EIO, err, "open segment file")
	}

	if err := verifyHeader(f); err != nil {
		f.Close()
		return nil, err
	}

	writePos, err := scanToOffset(f, desc.OffsetHead-desc.OffsetBegin)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Handle{
		file:        f,
		path:        path,
		offsetBegin: desc.OffsetBegin,
		offsetHead:  desc.OffsetHead,
		committed:   desc.OffsetHead,
		writePos:    writePos,
	}, nil
}

// ReadHeader opens a segment read-only and returns just its descriptor.
// Used by recovery, which never needs a writable handle for the whole
// directory scan.
func ReadHeader(channelPath string, offsetBegin uint64) (Descriptor, error) {
	path := segmentPath(channelPath, offsetBegin)

	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, brokererr.Wrap(brokererr.EIO, err, "open segment for header read")
	}
	defer f.Close()

	if err := verifyHeader(f); err != nil {
		return Descriptor{}, err
	}

	head, err := readTxBlock(f)
	if err != nil {
		return Descriptor{}, err
	}

	return Descriptor{OffsetBegin: offsetBegin, OffsetHead: head}, nil
}

func verifyHeader(f *os.File) error {
	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return brokererr.Wrap(brokererr.ECORRUPT, err, "read segment header")
	}
	if [4]byte(buf[0:4]) != magic {
		return brokererr.New(brokererr.ECORRUPT, "segment %s: bad magic", f.Name())
	}
	if [4]byte(buf[4:8]) != version {
		return brokererr.New(brokererr.ECORRUPT, "segment %s: unsupported version", f.Name())
	}
	return nil
}

func readTxBlock(f *os.File) (uint64, error) {
	buf := make([]byte, txBlockSize)
	if _, err := f.ReadAt(buf, txBlockOffset); err != nil {
		return 0, brokererr.Wrap(brokererr.ECORRUPT, err, "read transaction block")
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// scanToOffset replays the record stream from the start of the data
// region, counting committedCount records, and returns the byte position
// right after the last of them.
func scanToOffset(f *os.File, committedCount uint64) (int64, error) {
	pos := int64(HeaderSize)
	lenBuf := make([]byte, lenPrefixSize)

	for i := uint64(0); i < committedCount; i++ {
		if _, err := f.ReadAt(lenBuf, pos); err != nil {
			return 0, brokererr.Wrap(brokererr.ECORRUPT, err, "segment shorter than committed offset_head")
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		pos += lenPrefixSize + int64(length)
	}

	return pos, nil
}

// Append writes length-prefixed bytes at the end of the record stream. It
// does not update the on-disk transaction block and does not fsync.
func (h *Handle) Append(message []byte) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, lenPrefixSize+len(message))
	binary.LittleEndian.PutUint32(buf[0:lenPrefixSize], uint32(len(message)))
	copy(buf[lenPrefixSize:], message)

	if _, err := h.file.WriteAt(buf, h.writePos); err != nil {
		return 0, brokererr.Wrap(brokererr.EIO, err, "append record")
	}

	offset := h.offsetHead
	h.writePos += int64(len(buf))
	h.offsetHead++
	h.dirty = true

	return offset, nil
}

// Commit is the two-phase durability barrier: fsync the record region,
// then overwrite and fsync the 8-byte transaction block.
func (h *Handle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return nil
	}

	if err := h.file.Sync(); err != nil {
		return brokererr.Wrap(brokererr.EIO, err, "fsync record region")
	}

	buf := make([]byte, txBlockSize)
	binary.LittleEndian.PutUint64(buf, h.offsetHead)
	if _, err := h.file.WriteAt(buf, txBlockOffset); err != nil {
		return brokererr.Wrap(brokererr.EIO, err, "write transaction block")
	}
	if err := h.file.Sync(); err != nil {
		return brokererr.Wrap(brokererr.EIO, err, "fsync transaction block")
	}

	h.committed = h.offsetHead
	h.dirty = false
	return nil
}

// Read scans the committed record region forward from its start,
// skipping records whose logical offset is below startOffset, and
// collects up to batchSize messages. Records past the committed
// offset_head are never read. A length prefix cut off by end of file ends
// the scan cleanly; any other failure to read a length prefix, or a record
// body that cannot be read in full, returns the messages collected so far
// together with an ECORRUPT error.
func (h *Handle) Read(startOffset uint64, batchSize int) ([]Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	committed := h.committed
	pos := int64(HeaderSize)
	logical := h.offsetBegin

	var out []Message
	lenBuf := make([]byte, lenPrefixSize)

	for logical < committed && len(out) < batchSize {
		if _, err := h.file.ReadAt(lenBuf, pos); err != nil {
			if err == io.EOF {
				break
			}
			return out, brokererr.Wrap(brokererr.ECORRUPT, err, "read record length")
		}
		length := binary.LittleEndian.Uint32(lenBuf)

		if logical >= startOffset {
			data := make([]byte, length)
			if _, err := h.file.ReadAt(data, pos+lenPrefixSize); err != nil {
				return out, brokererr.Wrap(brokererr.ECORRUPT, err, "read record body")
			}
			out = append(out, Message{Offset: logical, Data: data})
		}

		pos += lenPrefixSize + int64(length)
		logical++
	}

	return out, nil
}

// Size returns the segment's physical size: header plus every record
// written so far, committed or not.
func (h *Handle) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.writePos
}

func (h *Handle) OffsetBegin() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.offsetBegin
}

func (h *Handle) OffsetHead() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.offsetHead
}

func (h *Handle) CommittedOffsetHead() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.committed
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return brokererr.Wrap(brokererr.EIO, err, "close segment file")
	}
	return nil
}
