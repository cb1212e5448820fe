// Package wal implements the write-ahead log described in spec.md §4.5-4.6:
// a page-framed segment format ("wlog") with split-record chunking, and a
// manager on top that owns segment rotation, version assignment, checkpoint
// retirement and replay iteration.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"iter"

	"github.com/ddnus/mineral/fileh"
)

// PageSize is the fixed page size every segment is framed in.
const PageSize = 32768

const chunkHeaderSize = 7 // crc32(4) + dlen(2) + stype(1)

// ChunkType distinguishes whole vs. split WAL records.
type ChunkType uint8

const (
	ChunkFirst  ChunkType = 1
	ChunkMiddle ChunkType = 2
	ChunkLast   ChunkType = 3
	ChunkFull   ChunkType = 4
)

// ErrInvalidWalData reports a CRC mismatch encountered while iterating a
// segment's records. It is non-fatal: the rest of the affected page is
// skipped and iteration resumes at the next page.
var ErrInvalidWalData = fmt.Errorf("wal: invalid wal data (crc mismatch)")

// Segment is one page-framed WAL file, named by the version the manager
// assigned when it was opened (VersionStart).
type Segment struct {
	fh           fileh.FileHandle
	VersionStart uint64
	size         int64
}

// OpenSegment wraps fh as a segment starting at versionStart, caching its
// current size.
func OpenSegment(fh fileh.FileHandle, versionStart uint64) (*Segment, error) {
	size, err := fh.Size()
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	return &Segment{fh: fh, VersionStart: versionStart, size: size}, nil
}

// Size returns the segment's current byte length.
func (s *Segment) Size() int64 { return s.size }

func encodeChunk(stype ChunkType, data []byte) []byte {
	buf := make([]byte, chunkHeaderSize+len(data))
	crc := crc32.ChecksumIEEE(append([]byte{byte(stype)}, data...))
	binary.BigEndian.PutUint32(buf[0:4], crc)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(data)))
	buf[6] = byte(stype)
	copy(buf[chunkHeaderSize:], data)
	return buf
}

// Append writes bytes as one or more page-bounded chunks, splitting across
// page boundaries per spec.md §4.5. All chunks, plus any padding needed to
// skip a page tail too short for a chunk header, go to the file in one
// append.
func (s *Segment) Append(data []byte) error {
	var out []byte

	remaining := data
	pos := s.size
	first := true

	for {
		pageLeft := int64(PageSize) - (pos % PageSize)
		if pageLeft < chunkHeaderSize+1 {
			out = append(out, make([]byte, pageLeft)...)
			pos += pageLeft
			continue
		}

		dataCap := pageLeft - chunkHeaderSize

		if dataCap >= int64(len(remaining)) {
			stype := ChunkFull
			if !first {
				stype = ChunkLast
			}
			chunk := encodeChunk(stype, remaining)
			out = append(out, chunk...)
			pos += int64(len(chunk))
			break
		}

		stype := ChunkFirst
		if !first {
			stype = ChunkMiddle
		}
		chunkData := remaining[:dataCap]
		chunk := encodeChunk(stype, chunkData)
		out = append(out, chunk...)
		pos += int64(len(chunk))
		remaining = remaining[dataCap:]
		first = false
	}

	if _, err := s.fh.Append(out); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	s.size = pos
	return nil
}

// LatestVersion reads the trailing 8 bytes of the segment, interpreting them
// as a big-endian version, the convention the manager uses since every
// payload it writes ends with its own assigned version.
func (s *Segment) LatestVersion() (uint64, error) {
	if s.size < 8 {
		return 0, nil
	}
	buf := make([]byte, 8)
	n, err := s.fh.ReadFromEnd(-8, buf)
	if err != nil {
		return 0, fmt.Errorf("wal: latest version: %w", err)
	}
	if n < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(buf), nil
}

// Records iterates the assembled record payloads in this segment. A CRC
// mismatch on a page stops parsing of that page only; iteration resumes at
// the start of the next page.
func (s *Segment) Records() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		page := make([]byte, PageSize)

		// assembled outlives a single page: a FIRST chunk at the end of one
		// page is continued by MIDDLE/LAST chunks on the pages after it.
		var assembled []byte

		for pageStart := int64(0); pageStart < s.size; pageStart += PageSize {
			n, err := s.fh.Read(pageStart, page)
			if err != nil {
				yield(nil, fmt.Errorf("wal: read page at %d: %w", pageStart, err))
				return
			}

			offset := 0

			for offset+chunkHeaderSize <= n {
				dlen := int(binary.BigEndian.Uint16(page[offset+4 : offset+6]))
				if offset+chunkHeaderSize+dlen > n {
					break // dlen exceeds remaining page bytes: stop this page
				}

				wantCRC := binary.BigEndian.Uint32(page[offset : offset+4])
				stype := ChunkType(page[offset+6])
				payload := page[offset+chunkHeaderSize : offset+chunkHeaderSize+dlen]

				gotCRC := crc32.ChecksumIEEE(append([]byte{byte(stype)}, payload...))
				if gotCRC != wantCRC {
					break // crc mismatch: stop this page, resume at next
				}

				switch stype {
				case ChunkFull:
					rec := make([]byte, dlen)
					copy(rec, payload)
					if !yield(rec, nil) {
						return
					}
					assembled = nil
				case ChunkFirst:
					assembled = append([]byte(nil), payload...)
				case ChunkMiddle:
					assembled = append(assembled, payload...)
				case ChunkLast:
					assembled = append(assembled, payload...)
					if !yield(assembled, nil) {
						return
					}
					assembled = nil
				default:
					break
				}

				offset += chunkHeaderSize + dlen
			}
		}
	}
}

// Checked renames the segment file to its sealed form, e.g.
// @wal-100 -> @checked-wal-100.
func (s *Segment) Checked(newPath string) error {
	if err := s.fh.Rename(newPath); err != nil {
		return fmt.Errorf("wal: checked: %w", err)
	}
	return nil
}

// Delete removes the segment file.
func (s *Segment) Delete() error {
	if err := s.fh.Remove(); err != nil {
		return fmt.Errorf("wal: delete: %w", err)
	}
	return nil
}
