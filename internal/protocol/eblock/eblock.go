// Package eblock implements the extended block (MODE E) data channel framing
// used by parallel GridFTP transfers.
//
// Wire format, all integers big-endian:
//
//	+------------+--------------+-------------+-------------+------------+
//	| descriptor | stripe index |   offset    |   length    |  payload   |
//	|  1 byte    |   2 bytes    |   8 bytes   |   4 bytes   | length B   |
//	+------------+--------------+-------------+-------------+------------+
//
// Blocks may arrive on any data connection in any order; the offset places
// the payload in the file. Every connection is terminated by one block
// carrying DescEOD. Exactly one connection also sends a DescEOF block whose
// offset field carries the total number of EODs the receiver should expect.
package eblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// HeaderSize is the size of an encoded block header.
const HeaderSize = 15

// MaxBlockSize bounds the payload length accepted from the wire.
const MaxBlockSize = 64 << 20

// Descriptor is the flag byte of a block header.
type Descriptor uint8

const (
	DescEOR     Descriptor = 0x80 // end of record
	DescEOF     Descriptor = 0x40 // offset carries the expected EOD count
	DescSuspect Descriptor = 0x20 // data may contain errors
	DescRestart Descriptor = 0x10 // payload is a restart marker
	DescEOD     Descriptor = 0x08 // last block on this connection
	DescClose   Descriptor = 0x04 // sender will close the connection
)

var (
	ErrShortHeader = errors.New("eblock: short header")
	ErrBlockTooBig = errors.New("eblock: block exceeds maximum size")
	ErrEOFWithData = errors.New("eblock: EOF block carries payload")
	ErrBadEODCount = errors.New("eblock: invalid EOD count")
	ErrBadOffset   = errors.New("eblock: block offset out of range")
)

func (d Descriptor) Has(f Descriptor) bool { return d&f != 0 }

func (d Descriptor) String() string {
	if d == 0 {
		return "DATA"
	}
	var parts []string
	for _, f := range []struct {
		bit  Descriptor
		name string
	}{
		{DescEOR, "EOR"}, {DescEOF, "EOF"}, {DescSuspect, "SUSPECT"},
		{DescRestart, "RESTART"}, {DescEOD, "EOD"}, {DescClose, "CLOSE"},
	} {
		if d.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if rest := d &^ (DescEOR | DescEOF | DescSuspect | DescRestart | DescEOD | DescClose); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Header is a decoded block header.
type Header struct {
	Desc   Descriptor
	Stripe uint16
	Offset uint64
	Length uint32
}

// EODCount returns the EOD count of an EOF block.
func (h Header) EODCount() (int, error) {
	if !h.Desc.Has(DescEOF) {
		return 0, fmt.Errorf("eblock: %s block has no EOD count", h.Desc)
	}
	if h.Offset == 0 || h.Offset > 1<<16 {
		return 0, fmt.Errorf("%w: %d", ErrBadEODCount, h.Offset)
	}
	return int(h.Offset), nil
}

// Encode writes h into b, which must be at least HeaderSize long.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Desc)
	binary.BigEndian.PutUint16(b[1:3], h.Stripe)
	binary.BigEndian.PutUint64(b[3:11], h.Offset)
	binary.BigEndian.PutUint32(b[11:15], h.Length)
}

// DecodeHeader parses a header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Desc:   Descriptor(b[0]),
		Stripe: binary.BigEndian.Uint16(b[1:3]),
		Offset: binary.BigEndian.Uint64(b[3:11]),
		Length: binary.BigEndian.Uint32(b[11:15]),
	}
	if h.Length > MaxBlockSize {
		return Header{}, fmt.Errorf("%w: %d", ErrBlockTooBig, h.Length)
	}
	if h.Desc.Has(DescEOF) {
		if h.Length != 0 {
			return Header{}, ErrEOFWithData
		}
		return h, nil
	}
	// The payload must end at or below MaxInt64 so file offsets stay positive.
	if h.Offset > math.MaxInt64-uint64(h.Length) {
		return Header{}, fmt.Errorf("%w: %d+%d", ErrBadOffset, h.Offset, h.Length)
	}
	return h, nil
}

// Reader reads blocks from one data connection.
//
// Next returns the following header; the payload is then consumed with
// Read until it returns io.EOF. Next discards any unread payload.
type Reader struct {
	r      io.Reader
	hdr    [HeaderSize]byte
	remain uint32
	off    uint64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads the next block header.
func (r *Reader) Next() (Header, error) {
	if r.remain > 0 {
		if _, err := io.CopyN(io.Discard, r.r, int64(r.remain)); err != nil {
			return Header{}, err
		}
		r.remain = 0
	}

	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	h, err := DecodeHeader(r.hdr[:])
	if err != nil {
		return Header{}, err
	}
	r.remain = h.Length
	r.off = h.Offset
	return h, nil
}

// Read reads payload bytes of the current block.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remain == 0 {
		return 0, io.EOF
	}
	if uint32(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.r.Read(p)
	r.remain -= uint32(n)
	r.off += uint64(n)
	if err == io.EOF && r.remain > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Offset returns the file offset of the next unread payload byte.
func (r *Reader) Offset() int64 { return int64(r.off) }

// Remaining returns the unread payload length of the current block.
func (r *Reader) Remaining() int { return int(r.remain) }

// Writer frames blocks onto one data connection.
type Writer struct {
	w      io.Writer
	stripe uint16
	hdr    [HeaderSize]byte
	eod    bool
}

// NewWriter returns a Writer tagging blocks with the given stripe index.
func NewWriter(w io.Writer, stripe int) *Writer {
	return &Writer{w: w, stripe: uint16(stripe)}
}

func (w *Writer) writeHeader(h Header) error {
	h.Stripe = w.stripe
	h.Encode(w.hdr[:])
	_, err := w.w.Write(w.hdr[:])
	return err
}

// WriteBlock sends p as a data block at offset.
func (w *Writer) WriteBlock(offset int64, p []byte) error {
	if w.eod {
		return errors.New("eblock: write after EOD")
	}
	if len(p) > MaxBlockSize {
		return fmt.Errorf("%w: %d", ErrBlockTooBig, len(p))
	}
	if offset < 0 || offset > math.MaxInt64-int64(len(p)) {
		return fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}
	if err := w.writeHeader(Header{Offset: uint64(offset), Length: uint32(len(p))}); err != nil {
		return err
	}
	_, err := w.w.Write(p)
	return err
}

// WriteEOF announces how many EODs the receiver will see in total.
func (w *Writer) WriteEOF(eodCount int) error {
	if eodCount < 1 {
		return fmt.Errorf("%w: %d", ErrBadEODCount, eodCount)
	}
	return w.writeHeader(Header{Desc: DescEOF, Offset: uint64(eodCount)})
}

// WriteEOD terminates this connection's block stream.
func (w *Writer) WriteEOD() error {
	if w.eod {
		return nil
	}
	w.eod = true
	return w.writeHeader(Header{Desc: DescEOD | DescClose})
}
