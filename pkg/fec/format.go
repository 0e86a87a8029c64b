package fec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	formatVersion = 1
	frameLen      = 8
	maxMetaLen    = 4 << 10
	checksumLen   = 32
)

var magic = [4]byte{'S', 'F', 'E', 'C'}

// header leads every chunk file.
type header struct {
	Version     int         `cbor:"1,keyasint"`
	K           int         `cbor:"2,keyasint"`
	N           int         `cbor:"3,keyasint"`
	Share       int         `cbor:"4,keyasint"`
	Block       int         `cbor:"5,keyasint"`
	Compression Compression `cbor:"6,keyasint"`
}

// trailer closes every chunk file; its fields are only known once the whole
// input has been consumed.
type trailer struct {
	Payload  int64  `cbor:"1,keyasint"`
	Size     int64  `cbor:"2,keyasint"`
	Checksum []byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16}.DecMode()
	if err != nil {
		panic("fec: CBOR decoder initialization failed: " + err.Error())
	}
}

func writeHeader(w io.Writer, h header) error {
	body, err := encMode.Marshal(h)
	if err != nil {
		return err
	}
	var frame [frameLen]byte
	copy(frame[:4], magic[:])
	binary.BigEndian.PutUint32(frame[4:], uint32(len(body)))
	if _, err := w.Write(frame[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func writeTrailer(w io.Writer, t trailer) error {
	body, err := encMode.Marshal(t)
	if err != nil {
		return err
	}
	var frame [frameLen]byte
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], magic[:])
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err = w.Write(frame[:])
	return err
}

// share is a parsed chunk positioned for reading its data blocks.
type share struct {
	chunk     Chunk
	header    header
	trailer   trailer
	dataStart int64
	dataLen   int64
}

func (s *share) stripes() int64 {
	per := int64(s.header.K) * int64(s.header.Block)
	return (s.trailer.Payload + per - 1) / per
}

// compatible reports whether two shares were cut from the same encode.
func (s *share) compatible(o *share) bool {
	return s.header.K == o.header.K &&
		s.header.N == o.header.N &&
		s.header.Block == o.header.Block &&
		s.header.Compression == o.header.Compression &&
		s.trailer.Payload == o.trailer.Payload &&
		s.trailer.Size == o.trailer.Size &&
		bytes.Equal(s.trailer.Checksum, o.trailer.Checksum)
}

func readShare(c Chunk) (*share, error) {
	size, err := c.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size < 2*frameLen {
		return nil, fmt.Errorf("truncated chunk (%d bytes)", size)
	}
	if _, err := c.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var frame [frameLen]byte
	if _, err := io.ReadFull(c, frame[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(frame[:4], magic[:]) {
		return nil, fmt.Errorf("bad header magic")
	}
	hlen := int64(binary.BigEndian.Uint32(frame[4:]))
	if hlen == 0 || hlen > maxMetaLen || frameLen+hlen > size-frameLen {
		return nil, fmt.Errorf("bad header length %d", hlen)
	}
	body := make([]byte, hlen)
	if _, err := io.ReadFull(c, body); err != nil {
		return nil, err
	}
	s := &share{chunk: c, dataStart: frameLen + hlen}
	if err := decMode.Unmarshal(body, &s.header); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	if _, err := c.Seek(size-frameLen, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c, frame[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(frame[4:], magic[:]) {
		return nil, fmt.Errorf("bad trailer magic")
	}
	tlen := int64(binary.BigEndian.Uint32(frame[:4]))
	dataEnd := size - frameLen - tlen
	if tlen == 0 || tlen > maxMetaLen || dataEnd < s.dataStart {
		return nil, fmt.Errorf("bad trailer length %d", tlen)
	}
	if _, err := c.Seek(dataEnd, io.SeekStart); err != nil {
		return nil, err
	}
	body = make([]byte, tlen)
	if _, err := io.ReadFull(c, body); err != nil {
		return nil, err
	}
	if err := decMode.Unmarshal(body, &s.trailer); err != nil {
		return nil, fmt.Errorf("trailer: %w", err)
	}
	s.dataLen = dataEnd - s.dataStart
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *share) validate() error {
	h, t := s.header, s.trailer
	switch {
	case h.Version != formatVersion:
		return fmt.Errorf("unsupported version %d", h.Version)
	case h.K < 1 || h.K > h.N || h.N > MaxShares:
		return fmt.Errorf("bad share set %d-of-%d", h.K, h.N)
	case h.Share < 0 || h.Share >= h.N:
		return fmt.Errorf("share %d out of range", h.Share)
	case h.Block <= 0:
		return fmt.Errorf("bad block size %d", h.Block)
	case !h.Compression.valid():
		return fmt.Errorf("unknown compression %d", h.Compression)
	case t.Payload < 0 || t.Size < 0 || len(t.Checksum) != checksumLen:
		return fmt.Errorf("bad trailer")
	case s.dataLen != s.stripes()*int64(h.Block):
		return fmt.Errorf("data length %d does not match %d stripes", s.dataLen, s.stripes())
	}
	return nil
}
