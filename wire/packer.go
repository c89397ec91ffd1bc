// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/revskill10/ream-sub002/errs"
)

// Packer accumulates bytes for an envelope payload. Every integer field is
// little-endian per spec §6; only the outer frame length is big-endian.
// Modeled on the teacher's utils/wrappers.Packer: once Err is set, every
// further Pack call is a no-op so callers can chain without checking every
// step.
type Packer struct {
	Bytes []byte
	Err   error
}

// NewPacker returns a Packer with capacity pre-reserved.
func NewPacker(sizeHint int) *Packer {
	return &Packer{Bytes: make([]byte, 0, sizeHint)}
}

func (p *Packer) PackByte(b byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b)
}

func (p *Packer) PackBool(b bool) {
	if b {
		p.PackByte(1)
	} else {
		p.PackByte(0)
	}
}

func (p *Packer) PackFixedBytes(b []byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b...)
}

func (p *Packer) PackUint32(v uint32) {
	if p.Err != nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	p.Bytes = append(p.Bytes, buf[:]...)
}

func (p *Packer) PackUint64(v uint64) {
	if p.Err != nil {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	p.Bytes = append(p.Bytes, buf[:]...)
}

// PackVarint packs v as LEB128, used for counts and byte/string lengths.
func (p *Packer) PackVarint(v uint64) {
	if p.Err != nil {
		return
	}
	for v >= 0x80 {
		p.Bytes = append(p.Bytes, byte(v)|0x80)
		v >>= 7
	}
	p.Bytes = append(p.Bytes, byte(v))
}

func (p *Packer) PackBytes(b []byte) {
	if p.Err != nil {
		return
	}
	p.PackVarint(uint64(len(b)))
	p.PackFixedBytes(b)
}

func (p *Packer) PackString(s string) {
	p.PackBytes([]byte(s))
}

// Unpacker reads sequentially from a byte slice, recording the first
// error and making every subsequent Unpack call a no-op.
type Unpacker struct {
	Bytes  []byte
	Offset int
	Err    error
}

func NewUnpacker(b []byte) *Unpacker {
	return &Unpacker{Bytes: b}
}

func (u *Unpacker) fail(reason string) {
	if u.Err == nil {
		u.Err = errs.New(errs.InvalidMessage, reason)
	}
}

func (u *Unpacker) require(n int) bool {
	if u.Err != nil {
		return false
	}
	if u.Offset+n > len(u.Bytes) {
		u.fail(fmt.Sprintf("unexpected end of payload: need %d bytes, have %d", n, len(u.Bytes)-u.Offset))
		return false
	}
	return true
}

func (u *Unpacker) UnpackByte() byte {
	if !u.require(1) {
		return 0
	}
	b := u.Bytes[u.Offset]
	u.Offset++
	return b
}

func (u *Unpacker) UnpackBool() bool {
	return u.UnpackByte() != 0
}

func (u *Unpacker) UnpackFixedBytes(n int) []byte {
	if !u.require(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, u.Bytes[u.Offset:u.Offset+n])
	u.Offset += n
	return b
}

func (u *Unpacker) UnpackUint32() uint32 {
	if !u.require(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(u.Bytes[u.Offset : u.Offset+4])
	u.Offset += 4
	return v
}

func (u *Unpacker) UnpackUint64() uint64 {
	if !u.require(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(u.Bytes[u.Offset : u.Offset+8])
	u.Offset += 8
	return v
}

func (u *Unpacker) UnpackVarint() uint64 {
	if u.Err != nil {
		return 0
	}
	var result uint64
	var shift uint
	for {
		if !u.require(1) {
			return 0
		}
		b := u.Bytes[u.Offset]
		u.Offset++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			u.fail("varint too long")
			return 0
		}
	}
	return result
}

func (u *Unpacker) UnpackBytes() []byte {
	n := u.UnpackVarint()
	if u.Err != nil {
		return nil
	}
	return u.UnpackFixedBytes(int(n))
}

func (u *Unpacker) UnpackString() string {
	return string(u.UnpackBytes())
}

// Remaining reports how many payload bytes are still unread; zero means
// decoding consumed the entire payload. A decoder should reject any
// envelope that leaves trailing garbage.
func (u *Unpacker) Remaining() int {
	return len(u.Bytes) - u.Offset
}
