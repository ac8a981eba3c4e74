// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package bitstream

import "fmt"

// Cursor reads primitives from a little-endian bitstream, least
// significant bit first within each byte, matching the layout the
// Writer produces.
type Cursor struct {
	data   []byte
	bitPos int // absolute bit position from the start of data
}

// NewCursor creates a Cursor over data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// BitPos returns the current absolute bit position.
func (c *Cursor) BitPos() int { return c.bitPos }

// AtEnd reports whether every bit has been consumed.
func (c *Cursor) AtEnd() bool { return c.bitPos >= len(c.data)*8 }

// bit returns the value of absolute bit position p.
func (c *Cursor) bit(p int) (uint64, error) {
	i := p >> 3
	if i < 0 || i >= len(c.data) {
		return 0, fmt.Errorf("bitstream: read past end of stream at bit %d", p)
	}
	return uint64(c.data[i]>>uint(p&7)) & 1, nil
}

// ReadFixed reads a fixed-width unsigned field of width bits,
// 0 <= width <= 64.
func (c *Cursor) ReadFixed(width int) (uint64, error) {
	if width == 0 {
		return 0, nil
	}
	var v uint64
	for i := 0; i < width; i++ {
		b, err := c.bit(c.bitPos + i)
		if err != nil {
			return 0, err
		}
		v |= b << uint(i)
	}
	c.bitPos += width
	return v, nil
}

// ReadVBR reads a variable-bit-rate field with chunk width width
// (width >= 2): each chunk carries width-1 payload bits low-to-high,
// and a high continuation bit that, when set, means another chunk
// follows.
func (c *Cursor) ReadVBR(width int) (uint64, error) {
	if width < 2 {
		return 0, fmt.Errorf("bitstream: invalid VBR width %d", width)
	}
	var v uint64
	var shift uint
	hiMask := uint64(1) << uint(width-1)
	payloadMask := hiMask - 1
	for {
		chunk, err := c.ReadFixed(width)
		if err != nil {
			return 0, err
		}
		v |= (chunk & payloadMask) << shift
		if chunk&hiMask == 0 {
			break
		}
		shift += uint(width - 1)
		if shift > 64 {
			return 0, fmt.Errorf("bitstream: VBR value exceeds 64 bits")
		}
	}
	return v, nil
}

// ReadChar6 reads one Char6-encoded character: [a-zA-Z0-9._].
func (c *Cursor) ReadChar6() (byte, error) {
	v, err := c.ReadFixed(6)
	if err != nil {
		return 0, err
	}
	return char6Decode(byte(v))
}

// Align32 advances the cursor to the next 32-bit boundary.
func (c *Cursor) Align32() {
	if m := c.bitPos % 32; m != 0 {
		c.bitPos += 32 - m
	}
}

// ReadBlob reads a blob: a VBR-6 byte length, 32-bit alignment, the
// raw bytes, then 32-bit alignment again.
func (c *Cursor) ReadBlob() ([]byte, error) {
	n, err := c.ReadVBR(6)
	if err != nil {
		return nil, err
	}
	c.Align32()
	start := c.bitPos
	if start%8 != 0 {
		return nil, fmt.Errorf("bitstream: blob not byte-aligned")
	}
	byteStart := start / 8
	byteEnd := byteStart + int(n)
	if byteEnd > len(c.data) {
		return nil, fmt.Errorf("bitstream: blob of length %d runs past end of stream", n)
	}
	blob := append([]byte(nil), c.data[byteStart:byteEnd]...)
	c.bitPos = byteEnd * 8
	c.Align32()
	return blob, nil
}

func char6Decode(v byte) (byte, error) {
	switch {
	case v < 26:
		return 'a' + v, nil
	case v < 52:
		return 'A' + (v - 26), nil
	case v < 62:
		return '0' + (v - 52), nil
	case v == 62:
		return '.', nil
	case v == 63:
		return '_', nil
	}
	return 0, fmt.Errorf("bitstream: invalid char6 value %d", v)
}

func char6Encode(c byte) (byte, error) {
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a', nil
	case c >= 'A' && c <= 'Z':
		return 26 + (c - 'A'), nil
	case c >= '0' && c <= '9':
		return 52 + (c - '0'), nil
	case c == '.':
		return 62, nil
	case c == '_':
		return 63, nil
	}
	return 0, fmt.Errorf("bitstream: byte %q is not char6-representable", c)
}
