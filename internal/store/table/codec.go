//go:build linux

package table

import "encoding/binary"

// cursor walks a fixed-layout record. Field order in the Encode/Decode pairs
// below is the on-disk layout; never reorder without bumping the table's
// version byte.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) u8(v *byte) {
	if c.off < len(c.b) {
		*v = c.b[c.off]
	}
	c.off++
}

func (c *cursor) putU8(v byte) {
	if c.off < len(c.b) {
		c.b[c.off] = v
	}
	c.off++
}

func (c *cursor) u32(v *uint32) {
	if c.off+4 <= len(c.b) {
		*v = binary.LittleEndian.Uint32(c.b[c.off:])
	}
	c.off += 4
}

func (c *cursor) putU32(v uint32) {
	if c.off+4 <= len(c.b) {
		binary.LittleEndian.PutUint32(c.b[c.off:], v)
	}
	c.off += 4
}

func (c *cursor) i64(v *int64) {
	if c.off+8 <= len(c.b) {
		*v = int64(binary.LittleEndian.Uint64(c.b[c.off:]))
	}
	c.off += 8
}

func (c *cursor) putI64(v int64) {
	if c.off+8 <= len(c.b) {
		binary.LittleEndian.PutUint64(c.b[c.off:], uint64(v))
	}
	c.off += 8
}

// str reads a NUL-terminated string from a fixed-width slot.
func (c *cursor) str(v *string, width int) {
	if c.off+width <= len(c.b) {
		slot := c.b[c.off : c.off+width]
		n := 0
		for n < len(slot) && slot[n] != 0 {
			n++
		}
		*v = string(slot[:n])
	}
	c.off += width
}

// putStr writes s into a fixed-width slot, NUL padded and always NUL
// terminated (s is clipped to width-1).
func (c *cursor) putStr(s string, width int) {
	if c.off+width <= len(c.b) {
		slot := c.b[c.off : c.off+width]
		clear(slot)
		if len(s) > width-1 {
			s = s[:width-1]
		}
		copy(slot, s)
	}
	c.off += width
}

func (c *cursor) bytes(v *[]byte, width int) {
	if c.off+width <= len(c.b) {
		*v = append((*v)[:0], c.b[c.off:c.off+width]...)
	}
	c.off += width
}

func (c *cursor) putBytes(p []byte, width int) {
	if c.off+width <= len(c.b) {
		slot := c.b[c.off : c.off+width]
		clear(slot)
		if len(p) > width {
			p = p[:width]
		}
		copy(slot, p)
	}
	c.off += width
}
