package qipc

import (
	"encoding/binary"
	"fmt"
)

// Decompress expands a compressed message (header included) and returns the
// uncompressed body.
func Decompress(msg []byte, order binary.ByteOrder) ([]byte, error) {
	if len(msg) < headerSize+4 {
		return nil, ErrTruncated
	}
	size := int(int32(order.Uint32(msg[headerSize:])))
	if size < headerSize {
		return nil, fmt.Errorf("qipc: invalid uncompressed size %d", size)
	}
	dst := make([]byte, size)
	var aa [256]int
	var n, r, f int
	s, p := headerSize, headerSize
	d := headerSize + 4
	i := 0

	for s < size {
		if i == 0 {
			if d >= len(msg) {
				return nil, ErrTruncated
			}
			f = int(msg[d])
			d++
			i = 1
		}
		if f&i != 0 {
			if d+1 >= len(msg) {
				return nil, ErrTruncated
			}
			r = aa[msg[d]]
			d++
			if s+1 >= size || r+1 >= s {
				return nil, fmt.Errorf("qipc: corrupt back reference")
			}
			dst[s] = dst[r]
			s++
			r++
			dst[s] = dst[r]
			s++
			r++
			n = int(msg[d])
			d++
			if s+n > size {
				return nil, fmt.Errorf("qipc: corrupt back reference length")
			}
			for m := 0; m < n; m++ {
				dst[s+m] = dst[r+m]
			}
		} else {
			if d >= len(msg) {
				return nil, ErrTruncated
			}
			dst[s] = msg[d]
			s++
			d++
		}
		for p < s-1 {
			aa[dst[p]^dst[p+1]] = p
			p++
		}
		if f&i != 0 {
			s += n
			p = s
		}
		i *= 2
		if i == 256 {
			i = 0
		}
	}
	return dst[headerSize:], nil
}
