package store

import (
	"encoding/binary"
	"fmt"
	"image"
)

// PlaneSize returns the byte length of a plane covering region.
func PlaneSize(region image.Rectangle, bands, bytesPerSample int) int {
	return region.Dx() * region.Dy() * bands * bytesPerSample
}

// Sample returns sample i of a big-endian plane.
func Sample(plane []byte, i, bytesPerSample int) uint32 {
	off := i * bytesPerSample
	switch bytesPerSample {
	case 1:
		return uint32(plane[off])
	case 2:
		return uint32(binary.BigEndian.Uint16(plane[off:]))
	case 4:
		return binary.BigEndian.Uint32(plane[off:])
	default:
		var v uint32
		for b := 0; b < bytesPerSample; b++ {
			v = v<<8 | uint32(plane[off+b])
		}
		return v
	}
}

// PutSample writes sample i of a big-endian plane.
func PutSample(plane []byte, i, bytesPerSample int, v uint32) {
	off := i * bytesPerSample
	switch bytesPerSample {
	case 1:
		plane[off] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(plane[off:], uint16(v))
	case 4:
		binary.BigEndian.PutUint32(plane[off:], v)
	default:
		for b := bytesPerSample - 1; b >= 0; b-- {
			plane[off+b] = byte(v)
			v >>= 8
		}
	}
}

// CropPlane copies region out of a full plane of the given size.
func CropPlane(full []byte, width, height int, region image.Rectangle, bands, bytesPerSample int) ([]byte, error) {
	bounds := image.Rect(0, 0, width, height)
	if !region.In(bounds) || region.Empty() {
		return nil, fmt.Errorf("region %v outside plane %dx%d: %w", region, width, height, ErrNotFound)
	}
	px := bands * bytesPerSample
	if len(full) < width*height*px {
		return nil, fmt.Errorf("short plane: %d bytes, want %d", len(full), width*height*px)
	}
	out := make([]byte, PlaneSize(region, bands, bytesPerSample))
	rowLen := region.Dx() * px
	for y := region.Min.Y; y < region.Max.Y; y++ {
		src := (y*width + region.Min.X) * px
		dst := (y - region.Min.Y) * rowLen
		copy(out[dst:dst+rowLen], full[src:src+rowLen])
	}
	return out, nil
}
