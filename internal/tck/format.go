// Package tck reads and writes streamline track files.
//
// The format is a textual key/value header followed by a binary stream of
// 3-float points in the endianness and precision declared by the header's
// datatype field. Each streamline's points are followed by a NaN-valued
// delimiter triplet; the data region always ends with an Infinity-valued
// barrier triplet marking the current end of valid data. The barrier is
// overwritten by each append and rewritten at the new end, so a reader can
// always trust the region before it, even while a writer is still running.
package tck

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/neurodata-tools/tractor/internal/tract"
)

// Magic is the first header line of a track file.
const Magic = "mrtrix tracks"

// DataType declares the on-disk encoding of each point component.
type DataType string

const (
	Float32LE DataType = "Float32LE"
	Float32BE DataType = "Float32BE"
	Float64LE DataType = "Float64LE"
	Float64BE DataType = "Float64BE"
)

// ParseDataType validates a header datatype value.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case Float32LE, Float32BE, Float64LE, Float64BE:
		return DataType(s), nil
	}
	return "", fmt.Errorf("unsupported track datatype %q", s)
}

// componentSize is the byte width of one point component.
func (d DataType) componentSize() int {
	switch d {
	case Float64LE, Float64BE:
		return 8
	}
	return 4
}

// PointSize is the byte width of one encoded 3-component point.
func (d DataType) PointSize() int {
	return 3 * d.componentSize()
}

func (d DataType) order() binary.ByteOrder {
	switch d {
	case Float32BE, Float64BE:
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// appendPoint encodes one point in the declared byte order and width.
func (d DataType) appendPoint(dst []byte, p tract.Point3) []byte {
	bo := d.order().(binary.AppendByteOrder)
	if d.componentSize() == 8 {
		for _, v := range p {
			dst = bo.AppendUint64(dst, math.Float64bits(float64(v)))
		}
		return dst
	}
	for _, v := range p {
		dst = bo.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// decodePoint decodes one point from buf, which must hold PointSize bytes.
func (d DataType) decodePoint(buf []byte) tract.Point3 {
	bo := d.order()
	var p tract.Point3
	if d.componentSize() == 8 {
		for i := 0; i < 3; i++ {
			p[i] = float32(math.Float64frombits(bo.Uint64(buf[8*i:])))
		}
		return p
	}
	for i := 0; i < 3; i++ {
		p[i] = math.Float32frombits(bo.Uint32(buf[4*i:]))
	}
	return p
}

// delimiter marks the end of one streamline within the data region.
func delimiter() tract.Point3 {
	nan := float32(math.NaN())
	return tract.Point3{nan, nan, nan}
}

// barrier marks the end of valid data.
func barrier() tract.Point3 {
	inf := float32(math.Inf(1))
	return tract.Point3{inf, inf, inf}
}

func isDelimiter(p tract.Point3) bool {
	return math.IsNaN(float64(p[0]))
}

func isBarrier(p tract.Point3) bool {
	return math.IsInf(float64(p[0]), 0)
}
