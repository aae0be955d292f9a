// Package mrc reads and writes MRC2014 density maps and particle image
// stacks. All values are converted to float32 on read; stacks are written
// in mode 2 (float32) with little-endian byte order.
package mrc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/AmazonRF/pyem/internal/frame"
)

const headerSize = 1024

// Data modes understood by the reader.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

var (
	// ErrUnsupportedMode reports a data mode the reader cannot decode.
	ErrUnsupportedMode = errors.New("mrc: unsupported data mode")
	// ErrFrameRange reports a stack frame index outside the file.
	ErrFrameRange = errors.New("mrc: frame index out of range")
)

type header struct {
	nx, ny, nz int32
	mode       int32
	mx, my, mz int32
	cella      [3]float32
	dmin       float32
	dmax       float32
	dmean      float32
	ispg       int32
	nsymbt     int32
	rms        float32
}

func decodeHeader(buf []byte) header {
	le := binary.LittleEndian
	var h header
	h.nx = int32(le.Uint32(buf[0:]))
	h.ny = int32(le.Uint32(buf[4:]))
	h.nz = int32(le.Uint32(buf[8:]))
	h.mode = int32(le.Uint32(buf[12:]))
	h.mx = int32(le.Uint32(buf[28:]))
	h.my = int32(le.Uint32(buf[32:]))
	h.mz = int32(le.Uint32(buf[36:]))
	for i := 0; i < 3; i++ {
		h.cella[i] = math.Float32frombits(le.Uint32(buf[40+4*i:]))
	}
	h.dmin = math.Float32frombits(le.Uint32(buf[76:]))
	h.dmax = math.Float32frombits(le.Uint32(buf[80:]))
	h.dmean = math.Float32frombits(le.Uint32(buf[84:]))
	h.ispg = int32(le.Uint32(buf[88:]))
	h.nsymbt = int32(le.Uint32(buf[92:]))
	h.rms = math.Float32frombits(le.Uint32(buf[216:]))
	return h
}

func encodeHeader(h header) []byte {
	le := binary.LittleEndian
	buf := make([]byte, headerSize)
	le.PutUint32(buf[0:], uint32(h.nx))
	le.PutUint32(buf[4:], uint32(h.ny))
	le.PutUint32(buf[8:], uint32(h.nz))
	le.PutUint32(buf[12:], uint32(h.mode))
	le.PutUint32(buf[28:], uint32(h.mx))
	le.PutUint32(buf[32:], uint32(h.my))
	le.PutUint32(buf[36:], uint32(h.mz))
	for i := 0; i < 3; i++ {
		le.PutUint32(buf[40+4*i:], math.Float32bits(h.cella[i]))
	}
	// CELLB 90/90/90 and MAPC/MAPR/MAPS 1/2/3.
	for i := 0; i < 3; i++ {
		le.PutUint32(buf[52+4*i:], math.Float32bits(90))
		le.PutUint32(buf[64+4*i:], uint32(i+1))
	}
	le.PutUint32(buf[76:], math.Float32bits(h.dmin))
	le.PutUint32(buf[80:], math.Float32bits(h.dmax))
	le.PutUint32(buf[84:], math.Float32bits(h.dmean))
	le.PutUint32(buf[88:], uint32(h.ispg))
	le.PutUint32(buf[92:], uint32(h.nsymbt))
	le.PutUint32(buf[108:], 20141)
	copy(buf[208:], "MAP ")
	copy(buf[212:], []byte{0x44, 0x44, 0x00, 0x00})
	le.PutUint32(buf[216:], math.Float32bits(h.rms))
	return buf
}

func readHeader(r io.Reader) (header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}
	h := decodeHeader(buf)
	if h.nx <= 0 || h.ny <= 0 || h.nz < 0 {
		return header{}, fmt.Errorf("bad dimensions %dx%dx%d", h.nx, h.ny, h.nz)
	}
	if bytesPerValue(h.mode) == 0 {
		return header{}, fmt.Errorf("%w: mode %d", ErrUnsupportedMode, h.mode)
	}
	return h, nil
}

func bytesPerValue(mode int32) int {
	switch mode {
	case ModeInt8:
		return 1
	case ModeInt16, ModeUint16:
		return 2
	case ModeFloat32:
		return 4
	default:
		return 0
	}
}

func (h header) apix() float64 {
	if h.mx > 0 && h.cella[0] > 0 {
		return float64(h.cella[0]) / float64(h.mx)
	}
	return 1.0
}

// readValues decodes n stored values into float32.
func readValues(r io.Reader, mode int32, n int) ([]float32, error) {
	raw := make([]byte, n*bytesPerValue(mode))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	out := make([]float32, n)
	le := binary.LittleEndian
	switch mode {
	case ModeInt8:
		for i := range out {
			out[i] = float32(int8(raw[i]))
		}
	case ModeInt16:
		for i := range out {
			out[i] = float32(int16(le.Uint16(raw[2*i:])))
		}
	case ModeUint16:
		for i := range out {
			out[i] = float32(le.Uint16(raw[2*i:]))
		}
	case ModeFloat32:
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(raw[4*i:]))
		}
	}
	return out, nil
}

// ReadVolume loads an entire density map.
func ReadVolume(path string) (*frame.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.nsymbt > 0 {
		if _, err := f.Seek(int64(h.nsymbt), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("%s: skip extended header: %w", path, err)
		}
	}
	data, err := readValues(f, h.mode, int(h.nx)*int(h.ny)*int(h.nz))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v := &frame.Volume{Nx: int(h.nx), Ny: int(h.ny), Nz: int(h.nz), Apix: h.apix(), Data: data}
	return v, nil
}

// ReadFrame loads the k'th section (0-based) of an image stack.
func ReadFrame(path string, k int) (*frame.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if k < 0 || k >= int(h.nz) {
		return nil, fmt.Errorf("%w: %d of %d in %s", ErrFrameRange, k, h.nz, path)
	}
	frameBytes := int64(h.nx) * int64(h.ny) * int64(bytesPerValue(h.mode))
	off := int64(headerSize) + int64(h.nsymbt) + int64(k)*frameBytes
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%s: seek frame %d: %w", path, k, err)
	}
	data, err := readValues(f, h.mode, int(h.nx)*int(h.ny))
	if err != nil {
		return nil, fmt.Errorf("%s: frame %d: %w", path, k, err)
	}
	return &frame.Image{Nx: int(h.nx), Ny: int(h.ny), Apix: h.apix(), Data: data}, nil
}

// Info summarizes a file header for display.
type Info struct {
	Nx, Ny, Nz int
	Mode       int
	Apix       float64
	Min, Max   float64
	Mean, RMS  float64
}

// ReadInfo reads only the header of an MRC file.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return Info{
		Nx: int(h.nx), Ny: int(h.ny), Nz: int(h.nz),
		Mode: int(h.mode), Apix: h.apix(),
		Min: float64(h.dmin), Max: float64(h.dmax),
		Mean: float64(h.dmean), RMS: float64(h.rms),
	}, nil
}

// WriteVolume writes a density map in mode 2.
func WriteVolume(path string, v *frame.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	apix := float32(v.Apix)
	h := header{
		nx: int32(v.Nx), ny: int32(v.Ny), nz: int32(v.Nz),
		mode: ModeFloat32,
		mx:   int32(v.Nx), my: int32(v.Ny), mz: int32(v.Nz),
		cella: [3]float32{apix * float32(v.Nx), apix * float32(v.Ny), apix * float32(v.Nz)},
		ispg:  1,
	}
	h.dmin, h.dmax, h.dmean, h.rms = stats(v.Data)
	if _, err := f.Write(encodeHeader(h)); err != nil {
		return fmt.Errorf("%s: write header: %w", path, err)
	}
	if err := writeFloat32(f, v.Data); err != nil {
		return fmt.Errorf("%s: write data: %w", path, err)
	}
	return nil
}

func stats(data []float32) (min, max, mean, rms float32) {
	if len(data) == 0 {
		return 0, 0, 0, 0
	}
	min, max = data[0], data[0]
	var sum, sum2 float64
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += float64(v)
		sum2 += float64(v) * float64(v)
	}
	n := float64(len(data))
	m := sum / n
	variance := sum2/n - m*m
	if variance < 0 {
		variance = 0
	}
	return min, max, float32(m), float32(math.Sqrt(variance))
}

func writeFloat32(w io.Writer, data []float32) error {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}
