package tck

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/neurodata-tools/tractor/internal/tract"
)

// Reader iterates the streamlines of a track file.
type Reader struct {
	f     *os.File
	r     *bufio.Reader
	dtype DataType
	props *tract.Properties

	// ROISpecs holds the repeated include/exclude/mask header lines,
	// which a flat property map cannot represent.
	ROISpecs map[string][]string

	weights      []float32
	currentIndex uint64
	done         bool
	pointBuf     []byte
}

// NewReader opens a track file and parses its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening track file %q: %w", path, err)
	}

	r := &Reader{
		f:        f,
		props:    tract.NewProperties(),
		ROISpecs: make(map[string][]string),
	}
	if err := r.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("track file %q: %w", path, err)
	}
	r.pointBuf = make([]byte, r.dtype.PointSize())
	return r, nil
}

func (r *Reader) parseHeader() error {
	br := bufio.NewReader(r.f)
	first, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if strings.TrimRight(first, "\n") != Magic {
		return fmt.Errorf("not a track file (bad magic %q)", strings.TrimSpace(first))
	}

	var dataOffset int64 = -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading header: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "END" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return fmt.Errorf("malformed header line %q", line)
		}
		switch key {
		case "include", "exclude", "mask":
			r.ROISpecs[key] = append(r.ROISpecs[key], value)
		case "file":
			fields := strings.Fields(value)
			if len(fields) != 2 || fields[0] != "." {
				return fmt.Errorf("unsupported file specification %q", value)
			}
			off, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid data offset %q: %w", fields[1], err)
			}
			dataOffset = off
		default:
			r.props.Put(key, value)
		}
	}
	if dataOffset < 0 {
		return fmt.Errorf("header carries no file offset")
	}

	dt, ok := r.props.Get("datatype")
	if !ok {
		return fmt.Errorf("header carries no datatype")
	}
	dtype, err := ParseDataType(dt)
	if err != nil {
		return err
	}
	r.dtype = dtype

	if _, err := r.f.Seek(dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to data region: %w", err)
	}
	r.r = bufio.NewReader(r.f)
	return nil
}

// Properties returns the parsed header key/value block.
func (r *Reader) Properties() *tract.Properties { return r.props }

// DataType returns the declared point encoding.
func (r *Reader) DataType() DataType { return r.dtype }

// LoadWeights attaches a per-streamline weights sidecar. A count mismatch
// against the header is reported but not fatal; the header count may lag
// when the file is still being written.
func (r *Reader) LoadWeights(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading streamline weights %q: %w", path, err)
	}
	for _, field := range strings.Fields(string(data)) {
		v, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return fmt.Errorf("streamline weights %q: invalid value %q: %w", path, field, err)
		}
		r.weights = append(r.weights, float32(v))
	}
	if c, ok := r.props.Get("count"); ok {
		if n, err := strconv.ParseUint(c, 10, 64); err == nil && n != uint64(len(r.weights)) {
			log.Printf("[tck] number of weights (%d) does not match number of tracks in file (%d)", len(r.weights), n)
		}
	}
	return nil
}

// Next returns the next streamline, or io.EOF at the end-of-data barrier or
// end of file.
func (r *Reader) Next() (*tract.Streamline, error) {
	if r.done {
		return nil, io.EOF
	}
	s := tract.NewStreamline()
	for {
		if _, err := io.ReadFull(r.r, r.pointBuf); err != nil {
			r.done = true
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading track data: %w", err)
		}
		p := r.dtype.decodePoint(r.pointBuf)
		if isBarrier(p) {
			r.done = true
			return nil, io.EOF
		}
		if isDelimiter(p) {
			s.Index = r.currentIndex
			if r.currentIndex < uint64(len(r.weights)) {
				s.Weight = r.weights[r.currentIndex]
			}
			r.currentIndex++
			return s, nil
		}
		s.Append(p)
	}
}

// ReadAll drains the reader, returning every streamline before the barrier.
func (r *Reader) ReadAll() ([]*tract.Streamline, error) {
	var out []*tract.Streamline
	for {
		s, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}

func (r *Reader) Close() error {
	return r.f.Close()
}
