package tck

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/neurodata-tools/tractor/internal/tract"
)

// countFieldWidth is the zero-padded width of the count and total_count
// header fields, sized so they can be rewritten in place as tracking
// progresses.
const countFieldWidth = 10

// DefaultBufferBytes is the default RAM buffer capacity of the buffered
// Writer.
const DefaultBufferBytes = 16 * 1024 * 1024

// headerReserved lists keys the writer owns; values under these keys in the
// supplied properties are ignored in favour of the writer's own bookkeeping.
var headerReserved = map[string]bool{
	"count": true, "total_count": true, "datatype": true, "file": true, "timestamp": true,
}

// WriterUnbuffered appends streamlines to a track file, committing every
// append directly. It reopens the file for each commit, positioned at the
// known barrier offset; this keeps concurrent writers to distinct files
// safe on shared filesystems at the cost of an open per streamline. A
// single instance must only ever be driven by one goroutine.
type WriterUnbuffered struct {
	path  string
	dtype DataType

	count      uint64
	totalCount uint64

	countOffset      int64
	totalCountOffset int64
	barrierOffset    int64

	weightsPath string
}

// NewWriterUnbuffered creates the track file, writes the header from props,
// and places the initial end-of-data barrier.
func NewWriterUnbuffered(path string, props *tract.Properties, dtype DataType) (*WriterUnbuffered, error) {
	w := &WriterUnbuffered{path: path, dtype: dtype}

	header := w.buildHeader(props)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating track file %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return nil, fmt.Errorf("writing track header %q: %w", path, err)
	}
	w.barrierOffset = int64(len(header))
	if _, err := f.Write(dtype.appendPoint(nil, barrier())); err != nil {
		return nil, fmt.Errorf("writing track barrier %q: %w", path, err)
	}
	return w, nil
}

// buildHeader assembles the header bytes and records the in-place rewrite
// offsets for the count fields. The data offset appears inside the header
// ("file: . <offset>"), so the layout is iterated until the offset value is
// consistent with the header length.
func (w *WriterUnbuffered) buildHeader(props *tract.Properties) []byte {
	var body bytes.Buffer
	body.WriteString(Magic)
	body.WriteByte('\n')

	w.countOffset = int64(body.Len() + len("count: "))
	fmt.Fprintf(&body, "count: %0*d\n", countFieldWidth, 0)
	w.totalCountOffset = int64(body.Len() + len("total_count: "))
	fmt.Fprintf(&body, "total_count: %0*d\n", countFieldWidth, 0)

	fmt.Fprintf(&body, "datatype: %s\n", w.dtype)
	fmt.Fprintf(&body, "timestamp: %d\n", time.Now().Unix())

	for _, key := range props.Keys() {
		if headerReserved[key] {
			continue
		}
		v, _ := props.Get(key)
		fmt.Fprintf(&body, "%s: %s\n", key, v)
	}
	for _, r := range props.Include {
		fmt.Fprintf(&body, "include: %s\n", r.Spec())
	}
	for _, r := range props.Exclude {
		fmt.Fprintf(&body, "exclude: %s\n", r.Spec())
	}
	for _, r := range props.Mask {
		fmt.Fprintf(&body, "mask: %s\n", r.Spec())
	}

	offset := body.Len()
	for {
		tail := fmt.Sprintf("file: . %d\nEND\n", offset)
		if body.Len()+len(tail) == offset {
			body.WriteString(tail)
			break
		}
		offset = body.Len() + len(tail)
	}
	return body.Bytes()
}

// SetWeightsPath enables the per-streamline weights sidecar: a text file
// with one value per accepted streamline, written in lockstep with the
// track file. It must be called before any streamline has been written.
func (w *WriterUnbuffered) SetWeightsPath(path string) error {
	if w.weightsPath != "" {
		return fmt.Errorf("streamline weights path already set")
	}
	if w.count > 0 {
		return fmt.Errorf("cannot enable streamline weights after tracks have been written")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating streamline weights file %q: %w", path, err)
	}
	f.Close()
	w.weightsPath = path
	return nil
}

// Append writes one streamline. Empty streamlines count toward total_count
// only, matching the attempt-versus-accepted bookkeeping of the tracking
// pipeline.
func (w *WriterUnbuffered) Append(s *tract.Streamline) error {
	w.totalCount++
	if s.Len() == 0 {
		return nil
	}
	buf := make([]byte, 0, (s.Len()+1)*w.dtype.PointSize())
	for _, p := range s.Points {
		buf = w.dtype.appendPoint(buf, p)
	}
	buf = w.dtype.appendPoint(buf, delimiter())

	if err := w.commit(buf); err != nil {
		return err
	}
	w.count++
	if w.weightsPath != "" {
		if err := w.appendWeights(strconv.FormatFloat(float64(s.Weight), 'g', -1, 32) + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// commit writes encoded point data (points plus delimiters) over the
// current barrier, lays a fresh barrier at the new end of data, and updates
// the header counts in place.
func (w *WriterUnbuffered) commit(encoded []byte) error {
	if len(encoded) == 0 {
		return nil
	}
	full := append(encoded, w.dtype.appendPoint(nil, barrier())...)

	f, err := os.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopening track file %q: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(full, w.barrierOffset); err != nil {
		return fmt.Errorf("writing track data %q: %w", w.path, err)
	}
	w.barrierOffset += int64(len(full) - w.dtype.PointSize())
	return w.updateCounts(f)
}

func (w *WriterUnbuffered) updateCounts(f *os.File) error {
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%0*d", countFieldWidth, w.count)), w.countOffset); err != nil {
		return fmt.Errorf("updating track count %q: %w", w.path, err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%0*d", countFieldWidth, w.totalCount)), w.totalCountOffset); err != nil {
		return fmt.Errorf("updating track total count %q: %w", w.path, err)
	}
	return nil
}

func (w *WriterUnbuffered) appendWeights(contents string) error {
	f, err := os.OpenFile(w.weightsPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("reopening streamline weights file %q: %w", w.weightsPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(contents); err != nil {
		return fmt.Errorf("writing streamline weights file %q: %w", w.weightsPath, err)
	}
	return nil
}

// Close persists the final counts. Appends after Close are invalid.
func (w *WriterUnbuffered) Close() error {
	f, err := os.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopening track file %q: %w", w.path, err)
	}
	defer f.Close()
	return w.updateCounts(f)
}

// Count returns the number of non-empty streamlines written so far.
func (w *WriterUnbuffered) Count() uint64 { return w.count }

// TotalCount returns the number of append calls, including empty attempts.
func (w *WriterUnbuffered) TotalCount() uint64 { return w.totalCount }

// Writer is the RAM-buffered variant: streamlines accumulate in memory and
// are committed through the unbuffered path only when the buffer would
// overflow or on Close. This amortises the reopen-and-seek cost that
// dominates under small-streamline high-frequency writes.
type Writer struct {
	*WriterUnbuffered

	capacityPoints int
	buf            []byte
	bufPoints      int
	weightsBuf     []byte
	flushes        int
}

// NewWriter creates a buffered track writer. bufferBytes <= 0 selects the
// 16 MiB default; the capacity is interpreted in whole points.
func NewWriter(path string, props *tract.Properties, dtype DataType, bufferBytes int) (*Writer, error) {
	if bufferBytes <= 0 {
		bufferBytes = DefaultBufferBytes
	}
	inner, err := NewWriterUnbuffered(path, props, dtype)
	if err != nil {
		return nil, err
	}
	capacity := bufferBytes / dtype.PointSize()
	if capacity < 1 {
		capacity = 1
	}
	return &Writer{
		WriterUnbuffered: inner,
		capacityPoints:   capacity,
	}, nil
}

// Append buffers one streamline, flushing first if it would not fit
// alongside the already-buffered points and its delimiter.
func (w *Writer) Append(s *tract.Streamline) error {
	w.totalCount++
	if s.Len() == 0 {
		return nil
	}
	if w.bufPoints+s.Len()+1 > w.capacityPoints {
		if err := w.flush(); err != nil {
			return err
		}
	}
	for _, p := range s.Points {
		w.buf = w.dtype.appendPoint(w.buf, p)
	}
	w.buf = w.dtype.appendPoint(w.buf, delimiter())
	w.bufPoints += s.Len() + 1
	w.count++

	if w.weightsPath != "" {
		w.weightsBuf = strconv.AppendFloat(w.weightsBuf, float64(s.Weight), 'g', -1, 32)
		w.weightsBuf = append(w.weightsBuf, '\n')
	}
	return nil
}

func (w *Writer) flush() error {
	if w.bufPoints == 0 {
		w.flushes++
		return nil
	}
	if err := w.commit(w.buf); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	w.bufPoints = 0
	w.flushes++

	if w.weightsPath != "" && len(w.weightsBuf) > 0 {
		if err := w.appendWeights(string(w.weightsBuf)); err != nil {
			return err
		}
		w.weightsBuf = w.weightsBuf[:0]
	}
	return nil
}

// Close commits any buffered data and persists the final counts.
func (w *Writer) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	return w.WriterUnbuffered.Close()
}
