package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame layout constants. A frame is
//
//	magic u32 | format u8 | level u8 | nameLength u8 | version i8 | length u64
//	name bytes | payload bytes | EOB u32
//
// where length counts every byte of the frame, header and sentinel included.
const (
	Magic       uint32 = 0xBEBEBEBE
	EOB         uint32 = 0xBFBFBFBF
	HeaderSize         = 16
	TrailerSize        = 4
	MaxNameLen         = 255
)

// Format is the byte order of every frame on a stream
type Format uint8

const (
	FormatLittle Format = 0
	FormatBig    Format = 1
)

func (f Format) String() string {
	switch f {
	case FormatLittle:
		return "little-endian"
	case FormatBig:
		return "big-endian"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

func (f Format) valid() bool {
	return f == FormatLittle || f == FormatBig
}

func byteOrder(f Format) (binary.ByteOrder, binary.AppendByteOrder) {
	if f == FormatBig {
		return binary.BigEndian, binary.BigEndian
	}
	return binary.LittleEndian, binary.LittleEndian
}

var (
	// ErrProtocolViolation is returned when magic, sentinel, level, name or
	// format of a frame differ from what the reader expects.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTruncated is returned on a short frame or a read past the frame end.
	ErrTruncated = errors.New("truncated frame")
)

// FrameError carries the frame name and byte offset at which decoding or
// encoding stopped.
type FrameError struct {
	Kind   error
	Frame  string
	Offset int
	Detail string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v in frame %q at offset %d: %s", e.Kind, e.Frame, e.Offset, e.Detail)
}

func (e *FrameError) Unwrap() error {
	return e.Kind
}

// Header is the fixed part of a frame
type Header struct {
	Format  Format
	Level   uint8
	Version int8
	Length  uint64
	Name    string
}

// ReadHeader decodes the header of the frame starting at data[0].
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &FrameError{Kind: ErrTruncated, Offset: 0, Detail: fmt.Sprintf("need %d header bytes, have %d", HeaderSize, len(data))}
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return Header{}, &FrameError{Kind: ErrProtocolViolation, Offset: 0, Detail: fmt.Sprintf("bad magic %#x", binary.LittleEndian.Uint32(data[0:4]))}
	}
	h := Header{
		Format:  Format(data[4]),
		Level:   data[5],
		Version: int8(data[7]),
	}
	if !h.Format.valid() {
		return Header{}, &FrameError{Kind: ErrProtocolViolation, Offset: 4, Detail: "unknown format " + h.Format.String()}
	}
	order, _ := byteOrder(h.Format)
	h.Length = order.Uint64(data[8:16])
	nameLen := int(data[6])
	if len(data) < HeaderSize+nameLen {
		return Header{}, &FrameError{Kind: ErrTruncated, Offset: HeaderSize, Detail: "frame name cut short"}
	}
	h.Name = string(data[HeaderSize : HeaderSize+nameLen])
	if h.Length < uint64(HeaderSize+nameLen+TrailerSize) {
		return Header{}, &FrameError{Kind: ErrProtocolViolation, Frame: h.Name, Offset: 8, Detail: fmt.Sprintf("length %d below minimum", h.Length)}
	}
	return h, nil
}

// PeekName returns the name of the outermost frame without decoding it
func PeekName(data []byte) (string, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return "", err
	}
	return h.Name, nil
}

type openFrame struct {
	name  string
	start int
	end   int
}

// Writer appends frames to a caller-owned buffer. The first error sticks;
// later calls are no-ops and Bytes reports it.
type Writer struct {
	buf    []byte
	format Format
	order  binary.ByteOrder
	app    binary.AppendByteOrder
	open   []openFrame
	err    error
}

// NewWriter starts writing at buf[:0]
func NewWriter(buf []byte, format Format) *Writer {
	w := &Writer{buf: buf[:0], format: format}
	w.order, w.app = byteOrder(format)
	if !format.valid() {
		w.err = &FrameError{Kind: ErrProtocolViolation, Detail: "unknown format " + format.String()}
	}
	return w
}

func (w *Writer) fail(kind error, detail string) {
	if w.err != nil {
		return
	}
	name := ""
	if len(w.open) > 0 {
		name = w.open[len(w.open)-1].name
	}
	w.err = &FrameError{Kind: kind, Frame: name, Offset: len(w.buf), Detail: detail}
}

// Begin opens a frame nested inside the current one
func (w *Writer) Begin(name string, version int8) {
	if w.err != nil {
		return
	}
	if len(name) > MaxNameLen {
		w.fail(ErrProtocolViolation, fmt.Sprintf("frame name %q longer than %d bytes", name, MaxNameLen))
		return
	}
	if len(w.open) > math.MaxUint8 {
		w.fail(ErrProtocolViolation, "nesting too deep")
		return
	}
	start := len(w.buf)
	w.buf = w.app.AppendUint32(w.buf, Magic)
	w.buf = append(w.buf, byte(w.format), byte(len(w.open)), byte(len(name)), byte(version))
	w.buf = w.app.AppendUint64(w.buf, 0)
	w.buf = append(w.buf, name...)
	w.open = append(w.open, openFrame{name: name, start: start})
}

// End closes the innermost open frame and backpatches its length
func (w *Writer) End() {
	if w.err != nil {
		return
	}
	if len(w.open) == 0 {
		w.fail(ErrProtocolViolation, "End without open frame")
		return
	}
	f := w.open[len(w.open)-1]
	w.open = w.open[:len(w.open)-1]
	w.buf = w.app.AppendUint32(w.buf, EOB)
	w.order.PutUint64(w.buf[f.start+8:f.start+16], uint64(len(w.buf)-f.start))
}

// Bytes returns the encoded frames. All frames must be closed.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if len(w.open) != 0 {
		return nil, &FrameError{Kind: ErrProtocolViolation, Frame: w.open[len(w.open)-1].name, Offset: len(w.buf), Detail: "frame left open"}
	}
	return w.buf, nil
}

// Err returns the sticky error
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) PutUint8(v uint8) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

func (w *Writer) PutUint32(v uint32) {
	if w.err == nil {
		w.buf = w.app.AppendUint32(w.buf, v)
	}
}

func (w *Writer) PutInt32(v int32) {
	w.PutUint32(uint32(v))
}

func (w *Writer) PutUint64(v uint64) {
	if w.err == nil {
		w.buf = w.app.AppendUint64(w.buf, v)
	}
}

func (w *Writer) PutFloat64(v float64) {
	w.PutUint64(math.Float64bits(v))
}

func (w *Writer) putLen(n int) {
	if uint64(n) > math.MaxUint32 {
		w.fail(ErrProtocolViolation, fmt.Sprintf("sequence of %d elements too long", n))
		return
	}
	w.PutUint32(uint32(n))
}

// PutText writes a u32 length followed by the bytes
func (w *Writer) PutText(s string) {
	w.putLen(len(s))
	if w.err == nil {
		w.buf = append(w.buf, s...)
	}
}

func (w *Writer) PutBlob(b []byte) {
	w.putLen(len(b))
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

func (w *Writer) PutFloat64s(vs []float64) {
	w.putLen(len(vs))
	for _, v := range vs {
		w.PutFloat64(v)
	}
}

func (w *Writer) PutInt32s(vs []int32) {
	w.putLen(len(vs))
	for _, v := range vs {
		w.PutInt32(v)
	}
}

func (w *Writer) PutTexts(vs []string) {
	w.putLen(len(vs))
	for _, v := range vs {
		w.PutText(v)
	}
}

// Reader decodes frames from a byte slice. Like Writer, the first error sticks.
type Reader struct {
	data      []byte
	pos       int
	format    Format
	formatSet bool
	order     binary.ByteOrder
	open      []openFrame
	err       error
}

// NewReader reads frames from data. The format is taken from the first frame.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// newReaderWithFormat pins the format so frames in another format are rejected.
func newReaderWithFormat(data []byte, format Format) *Reader {
	r := &Reader{data: data, format: format, formatSet: true}
	r.order, _ = byteOrder(format)
	return r
}

func (r *Reader) frameName() string {
	if len(r.open) == 0 {
		return ""
	}
	return r.open[len(r.open)-1].name
}

func (r *Reader) fail(kind error, detail string) {
	if r.err != nil {
		return
	}
	r.err = &FrameError{Kind: kind, Frame: r.frameName(), Offset: r.pos, Detail: detail}
}

// limit is the end of readable payload in the innermost frame.
func (r *Reader) limit() int {
	if len(r.open) == 0 {
		return len(r.data)
	}
	return r.open[len(r.open)-1].end - TrailerSize
}

// Begin opens the next frame, checking that it is named name and sits at the
// current nesting level. It returns the frame's payload version.
func (r *Reader) Begin(name string) (int8, error) {
	if r.err != nil {
		return 0, r.err
	}
	h, err := ReadHeader(r.data[r.pos:r.limit()])
	if err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			fe.Offset += r.pos
			if fe.Frame == "" {
				fe.Frame = name
			}
		}
		r.err = err
		return 0, err
	}
	if r.formatSet && h.Format != r.format {
		r.fail(ErrProtocolViolation, fmt.Sprintf("format %s does not match stream format %s", h.Format, r.format))
		return 0, r.err
	}
	if !r.formatSet {
		r.format, r.formatSet = h.Format, true
		r.order, _ = byteOrder(h.Format)
	}
	if int(h.Level) != len(r.open) {
		r.fail(ErrProtocolViolation, fmt.Sprintf("level %d where %d expected", h.Level, len(r.open)))
		return 0, r.err
	}
	if h.Name != name {
		r.fail(ErrProtocolViolation, fmt.Sprintf("found frame %q, expected %q", h.Name, name))
		return 0, r.err
	}
	end := r.pos + int(h.Length)
	if h.Length > uint64(r.limit()-r.pos) {
		r.fail(ErrTruncated, fmt.Sprintf("frame %q declares %d bytes, %d available", name, h.Length, r.limit()-r.pos))
		return 0, r.err
	}
	r.open = append(r.open, openFrame{name: name, start: r.pos, end: end})
	r.pos += HeaderSize + len(h.Name)
	return h.Version, nil
}

// End closes the innermost frame. Payload the caller did not read is
// skipped so newer payload versions stay readable; the sentinel must match.
func (r *Reader) End() error {
	if r.err != nil {
		return r.err
	}
	if len(r.open) == 0 {
		r.fail(ErrProtocolViolation, "End without open frame")
		return r.err
	}
	f := r.open[len(r.open)-1]
	if r.pos > f.end-TrailerSize {
		r.fail(ErrProtocolViolation, "payload overran frame")
		return r.err
	}
	r.pos = f.end - TrailerSize
	if got := r.order.Uint32(r.data[r.pos:f.end]); got != EOB {
		r.fail(ErrProtocolViolation, fmt.Sprintf("bad end-of-block sentinel %#x", got))
		return r.err
	}
	r.pos = f.end
	r.open = r.open[:len(r.open)-1]
	return nil
}

// Err returns the sticky error
func (r *Reader) Err() error {
	return r.err
}

// StreamFormat returns the format of the frames read so far
func (r *Reader) StreamFormat() Format {
	return r.format
}

// Done reports whether every byte of the input has been consumed
func (r *Reader) Done() bool {
	return r.pos == len(r.data) && len(r.open) == 0
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.limit()-r.pos {
		r.fail(ErrTruncated, fmt.Sprintf("need %d bytes, %d left", n, r.limit()-r.pos))
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}

func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return r.order.Uint64(b)
}

func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// count reads a sequence length and checks that size bytes per element remain.
func (r *Reader) count(size int) int {
	n := int(r.Uint32())
	if r.err != nil {
		return 0
	}
	if size > 0 && n > (r.limit()-r.pos)/size {
		r.fail(ErrTruncated, fmt.Sprintf("sequence of %d elements exceeds frame", n))
		return 0
	}
	return n
}

func (r *Reader) Text() string {
	n := r.count(1)
	return string(r.take(n))
}

// Blob returns a copy of a length-prefixed byte string
func (r *Reader) Blob() []byte {
	n := r.count(1)
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Reader) Float64s() []float64 {
	n := r.count(8)
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Float64()
	}
	return out
}

func (r *Reader) Int32s() []int32 {
	n := r.count(4)
	if n == 0 {
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.Int32()
	}
	return out
}

func (r *Reader) Texts() []string {
	n := r.count(4)
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = r.Text()
	}
	return out
}
