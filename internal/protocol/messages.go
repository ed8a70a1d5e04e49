package protocol

import (
	"fmt"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Version1 is the payload layout every message is written with.
const Version1 int8 = 1

// ControllerEndpoint is the endpoint name workers register with
const ControllerEndpoint = "controller"

// Top-level frame names
const (
	NameRegistration  = "registration"
	NameAssignment    = "assignment"
	NameCommand       = "command"
	NameAck           = "ack"
	NameIndexRequest  = "index-request"
	NameIndex         = "coefficient-index"
	NameInitialValues = "initial-values"
	NameEquationBatch = "equation-batch"
	NameCoefficients  = "coefficients"
	NameEnvelope      = "envelope"
)

// Message is implemented by the fixed set of wire messages in this package.
type Message interface {
	FrameName() string
	encode(w *Writer)
	decode(r *Reader, version int8)
}

// Encode writes m as one top-level frame into buf.
func Encode(m Message, buf []byte, format Format) ([]byte, error) {
	w := NewWriter(buf, format)
	w.Begin(m.FrameName(), Version1)
	m.encode(w)
	w.End()
	return w.Bytes()
}

// Marshal encodes m little-endian into a fresh buffer
func Marshal(m Message) ([]byte, error) {
	return Encode(m, nil, FormatLittle)
}

// Decode reads one top-level frame from data into m.
func Decode(data []byte, m Message) error {
	return decodeFrom(NewReader(data), m)
}

func decodeFrom(r *Reader, m Message) error {
	version, err := r.Begin(m.FrameName())
	if err != nil {
		return err
	}
	if version < Version1 {
		r.fail(ErrProtocolViolation, fmt.Sprintf("unsupported version %d", version))
		return r.Err()
	}
	m.decode(r, version)
	if err := r.End(); err != nil {
		return err
	}
	if !r.Done() {
		r.fail(ErrProtocolViolation, "trailing bytes after frame")
		return r.Err()
	}
	return nil
}

func newMessage(name string) (Message, error) {
	switch name {
	case NameRegistration:
		return &Registration{}, nil
	case NameAssignment:
		return &Assignment{}, nil
	case NameCommand:
		return &Command{}, nil
	case NameAck:
		return &Ack{}, nil
	case NameIndexRequest:
		return &IndexRequest{}, nil
	case NameIndex:
		return &IndexMessage{}, nil
	case NameInitialValues:
		return &InitialValues{}, nil
	case NameEquationBatch:
		return &EquationBatch{}, nil
	case NameCoefficients:
		return &Coefficients{}, nil
	case NameEnvelope:
		return &Envelope{}, nil
	default:
		return nil, &FrameError{Kind: ErrProtocolViolation, Frame: name, Detail: "unknown message"}
	}
}

// Unmarshal decodes whichever message data holds.
func Unmarshal(data []byte) (Message, error) {
	name, err := PeekName(data)
	if err != nil {
		return nil, err
	}
	m, err := newMessage(name)
	if err != nil {
		return nil, err
	}
	if err := Decode(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalStream decodes data as the next frame of the stream g guards.
func UnmarshalStream(g *StreamGuard, data []byte) (Message, error) {
	r, err := g.Reader(data)
	if err != nil {
		return nil, err
	}
	name, _ := PeekName(data)
	m, err := newMessage(name)
	if err != nil {
		return nil, err
	}
	if err := decodeFrom(r, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Registration announces a worker to the controller
type Registration struct {
	Worker models.WorkerRegistration
}

func (*Registration) FrameName() string { return NameRegistration }

func (m *Registration) encode(w *Writer) {
	w.PutText(m.Worker.WorkerID)
	w.PutText(m.Worker.Name)
	w.PutText(string(m.Worker.Role))
	w.PutFloat64(m.Worker.FreqStart)
	w.PutFloat64(m.Worker.FreqEnd)
	w.PutTexts(m.Worker.Stations)
}

func (m *Registration) decode(r *Reader, _ int8) {
	m.Worker.WorkerID = r.Text()
	m.Worker.Name = r.Text()
	m.Worker.Role = models.Role(r.Text())
	m.Worker.FreqStart = r.Float64()
	m.Worker.FreqEnd = r.Float64()
	m.Worker.Stations = r.Texts()
}

// Assignment is the controller's reply to a registration
type Assignment struct {
	Index int32
	RunID string
}

func (*Assignment) FrameName() string { return NameAssignment }

func (m *Assignment) encode(w *Writer) {
	w.PutInt32(m.Index)
	w.PutText(m.RunID)
}

func (m *Assignment) decode(r *Reader, _ int8) {
	m.Index = r.Int32()
	m.RunID = r.Text()
}

// CommandType enumerates controller commands
type CommandType uint8

const (
	CmdInitialize CommandType = iota + 1
	CmdNextChunk
	CmdSolve
	CmdFinalize
)

func (c CommandType) String() string {
	switch c {
	case CmdInitialize:
		return "Initialize"
	case CmdNextChunk:
		return "NextChunk"
	case CmdSolve:
		return "Solve"
	case CmdFinalize:
		return "Finalize"
	default:
		return fmt.Sprintf("CommandType(%d)", uint8(c))
	}
}

// InitializeBody carries the run strategy and roster
type InitializeBody struct {
	RunID    string
	Strategy string // YAML strategy description
	Kernels  []string
	Solver   string
}

// ChunkBody describes the chunk a NextChunk command opens
type ChunkBody struct {
	Index     int32
	FreqStart float64
	FreqEnd   float64
	TimeStart float64
	TimeEnd   float64
	FirstCell int32
	CellCount int32
	Carry     []float64 // solved vector of the previous chunk's last cell, empty for the first chunk
}

// Domain returns the frequency/time range of the chunk
func (c *ChunkBody) Domain() models.Domain {
	return models.Domain{StartFreq: c.FreqStart, EndFreq: c.FreqEnd, StartTime: c.TimeStart, EndTime: c.TimeEnd}
}

// Command is a sequence-numbered instruction from the controller.
type Command struct {
	Seq       uint64
	Type      CommandType
	Init      *InitializeBody
	Chunk     *ChunkBody
	Iteration int32
}

func (*Command) FrameName() string { return NameCommand }

func (m *Command) encode(w *Writer) {
	w.PutUint64(m.Seq)
	w.PutUint8(uint8(m.Type))
	switch m.Type {
	case CmdInitialize:
		body := m.Init
		if body == nil {
			body = &InitializeBody{}
		}
		w.Begin("initialize", Version1)
		w.PutText(body.RunID)
		w.PutText(body.Strategy)
		w.PutTexts(body.Kernels)
		w.PutText(body.Solver)
		w.End()
	case CmdNextChunk:
		body := m.Chunk
		if body == nil {
			body = &ChunkBody{}
		}
		w.Begin("next-chunk", Version1)
		w.PutInt32(body.Index)
		w.PutFloat64(body.FreqStart)
		w.PutFloat64(body.FreqEnd)
		w.PutFloat64(body.TimeStart)
		w.PutFloat64(body.TimeEnd)
		w.PutInt32(body.FirstCell)
		w.PutInt32(body.CellCount)
		w.PutFloat64s(body.Carry)
		w.End()
	case CmdSolve:
		w.Begin("solve", Version1)
		w.PutInt32(m.Iteration)
		w.End()
	case CmdFinalize:
	default:
		w.fail(ErrProtocolViolation, "unknown command type "+m.Type.String())
	}
}

func (m *Command) decode(r *Reader, _ int8) {
	m.Seq = r.Uint64()
	m.Type = CommandType(r.Uint8())
	if r.Err() != nil {
		return
	}
	switch m.Type {
	case CmdInitialize:
		if _, err := r.Begin("initialize"); err != nil {
			return
		}
		m.Init = &InitializeBody{
			RunID:    r.Text(),
			Strategy: r.Text(),
			Kernels:  r.Texts(),
			Solver:   r.Text(),
		}
		r.End()
	case CmdNextChunk:
		if _, err := r.Begin("next-chunk"); err != nil {
			return
		}
		m.Chunk = &ChunkBody{
			Index:     r.Int32(),
			FreqStart: r.Float64(),
			FreqEnd:   r.Float64(),
			TimeStart: r.Float64(),
			TimeEnd:   r.Float64(),
			FirstCell: r.Int32(),
			CellCount: r.Int32(),
			Carry:     r.Float64s(),
		}
		r.End()
	case CmdSolve:
		if _, err := r.Begin("solve"); err != nil {
			return
		}
		m.Iteration = r.Int32()
		r.End()
	case CmdFinalize:
	default:
		r.fail(ErrProtocolViolation, "unknown command type "+m.Type.String())
	}
}

// Ack reports a worker's completion of one command. Exactly one of Finished
// and Failed is 1 for a single worker.
type Ack struct {
	Seq       uint64
	Worker    string
	Finished  uint32
	Failed    uint32
	Readiness models.Readiness
	Iteration int32
	Error     string
	Solutions []models.CellSolution
}

func (*Ack) FrameName() string { return NameAck }

func (m *Ack) encode(w *Writer) {
	w.PutUint64(m.Seq)
	w.PutText(m.Worker)
	w.PutUint32(m.Finished)
	w.PutUint32(m.Failed)
	w.PutUint8(uint8(m.Readiness))
	w.PutInt32(m.Iteration)
	w.PutText(m.Error)
	putSolutions(w, m.Solutions)
}

func (m *Ack) decode(r *Reader, _ int8) {
	m.Seq = r.Uint64()
	m.Worker = r.Text()
	m.Finished = r.Uint32()
	m.Failed = r.Uint32()
	m.Readiness = models.Readiness(r.Uint8())
	m.Iteration = r.Int32()
	m.Error = r.Text()
	m.Solutions = readSolutions(r)
}

func putSolutions(w *Writer, sols []models.CellSolution) {
	w.putLen(len(sols))
	for _, s := range sols {
		w.Begin("solution", Version1)
		w.PutInt32(int32(s.CellID))
		w.PutFloat64s(s.Coeffs)
		w.PutInt32(int32(s.Rank))
		w.PutFloat64(s.ChiSq)
		w.PutFloat64(s.ResidualNorm)
		w.PutInt32(int32(s.Iteration))
		w.PutUint8(uint8(s.Readiness))
		w.End()
	}
}

func readSolutions(r *Reader) []models.CellSolution {
	n := r.count(HeaderSize + TrailerSize)
	if n == 0 {
		return nil
	}
	out := make([]models.CellSolution, 0, n)
	for i := 0; i < n; i++ {
		if _, err := r.Begin("solution"); err != nil {
			return nil
		}
		s := models.CellSolution{
			CellID:       int(r.Int32()),
			Coeffs:       r.Float64s(),
			Rank:         int(r.Int32()),
			ChiSq:        r.Float64(),
			ResidualNorm: r.Float64(),
			Iteration:    int(r.Int32()),
			Readiness:    models.Readiness(r.Uint8()),
		}
		if r.End() != nil {
			return nil
		}
		out = append(out, s)
	}
	return out
}

// IndexRequestEntry is one locally solvable parameter and its coefficient count
type IndexRequestEntry struct {
	Name  string
	Count int32
}

// IndexRequest is a kernel's contribution to index negotiation
type IndexRequest struct {
	Kernel  string
	Entries []IndexRequestEntry
}

func (*IndexRequest) FrameName() string { return NameIndexRequest }

func (m *IndexRequest) encode(w *Writer) {
	w.PutText(m.Kernel)
	w.putLen(len(m.Entries))
	for _, e := range m.Entries {
		w.PutText(e.Name)
		w.PutInt32(e.Count)
	}
}

func (m *IndexRequest) decode(r *Reader, _ int8) {
	m.Kernel = r.Text()
	n := r.count(8)
	if n == 0 {
		return
	}
	m.Entries = make([]IndexRequestEntry, n)
	for i := range m.Entries {
		m.Entries[i] = IndexRequestEntry{Name: r.Text(), Count: r.Int32()}
	}
}

// IndexEntry is one interval of the coefficient index
type IndexEntry struct {
	Name   string
	Offset int32
	Length int32
}

// IndexMessage carries the frozen coefficient index
type IndexMessage struct {
	Entries []IndexEntry
}

func (*IndexMessage) FrameName() string { return NameIndex }

func (m *IndexMessage) encode(w *Writer) {
	w.putLen(len(m.Entries))
	for _, e := range m.Entries {
		w.PutText(e.Name)
		w.PutInt32(e.Offset)
		w.PutInt32(e.Length)
	}
}

func (m *IndexMessage) decode(r *Reader, _ int8) {
	n := r.count(12)
	if n == 0 {
		return
	}
	m.Entries = make([]IndexEntry, n)
	for i := range m.Entries {
		m.Entries[i] = IndexEntry{Name: r.Text(), Offset: r.Int32(), Length: r.Int32()}
	}
}

// Interval is a run of coefficient values starting at a global offset
type Interval struct {
	Offset int32
	Values []float64
}

// CellValues holds the coefficient values one kernel knows for one cell
type CellValues struct {
	CellID    int32
	Intervals []Interval
}

// InitialValues carries a kernel's starting coefficients for a chunk
type InitialValues struct {
	Kernel   string
	ChunkSeq uint64
	Cells    []CellValues
}

func (*InitialValues) FrameName() string { return NameInitialValues }

func (m *InitialValues) encode(w *Writer) {
	w.PutText(m.Kernel)
	w.PutUint64(m.ChunkSeq)
	w.putLen(len(m.Cells))
	for _, c := range m.Cells {
		w.PutInt32(c.CellID)
		w.putLen(len(c.Intervals))
		for _, iv := range c.Intervals {
			w.PutInt32(iv.Offset)
			w.PutFloat64s(iv.Values)
		}
	}
}

func (m *InitialValues) decode(r *Reader, _ int8) {
	m.Kernel = r.Text()
	m.ChunkSeq = r.Uint64()
	n := r.count(8)
	if n == 0 {
		return
	}
	m.Cells = make([]CellValues, n)
	for i := range m.Cells {
		m.Cells[i].CellID = r.Int32()
		k := r.count(8)
		if k == 0 {
			continue
		}
		m.Cells[i].Intervals = make([]Interval, k)
		for j := range m.Cells[i].Intervals {
			m.Cells[i].Intervals[j] = Interval{Offset: r.Int32(), Values: r.Float64s()}
		}
	}
}

// Row is one condition equation: sparse derivatives, residual and weight.
type Row struct {
	Indices  []int32
	Values   []float64
	Residual float64
	Weight   float64
}

// EquationBatch carries rows assembled by one kernel for one cell. A batch
// with Final set closes the kernel's contribution to the iteration; with
// Failed also set the kernel could not assemble its equations.
type EquationBatch struct {
	Kernel    string
	ChunkSeq  uint64
	Iteration int32
	Cell      int32
	Final     bool
	Failed    bool
	Error     string
	Rows      []Row
}

func (*EquationBatch) FrameName() string { return NameEquationBatch }

func (m *EquationBatch) encode(w *Writer) {
	w.PutText(m.Kernel)
	w.PutUint64(m.ChunkSeq)
	w.PutInt32(m.Iteration)
	w.PutInt32(m.Cell)
	w.PutBool(m.Final)
	w.PutBool(m.Failed)
	w.PutText(m.Error)
	w.putLen(len(m.Rows))
	for _, row := range m.Rows {
		if len(row.Indices) != len(row.Values) {
			w.fail(ErrProtocolViolation, "row indices and values differ in length")
			return
		}
		w.PutInt32s(row.Indices)
		w.PutFloat64s(row.Values)
		w.PutFloat64(row.Residual)
		w.PutFloat64(row.Weight)
	}
}

func (m *EquationBatch) decode(r *Reader, _ int8) {
	m.Kernel = r.Text()
	m.ChunkSeq = r.Uint64()
	m.Iteration = r.Int32()
	m.Cell = r.Int32()
	m.Final = r.Bool()
	m.Failed = r.Bool()
	m.Error = r.Text()
	n := r.count(24)
	if n == 0 {
		return
	}
	m.Rows = make([]Row, n)
	for i := range m.Rows {
		row := Row{Indices: r.Int32s(), Values: r.Float64s(), Residual: r.Float64(), Weight: r.Float64()}
		if len(row.Indices) != len(row.Values) {
			r.fail(ErrProtocolViolation, "row indices and values differ in length")
			return
		}
		m.Rows[i] = row
	}
}

// Coefficients returns the solver's updated per-cell vectors to the kernels
type Coefficients struct {
	ChunkSeq  uint64
	Iteration int32
	Readiness models.Readiness
	Solutions []models.CellSolution
}

func (*Coefficients) FrameName() string { return NameCoefficients }

func (m *Coefficients) encode(w *Writer) {
	w.PutUint64(m.ChunkSeq)
	w.PutInt32(m.Iteration)
	w.PutUint8(uint8(m.Readiness))
	putSolutions(w, m.Solutions)
}

func (m *Coefficients) decode(r *Reader, _ int8) {
	m.ChunkSeq = r.Uint64()
	m.Iteration = r.Int32()
	m.Readiness = models.Readiness(r.Uint8())
	m.Solutions = readSolutions(r)
}

// Envelope addresses an encoded message for routing between processes
type Envelope struct {
	From    string
	To      string
	Payload []byte
}

func (*Envelope) FrameName() string { return NameEnvelope }

func (m *Envelope) encode(w *Writer) {
	w.PutText(m.From)
	w.PutText(m.To)
	w.PutBlob(m.Payload)
}

func (m *Envelope) decode(r *Reader, _ int8) {
	m.From = r.Text()
	m.To = r.Text()
	m.Payload = r.Blob()
}
