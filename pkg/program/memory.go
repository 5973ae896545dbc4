package program

import (
	"context"
	"fmt"
	"sort"
)

// MemoryModel is an in-memory Model implementation. It backs tests and the
// CLI's snapshot mode, standing in for a live disassembler connection.
type MemoryModel struct {
	ptrSize int
	funcs   map[uint64]*Function
	insts   map[uint64][]Instruction // keyed by function entry
	labels  map[uint64]label
	values  map[uint64]map[Register]int64 // propagated values per site
}

type label struct {
	name      string
	namespace string
}

// NewMemoryModel creates an empty model with the given pointer size.
func NewMemoryModel(ptrSize int) *MemoryModel {
	if ptrSize == 0 {
		ptrSize = 8
	}
	return &MemoryModel{
		ptrSize: ptrSize,
		funcs:   make(map[uint64]*Function),
		insts:   make(map[uint64][]Instruction),
		labels:  make(map[uint64]label),
		values:  make(map[uint64]map[Register]int64),
	}
}

// AddFunction defines a function and its instruction stream.
func (m *MemoryModel) AddFunction(fn Function, insts []Instruction) {
	cp := fn
	m.funcs[fn.Entry] = &cp
	sorted := append([]Instruction(nil), insts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	m.insts[fn.Entry] = sorted
}

// SetValue records a propagated register value at an instruction address, to
// be served by propagators created from this model.
func (m *MemoryModel) SetValue(addr uint64, reg Register, value int64) {
	if m.values[addr] == nil {
		m.values[addr] = make(map[Register]int64)
	}
	m.values[addr][reg] = value
}

func (m *MemoryModel) PointerSize() int { return m.ptrSize }

func (m *MemoryModel) FunctionAt(addr uint64) (*Function, error) {
	if fn, ok := m.funcs[addr]; ok {
		return fn, nil
	}
	for _, fn := range m.funcs {
		if addr > fn.Entry && addr < fn.End {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %#x", ErrNoFunction, addr)
}

func (m *MemoryModel) EnsureFunction(addr uint64) (*Function, error) {
	if fn, err := m.FunctionAt(addr); err == nil {
		return fn, nil
	}
	fn := &Function{
		Entry: addr,
		Name:  fmt.Sprintf("FUN_%08x", addr),
	}
	m.funcs[addr] = fn
	return fn, nil
}

func (m *MemoryModel) Instructions(fn *Function) ([]Instruction, error) {
	insts, ok := m.insts[fn.Entry]
	if !ok {
		return nil, fmt.Errorf("no instruction stream for function at %#x", fn.Entry)
	}
	return insts, nil
}

func (m *MemoryModel) EnsureLabel(addr uint64, name, namespace string) error {
	if l, ok := m.labels[addr]; ok && l.name == name && l.namespace == namespace {
		return nil
	}
	m.labels[addr] = label{name: name, namespace: namespace}
	return nil
}

// Label reports the label at addr, if any.
func (m *MemoryModel) Label(addr uint64) (name, namespace string, ok bool) {
	l, found := m.labels[addr]
	return l.name, l.namespace, found
}

// NewPropagator returns a Propagator serving the values recorded on this
// model. Flow is a no-op: the values are assumed to already reflect a
// completed propagation, the same role the emulator adapter plays for
// vtable discovery.
func (m *MemoryModel) NewPropagator() Propagator {
	return &memoryPropagator{values: m.values, seeds: make(map[Register]uint64)}
}

type memoryPropagator struct {
	values map[uint64]map[Register]int64
	seeds  map[Register]uint64
	flowed bool
}

func (p *memoryPropagator) Seed(reg Register, value uint64) {
	p.seeds[reg] = value
}

func (p *memoryPropagator) Flow(ctx context.Context, entry uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.flowed = true
	return nil
}

func (p *memoryPropagator) Value(addr uint64, reg Register) (int64, bool) {
	if !p.flowed {
		return 0, false
	}
	regs, ok := p.values[addr]
	if !ok {
		return 0, false
	}
	v, ok := regs[reg]
	return v, ok
}
