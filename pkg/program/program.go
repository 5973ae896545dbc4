// Package program defines the narrow contracts this module consumes from a
// disassembler or decompiler: function and instruction lookup, symbol
// creation, and forward constant propagation.
//
// The analysis code never touches a binary directly; everything flows
// through these interfaces so any host program model can be plugged in.
package program

import (
	"context"
	"errors"
)

// ErrNoFunction is returned when no function exists (or can be created) at
// an address.
var ErrNoFunction = errors.New("no function at address")

// Register names a machine register in the host's naming scheme ("x0",
// "rdi", ...).
type Register string

// Function is a function known to the host program model.
type Function struct {
	Entry uint64
	End   uint64
	Name  string // qualified where known, e.g. "IOService::~IOService"

	// ThisRegister is the register carrying the first (this) parameter.
	ThisRegister Register
	// ParamStructName names the pointee structure of the first parameter,
	// or "" when the host has no typed signature for it.
	ParamStructName string
}

// Instruction is the minimal view of one instruction the analysis needs.
type Instruction struct {
	Addr     uint64
	Next     uint64 // address of the following instruction (past delay slots)
	IsCall   bool
	Computed bool   // computed (indirect) call
	Target   uint64 // direct call/flow target, 0 otherwise
}

// Model is the host program abstraction.
type Model interface {
	// PointerSize returns the default pointer size in bytes.
	PointerSize() int

	// FunctionAt returns the function containing addr.
	// It returns ErrNoFunction if none is defined there.
	FunctionAt(addr uint64) (*Function, error)

	// EnsureFunction returns the function at addr, creating one (the
	// disassemble-and-define fallback) if the host allows it.
	EnsureFunction(addr uint64) (*Function, error)

	// Instructions returns fn's instruction stream in address order.
	Instructions(fn *Function) ([]Instruction, error)

	// EnsureLabel creates the named label at addr under the given
	// namespace scope unless an identical one already exists.
	EnsureLabel(addr uint64, name, namespace string) error
}

// Propagator is the forward constant propagation contract. One Propagator
// tracks a single flow over a single function body.
type Propagator interface {
	// Seed binds reg to a representative value before flowing.
	Seed(reg Register, value uint64)

	// Flow propagates register values forward from entry through the
	// function body, honoring cancellation.
	Flow(ctx context.Context, entry uint64) error

	// Value reports the propagated value of reg at the given instruction
	// address, if one is known.
	Value(addr uint64, reg Register) (int64, bool)
}

// PropagatorFactory creates a fresh Propagator per analyzed function.
type PropagatorFactory func() Propagator
