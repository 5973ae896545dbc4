package program

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Snapshot is a serialized program model: functions, their instruction
// streams, and propagated register values. Addresses are hex strings so
// kernel-range pointers survive JSON number precision.
type Snapshot struct {
	PointerSize int                `json:"pointer_size,omitempty"`
	Functions   []SnapshotFunction `json:"functions"`
	Values      []SnapshotValue    `json:"values,omitempty"`
}

// SnapshotFunction is one function in a Snapshot.
type SnapshotFunction struct {
	Entry        string                `json:"entry"`
	End          string                `json:"end,omitempty"`
	Name         string                `json:"name,omitempty"`
	ThisRegister string                `json:"this_register,omitempty"`
	ParamStruct  string                `json:"param_struct,omitempty"`
	Instructions []SnapshotInstruction `json:"instructions,omitempty"`
}

// SnapshotInstruction is one instruction in a Snapshot.
type SnapshotInstruction struct {
	Addr     string `json:"addr"`
	Next     string `json:"next,omitempty"`
	IsCall   bool   `json:"is_call,omitempty"`
	Computed bool   `json:"computed,omitempty"`
	Target   string `json:"target,omitempty"`
}

// SnapshotValue is one propagated register value at an instruction site.
type SnapshotValue struct {
	Addr  string `json:"addr"`
	Reg   string `json:"reg"`
	Value int64  `json:"value"`
}

func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// LoadSnapshot reads a JSON program snapshot into a MemoryModel.
func LoadSnapshot(path string) (*MemoryModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse program snapshot: %w", err)
	}

	m := NewMemoryModel(snap.PointerSize)
	for _, sf := range snap.Functions {
		entry, err := parseAddr(sf.Entry)
		if err != nil {
			return nil, err
		}
		end, err := parseAddr(sf.End)
		if err != nil {
			return nil, err
		}
		fn := Function{
			Entry:           entry,
			End:             end,
			Name:            sf.Name,
			ThisRegister:    Register(sf.ThisRegister),
			ParamStructName: sf.ParamStruct,
		}
		insts := make([]Instruction, 0, len(sf.Instructions))
		for _, si := range sf.Instructions {
			addr, err := parseAddr(si.Addr)
			if err != nil {
				return nil, err
			}
			next, err := parseAddr(si.Next)
			if err != nil {
				return nil, err
			}
			target, err := parseAddr(si.Target)
			if err != nil {
				return nil, err
			}
			insts = append(insts, Instruction{
				Addr:     addr,
				Next:     next,
				IsCall:   si.IsCall,
				Computed: si.Computed,
				Target:   target,
			})
		}
		m.AddFunction(fn, insts)
	}
	for _, sv := range snap.Values {
		addr, err := parseAddr(sv.Addr)
		if err != nil {
			return nil, err
		}
		m.SetValue(addr, Register(sv.Reg), sv.Value)
	}
	return m, nil
}
