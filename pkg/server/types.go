package server

import (
	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
)

// UploadRequest stores a program image under an optional name.
type UploadRequest struct {
	Name  string `cbor:"1,keyasint,omitempty"`
	Image []byte `cbor:"2,keyasint"` // raw, ELF or zstd
}

// UploadResponse carries the ID of an uploaded program.
type UploadResponse struct {
	ProgramID string `cbor:"1,keyasint"`
}

// RunRequest runs a stored program, or an inline image when Program is
// empty. Program is a name or a base58 ID.
type RunRequest struct {
	Program       string `cbor:"1,keyasint,omitempty"`
	Image         []byte `cbor:"2,keyasint,omitempty"`
	Memory        []byte `cbor:"3,keyasint,omitempty"`
	MemorySize    uint32 `cbor:"4,keyasint,omitempty"`
	StackSize     uint32 `cbor:"5,keyasint,omitempty"`
	ComputeLimit  uint64 `cbor:"6,keyasint,omitempty"`
	TimeoutMillis uint32 `cbor:"7,keyasint,omitempty"`
	UseFixture    bool   `cbor:"8,keyasint,omitempty"`
	ReturnMemory  bool   `cbor:"9,keyasint,omitempty"`
}

// Fault describes the fault that ended a run.
type Fault struct {
	Kind    string `cbor:"1,keyasint"`
	PC      int    `cbor:"2,keyasint"`
	Opcode  uint8  `cbor:"3,keyasint"`
	Addr    uint64 `cbor:"4,keyasint,omitempty"`
	Message string `cbor:"5,keyasint"`
}

// RunResponse is the outcome of a run. A program fault is a successful RPC
// with Fault set.
type RunResponse struct {
	ProgramID        string   `cbor:"1,keyasint"`
	Success          bool     `cbor:"2,keyasint"`
	ReturnValue      uint64   `cbor:"3,keyasint"`
	Fault            *Fault   `cbor:"4,keyasint,omitempty"`
	ComputeUnitsUsed uint64   `cbor:"5,keyasint"`
	Instructions     uint64   `cbor:"6,keyasint"`
	HelperCalls      uint64   `cbor:"7,keyasint"`
	HelperMisses     uint64   `cbor:"8,keyasint"`
	DurationMicros   int64    `cbor:"9,keyasint"`
	Logs             []string `cbor:"10,keyasint,omitempty"`
	Memory           []byte   `cbor:"11,keyasint,omitempty"`
	Seq              uint64   `cbor:"12,keyasint,omitempty"`
}

// HistoryRequest asks for journal records. An empty Program lists every
// program's runs.
type HistoryRequest struct {
	Program string `cbor:"1,keyasint,omitempty"`
	Limit   int    `cbor:"2,keyasint,omitempty"`
}

// HistoryResponse lists journal records, newest first.
type HistoryResponse struct {
	Records []runlog.Record `cbor:"1,keyasint"`
}

// ListRequest asks for the stored programs.
type ListRequest struct{}

// ListResponse lists stored programs, oldest first.
type ListResponse struct {
	Programs []progstore.Meta `cbor:"1,keyasint"`
}

func runResponse(res *executor.ExecutionResult) *RunResponse {
	resp := &RunResponse{
		ProgramID:        res.ProgramID.String(),
		Success:          res.Success,
		ReturnValue:      res.ReturnValue,
		ComputeUnitsUsed: res.ComputeUnitsUsed,
		Instructions:     res.Instructions,
		HelperCalls:      res.HelperCalls,
		HelperMisses:     res.HelperMisses,
		DurationMicros:   res.Duration.Microseconds(),
		Logs:             res.Logs,
		Memory:           res.Memory,
		Seq:              res.Seq,
	}
	if f := res.Fault; f != nil {
		resp.Fault = &Fault{
			Kind:    f.Kind,
			PC:      f.PC,
			Opcode:  f.Opcode,
			Addr:    f.Addr,
			Message: f.Message,
		}
	}
	return resp
}
