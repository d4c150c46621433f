// Package executor runs programs on behalf of the CLI and the server.
//
// An Executor resolves a program (from the store or an inline image),
// prepares its address space and helpers, runs it under a compute budget
// and a deadline, and records the outcome in the journal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/ebpfvm/internal/fixture"
	"github.com/fortiblox/ebpfvm/pkg/helpers"
	"github.com/fortiblox/ebpfvm/pkg/loader"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// Executor errors.
var (
	ErrNoProgram         = errors.New("request names no program")
	ErrNoStore           = errors.New("no program store configured")
	ErrProgramLoadFailed = errors.New("program load failed")
	ErrMemoryTooLarge    = errors.New("memory too large")
	ErrStackTooLarge     = errors.New("stack too large")
)

// Maximum sizes.
const (
	MaxMemorySize = 64 * 1024 * 1024 // 64 MB address space
	MaxStackSize  = 1024 * 1024      // 1 MB stack
)

// Config holds executor defaults. Requests may ask for a smaller compute
// budget or a shorter timeout, never a larger one.
type Config struct {
	MemorySize   int
	StackSize    int
	ComputeLimit uint64
	Timeout      time.Duration // Zero disables the wall clock limit

	// HelperSeed seeds get_prandom_u32; time based when zero.
	HelperSeed int64
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MemorySize:   vm.DefaultMemorySize,
		StackSize:    vm.DefaultStackSize,
		ComputeLimit: vm.DefaultComputeUnits,
		Timeout:      10 * time.Second,
	}
}

// Request describes one run.
type Request struct {
	// ProgramID selects a stored program. When zero, Image is loaded.
	ProgramID progstore.ProgramID

	// Image is a program in any loader format.
	Image []byte

	// Memory is copied to the start of the address space before the run.
	Memory []byte

	MemorySize   int
	StackSize    int
	ComputeLimit uint64
	Timeout      time.Duration

	// UseFixture pre-populates the demonstration memory and registers the
	// demonstration helpers. Memory is applied on top of the fixture.
	UseFixture bool

	// ReturnMemory copies the final address space into the result.
	ReturnMemory bool

	Trace vm.Tracer
}

// FaultInfo describes the fault that ended a run.
type FaultInfo struct {
	Kind    string
	PC      int
	Opcode  uint8
	Addr    uint64
	Message string
}

// ExecutionResult contains the outcome of a run.
type ExecutionResult struct {
	// ProgramID is the digest of the program that ran.
	ProgramID progstore.ProgramID

	// Success is true when the program reached exit.
	Success bool

	// ReturnValue is the value in r0 at exit.
	ReturnValue uint64

	// Fault is set when the run ended in a fault.
	Fault *FaultInfo

	ComputeUnitsUsed uint64
	Instructions     uint64
	HelperCalls      uint64
	HelperMisses     uint64
	Duration         time.Duration

	// Logs contains trace_printk output.
	Logs []string

	// Memory is the final address space when requested.
	Memory []byte

	// Seq is the journal sequence number, zero when not journaled.
	Seq uint64
}

// Executor runs programs.
type Executor struct {
	store   progstore.Store
	journal *runlog.Journal
	config  Config
	log     commonlog.Logger

	mu           sync.Mutex
	programCache map[progstore.ProgramID]*vm.Program
}

// New creates an executor. store and journal may be nil.
func New(store progstore.Store, journal *runlog.Journal, config Config) *Executor {
	def := DefaultConfig()
	if config.MemorySize == 0 {
		config.MemorySize = def.MemorySize
	}
	if config.StackSize == 0 {
		config.StackSize = def.StackSize
	}
	if config.ComputeLimit == 0 {
		config.ComputeLimit = def.ComputeLimit
	}
	return &Executor{
		store:        store,
		journal:      journal,
		config:       config,
		log:          commonlog.GetLogger("ebpfvm.executor"),
		programCache: make(map[progstore.ProgramID]*vm.Program),
	}
}

// Upload loads an image in any loader format and stores its bytecode.
func (e *Executor) Upload(name string, image []byte) (progstore.ProgramID, error) {
	if e.store == nil {
		return progstore.ProgramID{}, ErrNoStore
	}
	img, err := loader.LoadBytes(image)
	if err != nil {
		return progstore.ProgramID{}, fmt.Errorf("%w: %v", ErrProgramLoadFailed, err)
	}
	id, err := e.store.Put(name, img.Bytecode())
	if err != nil {
		return progstore.ProgramID{}, err
	}
	e.log.Infof("uploaded program %s (%s, %d slots)", id, img.Format, img.Program.Len())
	return id, nil
}

// History returns journal records for a program, newest first.
func (e *Executor) History(id progstore.ProgramID, limit int) ([]runlog.Record, error) {
	if e.journal == nil {
		return nil, nil
	}
	return e.journal.List(id, limit)
}

// Execute runs one request. Faults raised by the program are reported in
// the result; the error is reserved for requests that could not run.
func (e *Executor) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	id, prog, err := e.loadProgram(req)
	if err != nil {
		return nil, err
	}

	memSize := req.MemorySize
	if memSize == 0 {
		memSize = e.config.MemorySize
		if len(req.Memory) > memSize {
			memSize = len(req.Memory)
		}
	}
	if memSize > MaxMemorySize || len(req.Memory) > memSize {
		return nil, fmt.Errorf("%w: %d bytes of memory, %d byte address space", ErrMemoryTooLarge, len(req.Memory), memSize)
	}
	stackSize := req.StackSize
	if stackSize == 0 {
		stackSize = e.config.StackSize
	}
	if stackSize > MaxStackSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrStackTooLarge, stackSize)
	}
	limit, timeout := e.budget(req)

	mem := vm.NewAddressSpace(memSize)
	registry := vm.NewHelperRegistry()
	if req.UseFixture {
		fixture.Populate(mem)
		fixture.Install(registry, mem)
	}
	if err := mem.Load(0, req.Memory); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	machine := vm.New(prog, vm.Options{
		Memory:       mem,
		StackSize:    stackSize,
		ComputeLimit: limit,
		Helpers:      registry,
		Tracer:       req.Trace,
	})
	lib := helpers.New(machine.MemoryMap(), helpers.Options{Seed: e.config.HelperSeed})
	lib.Install(registry)

	started := time.Now()
	r0, runErr := machine.Run(ctx)
	stats := machine.Stats()

	result := &ExecutionResult{
		ProgramID:        id,
		Success:          runErr == nil,
		ReturnValue:      r0,
		ComputeUnitsUsed: stats.ComputeUsed,
		Instructions:     stats.Instructions,
		HelperCalls:      stats.HelperCalls,
		HelperMisses:     stats.HelperMisses,
		Duration:         time.Since(started),
		Logs:             lib.Logs(),
	}
	if runErr != nil {
		f, ok := vm.AsFault(runErr)
		if !ok {
			return nil, runErr
		}
		result.Fault = &FaultInfo{
			Kind:    f.Kind.String(),
			PC:      f.PC,
			Opcode:  f.Opcode,
			Addr:    f.Addr,
			Message: f.Error(),
		}
		e.log.Debugf("program %s faulted: %s", id.Short(), f)
	}
	if req.ReturnMemory {
		result.Memory = append([]byte(nil), mem.Bytes()...)
	}

	if e.journal != nil {
		seq, err := e.journal.Append(record(result, started))
		if err != nil {
			e.log.Warningf("journal append for %s: %s", id.Short(), err)
		} else {
			result.Seq = seq
		}
	}
	return result, nil
}

// budget returns the compute limit and timeout of a run. Request values
// only apply when they tighten the configured ones.
func (e *Executor) budget(req Request) (uint64, time.Duration) {
	limit := e.config.ComputeLimit
	if req.ComputeLimit > 0 && req.ComputeLimit < limit {
		limit = req.ComputeLimit
	}
	timeout := e.config.Timeout
	if req.Timeout > 0 && (timeout == 0 || req.Timeout < timeout) {
		timeout = req.Timeout
	}
	return limit, timeout
}

// loadProgram resolves the program named by a request.
func (e *Executor) loadProgram(req Request) (progstore.ProgramID, *vm.Program, error) {
	if !req.ProgramID.IsZero() {
		e.mu.Lock()
		prog, ok := e.programCache[req.ProgramID]
		e.mu.Unlock()
		if ok {
			return req.ProgramID, prog, nil
		}
		if e.store == nil {
			return progstore.ProgramID{}, nil, ErrNoStore
		}
		prog, err := e.store.Program(req.ProgramID)
		if err != nil {
			return progstore.ProgramID{}, nil, err
		}
		e.mu.Lock()
		e.programCache[req.ProgramID] = prog
		e.mu.Unlock()
		return req.ProgramID, prog, nil
	}

	if len(req.Image) == 0 {
		return progstore.ProgramID{}, nil, ErrNoProgram
	}
	img, err := loader.LoadBytes(req.Image)
	if err != nil {
		return progstore.ProgramID{}, nil, fmt.Errorf("%w: %v", ErrProgramLoadFailed, err)
	}
	return progstore.NewProgramID(img.Bytecode()), img.Program, nil
}

// Delete removes a stored program and drops it from the program cache.
func (e *Executor) Delete(id progstore.ProgramID) error {
	if e.store == nil {
		return ErrNoStore
	}
	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.programCache, id)
	e.mu.Unlock()
	e.log.Infof("deleted program %s", id)
	return nil
}

// ClearCache clears the program cache.
func (e *Executor) ClearCache() {
	e.mu.Lock()
	e.programCache = make(map[progstore.ProgramID]*vm.Program)
	e.mu.Unlock()
}

func record(res *ExecutionResult, started time.Time) runlog.Record {
	rec := runlog.Record{
		ProgramID:    res.ProgramID,
		Started:      started.UTC(),
		Duration:     res.Duration,
		Outcome:      runlog.OutcomeReturned,
		ReturnValue:  res.ReturnValue,
		ComputeUsed:  res.ComputeUnitsUsed,
		Instructions: res.Instructions,
		HelperMisses: res.HelperMisses,
	}
	if res.Fault != nil {
		rec.Outcome = runlog.OutcomeFault
		rec.FaultKind = res.Fault.Kind
		rec.FaultMessage = res.Fault.Message
		rec.PC = res.Fault.PC
	}
	return rec
}
