package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// printResult writes the outcome of a run. It reports whether the run
// faulted.
func printResult(w io.Writer, res *executor.ExecutionResult, stats bool) bool {
	blue := color.New(color.FgBlue).SprintFunc()
	redBold := color.New(color.FgRed, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, line := range res.Logs {
		fmt.Fprintf(w, "%s %s\n", blue("log:"), line)
	}

	if res.Fault != nil {
		fmt.Fprintf(w, "%s %s\n", redBold(res.Fault.Kind+" fault:"), res.Fault.Message)
	} else {
		fmt.Fprintf(w, "ebpf program result is %x\n", res.ReturnValue)
	}
	if res.HelperMisses > 0 {
		fmt.Fprintf(w, "%s %d call(s) to unregistered helpers\n", yellow("warning:"), res.HelperMisses)
	}

	if stats {
		fmt.Fprintf(w, "program:       %s\n", res.ProgramID)
		fmt.Fprintf(w, "instructions:  %d\n", res.Instructions)
		fmt.Fprintf(w, "compute units: %d\n", res.ComputeUnitsUsed)
		fmt.Fprintf(w, "helper calls:  %d\n", res.HelperCalls)
		fmt.Fprintf(w, "duration:      %s\n", res.Duration)
		if res.Seq > 0 {
			fmt.Fprintf(w, "journal seq:   %d\n", res.Seq)
		}
	}
	return res.Fault != nil
}

// printRecords writes journal records one per line.
func printRecords(w io.Writer, recs []runlog.Record) {
	red := color.New(color.FgRed).SprintFunc()
	for _, r := range recs {
		outcome := fmt.Sprintf("r0=%#x", r.ReturnValue)
		if r.Outcome == runlog.OutcomeFault {
			outcome = red(fmt.Sprintf("%s fault at pc %d", r.FaultKind, r.PC))
		}
		fmt.Fprintf(w, "%6d  %s  %s  %-28s cu=%d insns=%d %s\n",
			r.Seq, r.Started.Local().Format("2006-01-02 15:04:05"), r.ProgramID.Short(),
			outcome, r.ComputeUsed, r.Instructions, r.Duration)
	}
}

// tracer prints every instruction with the registers before it runs.
func tracer(w io.Writer) vm.Tracer {
	dim := color.New(color.Faint).SprintFunc()
	return func(pc int, ins vm.Instruction, regs *vm.Registers) {
		fmt.Fprintf(w, "%4d: %-24s %s\n", pc, ins.String(), dim(regs.String()))
	}
}
