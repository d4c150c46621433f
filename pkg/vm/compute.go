package vm

// DefaultComputeUnits bounds a run when no limit is configured.
const DefaultComputeUnits = uint64(1_000_000)

// Unit prices, charged before an instruction executes.
const (
	CostALU   = uint64(1)
	CostMul   = uint64(4)
	CostDiv   = uint64(12) // div and mod
	CostLoad  = uint64(2)
	CostStore = uint64(2)
	CostLddw  = uint64(2)
	CostJump  = uint64(1)
	CostCall  = uint64(5)
	CostExit  = uint64(1)
)

// classCost is the price of an opcode by class. Class 6 is unused and
// priced like an ALU op so unknown opcodes still pay before they fault.
var classCost = [8]uint64{
	ClassLd:    CostLoad,
	ClassLdx:   CostLoad,
	ClassSt:    CostStore,
	ClassStx:   CostStore,
	ClassAlu:   CostALU,
	ClassJmp:   CostJump,
	6:          CostALU,
	ClassAlu64: CostALU,
}

func instructionCost(op uint8) uint64 {
	switch op {
	case OpLddw:
		return CostLddw
	case OpCall:
		return CostCall
	case OpExit:
		return CostExit
	}
	class := op & 0x07
	if class == ClassAlu || class == ClassAlu64 {
		switch op & 0xf0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		}
	}
	return classCost[class]
}

// ComputeMeter charges instruction prices against a fixed budget.
type ComputeMeter struct {
	limit uint64
	used  uint64
}

// NewComputeMeter returns a meter holding limit units, or
// DefaultComputeUnits when limit is zero.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit == 0 {
		limit = DefaultComputeUnits
	}
	return &ComputeMeter{limit: limit}
}

// Consume charges cost units. A charge the remaining budget cannot cover
// spends it entirely and returns ErrBudgetExceeded.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cost > cm.limit-cm.used {
		cm.used = cm.limit
		return ErrBudgetExceeded
	}
	cm.used += cost
	return nil
}

func (cm *ComputeMeter) Remaining() uint64 { return cm.limit - cm.used }

func (cm *ComputeMeter) Used() uint64 { return cm.used }

func (cm *ComputeMeter) Limit() uint64 { return cm.limit }
