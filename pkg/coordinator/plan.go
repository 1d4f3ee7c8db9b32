package coordinator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ordersaga/ordersaga/pkg/saga"
)

// Mode selects how participant steps are grouped into stages.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// ParseMode parses a mode name. Empty means sequential.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeSequential:
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	default:
		return "", fmt.Errorf("unknown saga mode %q", raw)
	}
}

// Plan is the ordered list of stages of one saga. Steps within a stage run
// concurrently; PAYMENT is always a stage of its own, last.
type Plan struct {
	Mode   Mode
	Stages [][]saga.Step
}

// BuildPlan derives the plan for payload. Steps the order does not need are
// left out.
func BuildPlan(mode Mode, payload saga.Payload) Plan {
	steps := []saga.Step{saga.StepInventory}
	if payload.CouponID != nil {
		steps = append(steps, saga.StepCoupon)
	}
	if payload.PointsToUse > 0 {
		steps = append(steps, saga.StepPoints)
	}

	plan := Plan{Mode: mode}
	if mode == ModeParallel {
		plan.Stages = append(plan.Stages, steps)
	} else {
		for _, s := range steps {
			plan.Stages = append(plan.Stages, []saga.Step{s})
		}
	}
	plan.Stages = append(plan.Stages, []saga.Step{saga.StepPayment})
	return plan
}

// PlanFor rebuilds the plan an instance was admitted with.
func PlanFor(instance *saga.Instance) Plan {
	mode, err := ParseMode(instance.Mode)
	if err != nil {
		mode = ModeSequential
	}
	return BuildPlan(mode, instance.Payload)
}

// StageOf returns the stage index that contains step.
func (p Plan) StageOf(step saga.Step) (int, bool) {
	for i, stage := range p.Stages {
		for _, s := range stage {
			if s == step {
				return i, true
			}
		}
	}
	return 0, false
}

// Last returns the index of the payment stage.
func (p Plan) Last() int { return len(p.Stages) - 1 }

// Has reports whether stage k contains step.
func (p Plan) Has(k int, step saga.Step) bool {
	if k < 0 || k >= len(p.Stages) {
		return false
	}
	for _, s := range p.Stages[k] {
		if s == step {
			return true
		}
	}
	return false
}

func stepNames(steps []saga.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s)
	}
	return out
}

// Direction of a correlation.
const (
	dirForward    = "fwd"
	dirCompensate = "cmp"
	dirLate       = "late"
)

// Correlation identifies one aggregator join: <sagaId>:<dir>:<stage>[:<attempt>].
type Correlation struct {
	SagaID    string
	Direction string
	Stage     int
	Attempt   int64
}

func (c Correlation) String() string {
	s := fmt.Sprintf("%s:%s:%d", c.SagaID, c.Direction, c.Stage)
	if c.Attempt > 0 {
		s += ":" + strconv.FormatInt(c.Attempt, 10)
	}
	return s
}

// ParseCorrelation parses a correlation id.
func ParseCorrelation(raw string) (Correlation, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return Correlation{}, fmt.Errorf("malformed correlation id %q", raw)
	}
	c := Correlation{SagaID: parts[0], Direction: parts[1]}
	switch c.Direction {
	case dirForward, dirCompensate, dirLate:
	default:
		return Correlation{}, fmt.Errorf("malformed correlation id %q", raw)
	}
	stage, err := strconv.Atoi(parts[2])
	if err != nil || stage < 0 || c.SagaID == "" {
		return Correlation{}, fmt.Errorf("malformed correlation id %q", raw)
	}
	c.Stage = stage
	if len(parts) == 4 {
		c.Attempt, err = strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Correlation{}, fmt.Errorf("malformed correlation id %q", raw)
		}
	}
	return c, nil
}
