package saga

import "fmt"

// Step identifies one position in the fulfillment sequence.
type Step string

const (
	StepInventory Step = "INVENTORY"
	StepCoupon    Step = "COUPON"
	StepPoints    Step = "POINTS"
	StepPayment   Step = "PAYMENT"
)

// Sequence is the single ordered list that defines both forward and backward movement.
var Sequence = []Step{StepInventory, StepCoupon, StepPoints, StepPayment}

// Index returns the position of s in Sequence, or -1.
func Index(s Step) int {
	for i, candidate := range Sequence {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is part of Sequence.
func (s Step) Valid() bool {
	return Index(s) >= 0
}

// Next returns the step following s.
func Next(s Step) (Step, bool) {
	i := Index(s)
	if i < 0 || i+1 >= len(Sequence) {
		return "", false
	}
	return Sequence[i+1], true
}

// Previous returns the step preceding s.
func Previous(s Step) (Step, bool) {
	i := Index(s)
	if i <= 0 {
		return "", false
	}
	return Sequence[i-1], true
}

// Before reports whether a comes strictly before b.
func Before(a, b Step) bool {
	ia, ib := Index(a), Index(b)
	return ia >= 0 && ib >= 0 && ia < ib
}

// ParseStep parses a step name.
func ParseStep(raw string) (Step, error) {
	s := Step(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown saga step %q", raw)
	}
	return s, nil
}
