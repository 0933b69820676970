package pkg001

import ranger "github.com/ranger-se/ranger"

// Branch has two feasible paths over a symbolic input.
func Branch(x int8) int8 {
	if x > 0 {
		return 1
	}
	return 0
}

// Checked asserts a trivially true condition on both paths.
func Checked(x int8) {
	t := int8(0)
	if x > 0 {
		t = 1
	}
	ranger.Assert(t < 2)
}

// Guarded asserts a condition that fails on one path.
func Guarded(x int8) {
	ranger.Assert(x != 3)
}
