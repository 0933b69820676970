package pkg003

import ranger "github.com/ranger-se/ranger"

func modify(p *int64) {
	*p = 7
}

// SkipRecover reads a location written only by a skipped callee, so the
// value must come back through recovery.
func SkipRecover() {
	var x int64
	modify(&x)
	y := x
	ranger.Assert(y == 7)
}

// SkipRecoverTwice loads the recovered location twice; the second load
// must be served from the recovery cache.
func SkipRecoverTwice() {
	var x int64
	modify(&x)
	y := x
	z := x
	ranger.Assert(y == z)
}
