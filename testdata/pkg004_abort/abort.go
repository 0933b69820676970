package pkg004

import ranger "github.com/ranger-se/ranger"

// Crash aborts on one specific input value.
func Crash(x int8) {
	if x == 42 {
		ranger.Abort()
	}
}
