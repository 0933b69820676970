package dist_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ranger-se/ranger/dist"
)

func TestCompositePrefix(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		histories := []string{"0010", "0011", "010"}
		composite := dist.EncodeCompositePrefix(histories)
		if got, exp := composite, "0-010-011-10"; got != exp {
			t.Fatalf("composite=%q, expected %q", got, exp)
		}
		if diff := cmp.Diff(histories, dist.DecodeCompositePrefix(composite)); diff != "" {
			t.Fatalf("round trip mismatch: %s", diff)
		}
	})

	t.Run("SingleHistory", func(t *testing.T) {
		composite := dist.EncodeCompositePrefix([]string{"0110"})
		if got, exp := composite, "0110-"; got != exp {
			t.Fatalf("composite=%q, expected %q", got, exp)
		}
		if diff := cmp.Diff([]string{"0110"}, dist.DecodeCompositePrefix(composite)); diff != "" {
			t.Fatalf("round trip mismatch: %s", diff)
		}
	})

	t.Run("BareHistoryDecodes", func(t *testing.T) {
		if diff := cmp.Diff([]string{"010"}, dist.DecodeCompositePrefix("010")); diff != "" {
			t.Fatalf("decode mismatch: %s", diff)
		}
	})

	t.Run("NoCommonPrefix", func(t *testing.T) {
		histories := []string{"00", "11"}
		composite := dist.EncodeCompositePrefix(histories)
		if got, exp := composite, "-00-11"; got != exp {
			t.Fatalf("composite=%q, expected %q", got, exp)
		}
		if diff := cmp.Diff(histories, dist.DecodeCompositePrefix(composite)); diff != "" {
			t.Fatalf("round trip mismatch: %s", diff)
		}
	})
}
