package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestPrefixTree(t *testing.T) {
	t.Run("PathToResumeFollowsLongestCommonPath", func(t *testing.T) {
		tree := ranger.NewPrefixTree()
		tree.Add("00")
		tree.Add("110")
		tree.Add("111")

		if got, exp := tree.PathToResume("0010"), "00"; got != exp {
			t.Fatalf("PathToResume=%q, expected %q", got, exp)
		}
		if got, exp := tree.PathToResume("1101"), "110"; got != exp {
			t.Fatalf("PathToResume=%q, expected %q", got, exp)
		}
		if got, exp := tree.PathToResume("111"), "111"; got != exp {
			t.Fatalf("PathToResume=%q, expected %q", got, exp)
		}
	})

	t.Run("EmptyTreeResumesNothing", func(t *testing.T) {
		tree := ranger.NewPrefixTree()
		if got := tree.PathToResume("0101"); got != "" {
			t.Fatalf("PathToResume=%q, expected empty", got)
		}
	})
}

func TestCanonicalHistory(t *testing.T) {
	for _, tt := range []struct {
		in, exp string
	}{
		{"", ""},
		{"0123", "0101"},
		{"2-3", "01"},
		{"001122", "001100"},
	} {
		if got := ranger.CanonicalHistory(tt.in); got != tt.exp {
			t.Fatalf("CanonicalHistory(%q)=%q, expected %q", tt.in, got, tt.exp)
		}
	}
}
