package ktest_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ranger-se/ranger/ktest"
)

func TestTest_RoundTrip(t *testing.T) {
	in := &ktest.Test{
		Args: []string{"prog", "-x"},
		Objects: []ktest.Object{
			{Name: "x", Bytes: []byte{0x2A}},
			{Name: "buf", Bytes: []byte{1, 2, 3, 4}},
		},
	}

	var buf bytes.Buffer
	if err := in.Write(&buf); err != nil {
		t.Fatal(err)
	}
	out, err := ktest.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch: %s", diff)
	}
}

func TestRead_InvalidMagic(t *testing.T) {
	if _, err := ktest.Read(bytes.NewReader([]byte("BOGUS___"))); err != ktest.ErrInvalidFormat {
		t.Fatalf("err=%v, expected invalid format", err)
	}
}

func TestWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := ktest.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	w.EmitBinary = true

	test := &ktest.Test{Objects: []ktest.Object{{Name: "x", Bytes: []byte{7}}}}

	base, err := w.WriteTest(test, "", "010", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(base + ".test"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(base + ".ktest"); err != nil {
		t.Fatal(err)
	}

	// Error companions carry the message.
	base, err = w.WriteTest(test, ktest.ErrSuffix("abort"), "011", "abort at bad.c:42")
	if err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(base + ".err.abort")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "bad.c:42") {
		t.Fatalf("error body=%q", body)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	history, err := os.ReadFile(filepath.Join(dir, "branch-history.log"))
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := string(history), "010\n011\n"; got != exp {
		t.Fatalf("history log=%q, expected %q", got, exp)
	}
}
