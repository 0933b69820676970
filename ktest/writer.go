package ktest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Writer emits one test file per terminated path into an output
// directory, with `.early` and `.err[<reason>]` companions, plus the
// shared branch-history and instruction logs.
type Writer struct {
	dir string
	seq int

	// EmitBinary additionally writes the binary .ktest form.
	EmitBinary bool

	historyLog      *os.File
	instructionsLog *os.File
}

// NewWriter creates the output directory and the shared logs.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	historyLog, err := os.Create(filepath.Join(dir, "branch-history.log"))
	if err != nil {
		return nil, err
	}
	instructionsLog, err := os.Create(filepath.Join(dir, "instructions.txt"))
	if err != nil {
		historyLog.Close()
		return nil, err
	}
	return &Writer{
		dir:             dir,
		historyLog:      historyLog,
		instructionsLog: instructionsLog,
	}, nil
}

// Close flushes the shared logs.
func (w *Writer) Close() error {
	if err := w.historyLog.Close(); err != nil {
		w.instructionsLog.Close()
		return err
	}
	return w.instructionsLog.Close()
}

// WriteTest persists one terminated path. suffix is "" for a normal
// completion, "early" for a non-bug early termination, or
// "err.<reason>" for an error. history is the path's branch history
// over {0,1,2,3}.
func (w *Writer) WriteTest(test *Test, suffix, history, message string) (string, error) {
	w.seq++
	base := filepath.Join(w.dir, fmt.Sprintf("test%06d", w.seq))

	var sb strings.Builder
	for _, obj := range test.Objects {
		fmt.Fprintf(&sb, "%s %d %x\n", obj.Name, len(obj.Bytes), obj.Bytes)
	}
	if err := os.WriteFile(base+".test", []byte(sb.String()), 0o644); err != nil {
		return "", err
	}

	if suffix != "" {
		body := message
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		if err := os.WriteFile(base+"."+suffix, []byte(body), 0o644); err != nil {
			return "", err
		}
	}

	if w.EmitBinary {
		f, err := os.Create(base + ".ktest")
		if err != nil {
			return "", err
		}
		if err := test.Write(f); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
	}

	if _, err := fmt.Fprintln(w.historyLog, history); err != nil {
		return "", err
	}
	return base, nil
}

// LogInstructions appends the executed-instruction count for a run.
func (w *Writer) LogInstructions(n uint64) error {
	_, err := fmt.Fprintf(w.instructionsLog, "%d\n", n)
	return err
}

// ErrSuffix formats the error companion suffix for a reason name.
func ErrSuffix(reason string) string {
	return "err." + reason
}
