// Package ktest reads and writes the binary test-case format plus the
// per-run output files (error reports, branch-history log).
package ktest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	magic   = "KTEST"
	version = 3
)

var ErrInvalidFormat = errors.New("ktest: invalid format")

// Object is one named symbolic input with its concrete solution bytes.
type Object struct {
	Name  string
	Bytes []byte
}

// Test is a complete test case: the command line under test plus the
// ordered symbolic objects.
type Test struct {
	Args    []string
	Objects []Object
}

// Write encodes the test in binary form.
func (t *Test) Write(w io.Writer) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}
	if err := writeUint32(w, version); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(len(t.Args))); err != nil {
		return err
	}
	for _, arg := range t.Args {
		if err := writeBytes(w, []byte(arg)); err != nil {
			return err
		}
	}

	// Symbolic argv is not supported; keep the fields for compatibility.
	if err := writeUint32(w, 0); err != nil {
		return err
	}
	if err := writeUint32(w, 0); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(len(t.Objects))); err != nil {
		return err
	}
	for _, obj := range t.Objects {
		if err := writeBytes(w, []byte(obj.Name)); err != nil {
			return err
		}
		if err := writeBytes(w, obj.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// Read decodes a binary test case.
func Read(r io.Reader) (*Test, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if string(header) != magic {
		return nil, ErrInvalidFormat
	}
	v, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if v != version {
		return nil, fmt.Errorf("ktest: unsupported version %d", v)
	}

	t := &Test{}
	numArgs, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numArgs; i++ {
		arg, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		t.Args = append(t.Args, string(arg))
	}

	if _, err := readUint32(r); err != nil { // symArgvs
		return nil, err
	}
	if _, err := readUint32(r); err != nil { // symArgvLen
		return nil, err
	}

	numObjects, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numObjects; i++ {
		name, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		data, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		t.Objects = append(t.Objects, Object{Name: string(name), Bytes: data})
	}
	return t, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
