// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package detection

import (
	"encoding/base64"
	"errors"
	"testing"
)

type stubCounter struct {
	count  int
	err    error
	frames [][]byte
	closed bool
}

func (s *stubCounter) CountFaces(frame []byte) (int, error) {
	s.frames = append(s.frames, frame)
	return s.count, s.err
}

func (s *stubCounter) Close() error {
	s.closed = true
	return nil
}

func TestAdapterDecodesBase64(t *testing.T) {
	stub := &stubCounter{count: 2}
	a := NewAdapter(stub)

	payload := base64.StdEncoding.EncodeToString([]byte("jpegbytes"))
	n, err := a.CountFaces(payload)
	if err != nil {
		t.Fatalf("CountFaces: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if len(stub.frames) != 1 || string(stub.frames[0]) != "jpegbytes" {
		t.Fatalf("counter saw frames %q", stub.frames)
	}
}

func TestAdapterStripsDataURLPrefix(t *testing.T) {
	stub := &stubCounter{count: 1}
	a := NewAdapter(stub)

	payload := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("x"))
	if _, err := a.CountFaces(payload); err != nil {
		t.Fatalf("CountFaces: %v", err)
	}
	if string(stub.frames[0]) != "x" {
		t.Fatalf("counter saw %q", stub.frames[0])
	}
}

func TestAdapterMalformedFrame(t *testing.T) {
	a := NewAdapter(&stubCounter{})

	for _, payload := range []string{"not base64!!!", ""} {
		_, err := a.CountFaces(payload)
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("payload %q: err = %v, want ErrMalformedFrame", payload, err)
		}
	}
}

func TestAdapterPropagatesCounterError(t *testing.T) {
	want := errors.New("detector crashed")
	a := NewAdapter(&stubCounter{err: want})

	_, err := a.CountFaces(base64.StdEncoding.EncodeToString([]byte("f")))
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if errors.Is(err, ErrMalformedFrame) {
		t.Fatal("counter error misclassified as malformed frame")
	}
}

func TestAdapterCloseReleasesCounter(t *testing.T) {
	stub := &stubCounter{}
	a := NewAdapter(stub)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stub.closed {
		t.Fatal("counter not closed")
	}
}
