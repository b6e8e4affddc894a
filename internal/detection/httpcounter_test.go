// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package detection

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPCounterCountFaces(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/detect" {
			t.Errorf("path = %s, want /v1/detect", r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces": 2}`))
	}))
	defer srv.Close()

	c := NewHTTPCounter(CounterConfig{URL: srv.URL})
	n, err := c.CountFaces([]byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("CountFaces: %v", err)
	}
	if n != 2 {
		t.Fatalf("faces = %d, want 2", n)
	}
	if string(gotBody) != "jpeg-bytes" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestHTTPCounterFactoryBuildsPerConnectionCounters(t *testing.T) {
	factory := NewHTTPCounterFactory(CounterConfig{URL: "http://127.0.0.1:1"})

	a, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	b, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if a == b {
		t.Fatal("factory returned the same counter for two connections")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestHTTPCounterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPCounter(CounterConfig{URL: srv.URL})
	if _, err := c.CountFaces([]byte("x")); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestHTTPCounterRejectsNegativeCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces": -1}`))
	}))
	defer srv.Close()

	c := NewHTTPCounter(CounterConfig{URL: srv.URL})
	if _, err := c.CountFaces([]byte("x")); err == nil {
		t.Fatal("expected error on negative count")
	}
}
