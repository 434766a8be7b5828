package httpsource_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/comtiles/comtiles/httpsource"
)

func TestSource_FetchRange_PartialContent(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader != "bytes=2-5" {
			t.Errorf("Range header = %q, want bytes=2-5", rangeHeader)
		}
		w.Header().Set("Content-Range", "bytes 2-5/16")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[2:6])
	}))
	defer srv.Close()

	src := httpsource.New(srv.URL)
	got, err := src.FetchRange(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if string(got) != "2345" {
		t.Fatalf("FetchRange = %q, want %q", got, "2345")
	}
}

func TestSource_FetchRange_NotSatisfiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	src := httpsource.New(srv.URL)
	_, err := src.FetchRange(context.Background(), 100, 200)
	if err == nil {
		t.Fatal("expected error for unsatisfiable range")
	}
}

func TestSource_FetchRange_FullBodyRejected(t *testing.T) {
	body := []byte("abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	src := httpsource.New(srv.URL)
	_, err := src.FetchRange(context.Background(), 2, 4)
	if !errors.Is(err, httpsource.ErrRangeNotSupported) {
		t.Fatalf("FetchRange err = %v, want ErrRangeNotSupported", err)
	}
}

func TestSource_FetchRange_CustomHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer token")
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	src := httpsource.New(srv.URL, httpsource.WithHeader("Authorization", "Bearer token"))
	if _, err := src.FetchRange(context.Background(), 0, 0); err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
}
