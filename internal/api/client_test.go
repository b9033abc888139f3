package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_Post(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/capture/start" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]string{"echo": body["tab_id"]})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	var resp map[string]string
	if err := client.Post(context.Background(), "/api/capture/start", map[string]string{"tab_id": "T1"}, &resp); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp["echo"] != "T1" {
		t.Errorf("unexpected response %v", resp)
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"a capture session is already active"}`))
		default:
			http.Error(w, "plain failure", http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	t.Run("json error body", func(t *testing.T) {
		err := client.Get(context.Background(), "/json", nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already active") {
			t.Errorf("unexpected error %q", err)
		}
	})

	t.Run("plain error body", func(t *testing.T) {
		err := client.Get(context.Background(), "/plain", nil)
		if err == nil || !strings.Contains(err.Error(), "plain failure") {
			t.Errorf("unexpected error %v", err)
		}
	})
}

func TestClient_Download(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"page 9 not found"}`))
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "/image", &buf)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if n != int64(len("jpeg-bytes")) || buf.String() != "jpeg-bytes" {
		t.Errorf("got %d bytes %q", n, buf.String())
	}

	buf.Reset()
	if _, err := client.Download(context.Background(), "/missing", &buf); err == nil {
		t.Error("expected error for 404")
	}
	if buf.Len() != 0 {
		t.Errorf("error body leaked into writer: %q", buf.String())
	}
}

func TestClient_Stream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept = %q", accept)
		}
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: %d\n", i)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	var lines []string
	err := client.Stream(context.Background(), "/events", func(line string) bool {
		lines = append(lines, line)
		return len(lines) < 3
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(lines) != 3 || lines[0] != "data: 0" {
		t.Errorf("unexpected lines %v", lines)
	}
}
