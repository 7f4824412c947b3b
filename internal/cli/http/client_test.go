package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientDo(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Header().Set("X-Trace-Id", "trace-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	resp, err := client.Do(context.Background(), http.MethodPost, "/api/v1/pvf/precheck", nil, []byte(`{"code":"AA=="}`))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v1/pvf/precheck" || gotType != "application/json" {
		t.Fatalf("unexpected request: %s %s %s", gotMethod, gotPath, gotType)
	}
	if gotBody != `{"code":"AA=="}` {
		t.Fatalf("unexpected body: %s", gotBody)
	}
	if resp.StatusCode != http.StatusAccepted || string(resp.Body) != `{"code":0}` {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, resp.Body)
	}
	if resp.TraceID() != "trace-1" {
		t.Fatalf("unexpected trace id: %q", resp.TraceID())
	}
}

func TestClientSetters(t *testing.T) {
	client := New("http://a", time.Second)
	client.SetBaseURL("http://b")
	client.SetTimeout(0)
	if client.BaseURL() != "http://b" || client.Timeout() != time.Second {
		t.Fatalf("unexpected client state: %s %s", client.BaseURL(), client.Timeout())
	}
	client.SetTimeout(3 * time.Second)
	if client.Timeout() != 3*time.Second {
		t.Fatalf("timeout not updated")
	}
}

func TestClientRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if _, err := New(url, time.Second).Do(context.Background(), http.MethodGet, "/healthz", nil, nil); err == nil {
		t.Fatalf("expected error for closed server")
	}
}
