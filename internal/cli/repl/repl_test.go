package repl

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pvfexec/internal/cli/command"
	httpclient "pvfexec/internal/cli/http"
)

func runSession(t *testing.T, baseURL, input string) string {
	t.Helper()
	var out bytes.Buffer
	s := New(httpclient.New(baseURL, time.Second), command.Registry(), false, strings.NewReader(input), &out)
	s.Run(context.Background())
	return out.String()
}

func TestSessionValidate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("X-Trace-Id", "trace-42")
		_, _ = w.Write([]byte(`{"code":10000,"message":"Success","data":{"verdict":"invalid","reason":"out of gas"}}`))
	}))
	defer srv.Close()

	code := filepath.Join(t.TempDir(), "code.wasm")
	if err := os.WriteFile(code, []byte("wasm"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := runSession(t, srv.URL, "pvf validate code="+code+"\nshow trace\nexit\n")
	if gotPath != "/api/v1/pvf/validate" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if !strings.Contains(out, "verdict: invalid (out of gas)") {
		t.Fatalf("missing verdict summary: %s", out)
	}
	if !strings.Contains(out, "trace: trace-42") {
		t.Fatalf("missing trace: %s", out)
	}
	if !strings.Contains(out, "bye") {
		t.Fatalf("missing bye: %s", out)
	}
}

func TestSessionPromptsForRequiredFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":10000,"data":{"ok":false,"reason":"bad magic"}}`))
	}))
	defer srv.Close()

	code := filepath.Join(t.TempDir(), "code.wasm")
	if err := os.WriteFile(code, []byte("wasm"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := runSession(t, srv.URL, "pvf precheck\n"+code+"\n")
	if !strings.Contains(out, "code_file") {
		t.Fatalf("missing prompt: %s", out)
	}
	if !strings.Contains(out, "precheck ok: false (bad magic)") {
		t.Fatalf("missing precheck summary: %s", out)
	}
}

func TestSessionSystemCommands(t *testing.T) {
	out := runSession(t, "http://127.0.0.1:1", "set base http://10.0.0.2:8095\nset timeout 5s\nset pretty on\nshow config\nshow trace\nset timeout soon\nfoo\n")
	for _, want := range []string{
		"base: http://10.0.0.2:8095",
		"timeout: 5s",
		"pretty: true",
		"trace: <empty>",
		"invalid duration",
		"error: invalid command",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
}

func TestSessionUnknownCommand(t *testing.T) {
	out := runSession(t, "http://127.0.0.1:1", "pvf compile\npvf validate code\n")
	if !strings.Contains(out, "unknown command: pvf compile") {
		t.Fatalf("missing unknown command error: %s", out)
	}
	if !strings.Contains(out, "invalid param: code") {
		t.Fatalf("missing invalid param error: %s", out)
	}
}
