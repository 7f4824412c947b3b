package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pvf_host.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
worker:
  program: /usr/local/bin/pvf-execute-worker
  root: /var/lib/pvf
logger:
  level: debug
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Artifacts.RootDir != "/var/lib/pvf/artifacts" || cfg.Artifacts.TTL != defaultArtifactTTL {
		t.Fatalf("artifact defaults not applied: %+v", cfg.Artifacts)
	}
	if cfg.Worker.PoolSize != 2 || cfg.Worker.LogLevel != "debug" {
		t.Fatalf("worker defaults not applied: %+v", cfg.Worker)
	}
}

func TestLoadAppConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 0.0.0.0:9000
worker:
  program: /bin/worker
  root: /tmp/pvf
  poolSize: 8
  acquireWait: 2s
sandbox:
  secureValidatorMode: true
  enableCgroup: true
  cgroupRoot: /sys/fs/cgroup/pvf
  cgroupPids: 64
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Worker.PoolSize != 8 || cfg.Worker.AcquireWait != 2*time.Second {
		t.Fatalf("overrides lost: %+v %+v", cfg.Server, cfg.Worker)
	}
	if !cfg.Sandbox.SecureValidatorMode {
		t.Fatalf("secure validator mode lost")
	}
	want := []string{"-cgroup-root", "/sys/fs/cgroup/pvf", "-cgroup-pids", "64"}
	if got := extraWorkerArgs(cfg.Sandbox); !reflect.DeepEqual(got, want) {
		t.Fatalf("extra args = %v, want %v", got, want)
	}
}

func TestLoadAppConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing_program", "worker:\n  root: /tmp/pvf\n"},
		{"missing_root", "worker:\n  program: /bin/worker\n"},
		{"cgroup_without_root", "worker:\n  program: /bin/worker\n  root: /tmp/pvf\nsandbox:\n  enableCgroup: true\n"},
		{"bad_yaml", "worker: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadAppConfig(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
