package executeworker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pvfexec/internal/pvf/blob"
	"pvfexec/internal/pvf/checksum"
	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/isolation"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/wire"
	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
)

// spySpawner records what would have been started and never starts anything.
type spySpawner struct {
	strategy isolation.Strategy
	inputs   []JobInput
	calls    int
}

func (s *spySpawner) Strategy() isolation.Strategy {
	return s.strategy
}

func (s *spySpawner) Spawn(spec isolation.JobSpec) (*isolation.Job, error) {
	s.calls++
	var in JobInput
	if err := wire.RecvMessage(spec.Stdin, "JobInput", &in); err == nil {
		s.inputs = append(s.inputs, in)
	}
	return nil, errors.New("spawning disabled in tests")
}

var testArtifact = []byte("compiled artifact bytes")

func newTestWorker(t *testing.T, strategy isolation.Strategy) (*Worker, *spySpawner, worker.Info) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ArtifactFileName), testArtifact, 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	spy := &spySpawner{strategy: strategy}
	w := New(Config{Spawner: spy, JobPath: "/nonexistent/worker"})
	return w, spy, worker.Info{PID: os.Getpid(), Kind: worker.KindExecute, WorkerDir: dir}
}

func testRequest(pov []byte, sum checksum.ArtifactChecksum) *execute.Request {
	return &execute.Request{
		PVD: primitives.PersistedValidationData{
			ParentHead:        primitives.HeadData("parent"),
			RelayParentNumber: 7,
			MaxPoVSize:        primitives.MaxPoVSize,
		},
		PoV:              primitives.PoV{BlockData: pov},
		ExecutionTimeout: 2 * time.Second,
		ArtifactChecksum: sum,
	}
}

func TestChecksumMismatchSpawnsNothing(t *testing.T) {
	w, spy, info := newTestWorker(t, isolation.StrategyFork)

	res, fatal := w.handleRequest(context.Background(), info, worker.SecurityStatus{}, nil,
		testRequest([]byte("pov"), checksum.Compute(testArtifact)+1))
	if fatal != nil {
		t.Fatalf("checksum mismatch must not stop the worker: %v", fatal)
	}
	resp, werr := res.Unpack()
	if werr != nil {
		t.Fatalf("unexpected worker error %v", werr)
	}
	if resp.JobResponse.Kind != execute.JobResponseKindCorruptedArtifact || resp.Duration != 0 || resp.PoVSize != 0 {
		t.Fatalf("expected CorruptedArtifact with zero duration and size, got %+v", resp)
	}
	if spy.calls != 0 {
		t.Fatalf("no job may be spawned for a corrupted artifact, got %d", spy.calls)
	}
}

func TestPoVBombSpawnsNothing(t *testing.T) {
	w, spy, info := newTestWorker(t, isolation.StrategyFork)
	bomb, err := blob.Compress(make([]byte, primitives.PoVBombLimit+1), primitives.PoVBombLimit+1)
	if err != nil {
		t.Fatalf("compress bomb: %v", err)
	}

	res, fatal := w.handleRequest(context.Background(), info, worker.SecurityStatus{}, nil,
		testRequest(bomb, checksum.Compute(testArtifact)))
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	resp, werr := res.Unpack()
	if werr != nil || resp.JobResponse.Kind != execute.JobResponseKindPoVDecompressionFailure {
		t.Fatalf("expected PoVDecompressionFailure, got %v", res)
	}
	if resp.Duration != 0 || resp.PoVSize != 0 {
		t.Fatalf("expected zero duration and size, got %+v", resp)
	}
	if spy.calls != 0 {
		t.Fatalf("no job may be spawned for a PoV bomb, got %d", spy.calls)
	}
}

func TestMissingArtifactIsFatal(t *testing.T) {
	w, spy, info := newTestWorker(t, isolation.StrategyFork)
	if err := os.Remove(filepath.Join(info.WorkerDir, ArtifactFileName)); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	res, fatal := w.handleRequest(context.Background(), info, worker.SecurityStatus{}, nil,
		testRequest([]byte("pov"), checksum.Compute(testArtifact)))
	if fatal == nil {
		t.Fatalf("a missing artifact must stop the worker")
	}
	_, werr := res.Unpack()
	if werr == nil || werr.Kind != execute.WorkerErrorKindInternal || werr.Internal.Kind != execute.InternalKindCouldNotOpenFile {
		t.Fatalf("expected Internal(CouldNotOpenFile), got %v", res)
	}
	if spy.calls != 0 {
		t.Fatalf("no job may be spawned without an artifact")
	}
}

func TestJobInputAndSpawnFailure(t *testing.T) {
	block := []byte("block data")
	compressed, err := blob.Compress(block, primitives.PoVBombLimit)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	params := primitives.ExecutorParams{primitives.MaxMemoryPages(64)}
	full := worker.SecurityStatus{CanEnableSeccomp: true, CanUnshareUserNamespaceAndChangeRoot: true, CanDoSecureClone: true}

	tests := []struct {
		name           string
		strategy       isolation.Strategy
		wantChangeRoot bool
	}{
		{name: "clone", strategy: isolation.StrategyClone, wantChangeRoot: true},
		{name: "fork", strategy: isolation.StrategyFork, wantChangeRoot: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, spy, info := newTestWorker(t, tt.strategy)
			res, fatal := w.handleRequest(context.Background(), info, full, params,
				testRequest(compressed, checksum.Compute(testArtifact)))
			if fatal != nil {
				t.Fatalf("spawn failure must not stop the worker: %v", fatal)
			}
			_, werr := res.Unpack()
			if werr == nil || werr.Kind != execute.WorkerErrorKindInternal || werr.Internal.Kind != execute.InternalKindKernel {
				t.Fatalf("expected Internal(Kernel), got %v", res)
			}
			if spy.calls != 1 || len(spy.inputs) != 1 {
				t.Fatalf("expected one spawn with a readable input, got %d calls and %d inputs", spy.calls, len(spy.inputs))
			}

			in := spy.inputs[0]
			if string(in.Artifact) != string(testArtifact) {
				t.Fatalf("artifact not forwarded")
			}
			if in.ChangeRoot != tt.wantChangeRoot || !in.EnableSeccomp {
				t.Fatalf("unexpected hardening flags: change_root=%t seccomp=%t", in.ChangeRoot, in.EnableSeccomp)
			}
			if in.ExecutionTimeout != 2*time.Second || in.WorkerDir != info.WorkerDir {
				t.Fatalf("unexpected input %+v", in)
			}
			if got, ok := in.ExecutorParams.MaxMemoryPages(); !ok || got != 64 {
				t.Fatalf("executor params not forwarded: %v", in.ExecutorParams)
			}
			vp, err := primitives.DecodeValidationParams(in.Params)
			if err != nil {
				t.Fatalf("decode params: %v", err)
			}
			if string(vp.BlockData) != string(block) || string(vp.ParentHead) != "parent" || vp.RelayParentNumber != 7 {
				t.Fatalf("validation params carry the decompressed PoV and the PVD, got %+v", vp)
			}
		})
	}
}

func TestServeAnswersUntilHostLeaves(t *testing.T) {
	w, spy, info := newTestWorker(t, isolation.StrategyFork)
	host, conn := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- w.serve(context.Background(), conn, info, worker.SecurityStatus{})
	}()

	if err := wire.SendMessage(host, execute.Handshake{}); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := wire.SendMessage(host, *testRequest([]byte("pov"), 0)); err != nil {
			t.Fatalf("send request %d: %v", i, err)
		}
		var res execute.WorkerResult
		if err := wire.RecvMessage(host, "WorkerResult", &res); err != nil {
			t.Fatalf("recv result %d: %v", i, err)
		}
		resp, werr := res.Unpack()
		if werr != nil || resp.JobResponse.Kind != execute.JobResponseKindCorruptedArtifact {
			t.Fatalf("request %d: expected CorruptedArtifact, got %v", i, res)
		}
	}
	host.Close()

	select {
	case err := <-done:
		if !appErr.Is(err, appErr.HostCommunication) {
			t.Fatalf("expected HostCommunication when the host leaves, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop after the host left")
	}
	if spy.calls != 0 {
		t.Fatalf("unexpected spawns: %d", spy.calls)
	}
}

func TestServeRejectsBadHandshake(t *testing.T) {
	w, _, info := newTestWorker(t, isolation.StrategyFork)
	host, conn := net.Pipe()
	defer host.Close()

	done := make(chan error, 1)
	go func() {
		done <- w.serve(context.Background(), conn, info, worker.SecurityStatus{})
	}()

	dup := execute.Handshake{ExecutorParams: primitives.ExecutorParams{
		primitives.MaxMemoryPages(10),
		primitives.MaxMemoryPages(20),
	}}
	if err := wire.SendMessage(host, dup); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	select {
	case err := <-done:
		if !appErr.Is(err, appErr.HostCommunication) {
			t.Fatalf("expected HostCommunication, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker accepted an inconsistent handshake")
	}
}
