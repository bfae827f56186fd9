//go:build integration

// These tests exercise the full cascade (fork/re-exec, namespaces, cgroup
// v1) and need real privilege and a real cgroup v1 hierarchy mounted at
// the default controller paths; run them with
// `go test -tags integration ./internal/sandbox/...` as root or inside a
// user namespace that already has the needed delegation.
package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func requireLinuxJail(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("cascade integration tests require root or a pre-delegated user namespace")
	}
}

func runScenario(t *testing.T, cfg Config) RunInfo {
	t.Helper()
	if cfg.InstanceName == "" {
		cfg.InstanceName = NewInstanceName()
	}
	cfg.Controllers = DefaultControllerPaths()
	cfg.ClearUsage = true

	jail, err := SpawnJail(cfg)
	if err != nil {
		t.Fatalf("SpawnJail() = %v", err)
	}
	defer jail.Close()

	info, err := jail.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	return info
}

func TestScenarioHelloWorld(t *testing.T) {
	requireLinuxJail(t)
	info := runScenario(t, Config{Command: "/bin/true"})
	if info.Result.Kind != ResultSuccess {
		t.Fatalf("result = %v, want Success", info.Result)
	}
	if info.Usage.WallTime < info.Usage.UserTime {
		t.Errorf("wall_time %v < user_time %v", info.Usage.WallTime, info.Usage.UserTime)
	}
}

func TestScenarioExitWithInput(t *testing.T) {
	requireLinuxJail(t)
	stdin := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(stdin, []byte("23"), 0644); err != nil {
		t.Fatal(err)
	}
	info := runScenario(t, Config{
		Command:       "/bin/sh",
		Args:          []string{"-c", "read n; exit $n"},
		RedirectStdin: stdin,
	})
	if info.Result.Kind != ResultNonZeroExitStatus || info.Result.Code != 23 {
		t.Fatalf("result = %v, want NonZeroExitStatus(23)", info.Result)
	}
}

func TestScenarioTimeLimitExceeded(t *testing.T) {
	requireLinuxJail(t)
	loop := []string{"-c", "end=$(( $(date +%s%N) + 500000000 )); while [ $(date +%s%N) -lt $end ]; do :; done"}

	info := runScenario(t, Config{Command: "/bin/sh", Args: loop, Limits: Limits{UserTime: 450 * time.Millisecond}})
	if info.Result.Kind != ResultTimeLimitExceeded {
		t.Fatalf("450ms budget: result = %v, want TimeLimitExceeded", info.Result)
	}

	info = runScenario(t, Config{Command: "/bin/sh", Args: loop, Limits: Limits{UserTime: 600 * time.Millisecond}})
	if info.Result.Kind != ResultSuccess {
		t.Fatalf("600ms budget: result = %v, want Success", info.Result)
	}
}

func TestScenarioWallTimeLimitExceeded(t *testing.T) {
	requireLinuxJail(t)
	info := runScenario(t, Config{Command: "/bin/sleep", Args: []string{"2"}, Limits: Limits{WallTime: 1800 * time.Millisecond}})
	if info.Result.Kind != ResultWallTimeLimitExceeded {
		t.Fatalf("1800ms budget: result = %v, want WallTimeLimitExceeded", info.Result)
	}

	info = runScenario(t, Config{Command: "/bin/sleep", Args: []string{"2"}, Limits: Limits{WallTime: 2200 * time.Millisecond}})
	if info.Result.Kind != ResultSuccess {
		t.Fatalf("2200ms budget: result = %v, want Success", info.Result)
	}
}

func TestScenarioMemoryLimitExceeded(t *testing.T) {
	requireLinuxJail(t)
	alloc := []string{"-c", "head -c 20971520 /dev/zero | tr '\\0' 'x' | wc -c > /dev/null"}

	info := runScenario(t, Config{Command: "/bin/sh", Args: alloc, Limits: Limits{Memory: 19 * 1000 * 1000}})
	if info.Result.Kind != ResultMemoryLimitExceeded {
		t.Fatalf("19MB budget: result = %v, want MemoryLimitExceeded", info.Result)
	}

	info = runScenario(t, Config{Command: "/bin/sh", Args: alloc, Limits: Limits{Memory: 26 * 1000 * 1000}})
	if info.Result.Kind != ResultSuccess {
		t.Fatalf("26MB budget: result = %v, want Success", info.Result)
	}
}

func TestScenarioForkBomb(t *testing.T) {
	requireLinuxJail(t)
	// The shell itself is one task in the pids cgroup; with four background
	// sleeps the payload needs five tasks in all.
	bomb := []string{"-c", "for i in 1 2 3 4; do sleep 1 & done; wait"}

	info := runScenario(t, Config{Command: "/bin/sh", Args: bomb, Limits: Limits{Pids: 4}})
	if info.Result.Kind == ResultSuccess {
		t.Fatalf("pids=4 budget: result = %v, want a failure verdict", info.Result)
	}

	info = runScenario(t, Config{Command: "/bin/sh", Args: bomb, Limits: Limits{Pids: 5}})
	if info.Result.Kind != ResultSuccess {
		t.Fatalf("pids=5 budget: result = %v, want Success", info.Result)
	}
}

func TestScenarioKilledBySignal(t *testing.T) {
	requireLinuxJail(t)
	for _, sig := range []string{"8", "11"} {
		info := runScenario(t, Config{Command: "/bin/sh", Args: []string{"-c", "kill -" + sig + " $$"}})
		if info.Result.Kind != ResultKilledBySignal {
			t.Fatalf("signal %s: result = %v, want KilledBySignal", sig, info.Result)
		}
	}
}

func TestScenarioMissingCommand(t *testing.T) {
	requireLinuxJail(t)
	cfg := Config{Command: "/does/not/exist", InstanceName: NewInstanceName(), Controllers: DefaultControllerPaths(), ClearUsage: true}
	jail, err := SpawnJail(cfg)
	if err != nil {
		t.Fatalf("SpawnJail() = %v", err)
	}
	defer jail.Close()

	_, err = jail.Wait()
	if err == nil {
		t.Fatalf("Wait() = nil, want ExecError")
	}
	if _, ok := err.(*ExecError); !ok {
		t.Fatalf("Wait() err = %T, want *ExecError", err)
	}
}

func TestScenarioMountMapping(t *testing.T) {
	requireLinuxJail(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "input"), []byte("15\n"), 0644); err != nil {
		t.Fatal(err)
	}
	newRoot := t.TempDir()

	info := runScenario(t, Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "read n < /mount/input; exit $n"},
		NewRoot: newRoot,
		Mounts: []Mount{
			{Source: src, Destination: "/mount", Options: MountOptions{ReadOnly: true}},
		},
	})
	if info.Result.Kind != ResultNonZeroExitStatus || info.Result.Code != 15 {
		t.Fatalf("result = %v, want NonZeroExitStatus(15)", info.Result)
	}
}
