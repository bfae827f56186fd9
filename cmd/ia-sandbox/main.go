// Command ia-sandbox is a thin driver exercising the sandbox core
// end-to-end. It is deliberately minimal — argument parsing and output
// formatting are out of scope for the core (see SPEC_FULL.md §6) — but
// it wires spf13/cobra to the flag names spec.md §6 declares so the
// cascade can be driven and observed without writing a Go program.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/ia-sandbox/internal/profile"
	"github.com/ehrlich-b/ia-sandbox/internal/sandbox"
)

func main() {
	if len(os.Args) >= 3 && os.Args[1] == reexecSentinel {
		os.Exit(runStage(os.Args[2]))
	}
	if err := newRootCmd().Execute(); err != nil {
		printCausalChain(err)
		os.Exit(1)
	}
}

type flags struct {
	newRoot         string
	shareNet        bool
	stdin           string
	stdout          string
	stderr          string
	wallTime        string
	userTime        string
	memory          string
	stack           string
	pids            uint32
	instanceName    string
	cpuacctCtl      string
	memoryCtl       string
	pidsCtl         string
	mounts          []string
	swapRedirects   bool
	noClearUsage    bool
	interactive     bool
	env             []string
	forwardEnv      bool
	profilePath     string
	profileName     string
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "ia-sandbox -- COMMAND [ARGS...]",
		Short: "run a single untrusted program under a Linux namespace + cgroup v1 jail",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, args)
			if err != nil {
				return err
			}
			return runJail(cfg)
		},
	}

	root.Flags().StringVar(&f.newRoot, "new-root", "", "pivot_root target")
	root.Flags().BoolVar(&f.shareNet, "share-net", false, "share the parent's network namespace")
	root.Flags().StringVar(&f.stdin, "stdin", "", "path redirected onto the payload's stdin")
	root.Flags().StringVar(&f.stdout, "stdout", "", "path redirected onto the payload's stdout")
	root.Flags().StringVar(&f.stderr, "stderr", "", "path redirected onto the payload's stderr")
	root.Flags().StringVar(&f.wallTime, "wall-time", "", "wall-clock time limit (ns|ms|s)")
	root.Flags().StringVar(&f.userTime, "time", "", "user CPU time limit (ns|ms|s)")
	root.Flags().StringVar(&f.memory, "memory", "", "memory limit (b|kb|mb|gb|kib|mib|gib)")
	root.Flags().StringVar(&f.stack, "stack", "", "RLIMIT_STACK (b|kb|mb|gb|kib|mib|gib)")
	root.Flags().Uint32Var(&f.pids, "pids", 0, "pids.max task count limit")
	root.Flags().StringVar(&f.instanceName, "instance-name", "default", "cgroup sub-tree label for this run")
	root.Flags().StringVar(&f.cpuacctCtl, "cpuacct-controller", "", "override cpuacct controller root")
	root.Flags().StringVar(&f.memoryCtl, "memory-controller", "", "override memory controller root")
	root.Flags().StringVar(&f.pidsCtl, "pids-controller", "", "override pids controller root")
	root.Flags().StringArrayVar(&f.mounts, "mount", nil, "SRC[:DST[:OPTS]], OPTS subset of rw,exec,dev")
	root.Flags().BoolVar(&f.swapRedirects, "swap-redirects", false, "open stdout before stdin")
	root.Flags().BoolVar(&f.noClearUsage, "no-clear-usage", false, "accumulate usage across runs under instance-name")
	root.Flags().BoolVar(&f.interactive, "interactive", false, "do not detach from the controlling process group")
	root.Flags().StringArrayVar(&f.env, "env", nil, "NAME=VALUE, repeatable")
	root.Flags().BoolVar(&f.forwardEnv, "forward-env", false, "forward the full parent environment")
	root.Flags().StringVar(&f.profilePath, "profile", "", "path to a YAML file of named sandbox profiles")
	root.Flags().StringVar(&f.profileName, "profile-name", "default", "profile entry to load from --profile")

	return root
}

func buildConfig(cmd *cobra.Command, f flags, args []string) (sandbox.Config, error) {
	cfg := sandbox.Config{
		Command:        args[0],
		Args:           args[1:],
		NewRoot:        f.newRoot,
		ShareNet:       f.shareNet,
		RedirectStdin:  f.stdin,
		RedirectStdout: f.stdout,
		RedirectStderr: f.stderr,
		SwapRedirects:  f.swapRedirects,
		Interactive:    f.interactive,
		InstanceName:   f.instanceName,
		ClearUsage:     !f.noClearUsage,
	}

	if f.forwardEnv {
		cfg.Env = sandbox.Environment{Forward: true}
	} else {
		cfg.Env = sandbox.Environment{Pairs: f.env}
	}

	cfg.Controllers = sandbox.DefaultControllerPaths()
	if f.profilePath != "" {
		pf, err := profile.Load(f.profilePath)
		if err != nil {
			return cfg, err
		}
		if cfg.Limits, err = pf.Limits(f.profileName); err != nil {
			return cfg, err
		}
		if cfg.Controllers, err = pf.ControllerPaths(f.profileName); err != nil {
			return cfg, err
		}
	}

	if f.cpuacctCtl != "" {
		cfg.Controllers.CPUAcct = f.cpuacctCtl
	}
	if f.memoryCtl != "" {
		cfg.Controllers.Memory = f.memoryCtl
	}
	if f.pidsCtl != "" {
		cfg.Controllers.Pids = f.pidsCtl
	}

	var err error
	if f.wallTime != "" {
		if cfg.Limits.WallTime, err = time.ParseDuration(f.wallTime); err != nil {
			return cfg, fmt.Errorf("--wall-time: %w", err)
		}
	}
	if f.userTime != "" {
		if cfg.Limits.UserTime, err = time.ParseDuration(f.userTime); err != nil {
			return cfg, fmt.Errorf("--time: %w", err)
		}
	}
	if f.memory != "" {
		if cfg.Limits.Memory, err = parseSize(f.memory); err != nil {
			return cfg, fmt.Errorf("--memory: %w", err)
		}
	}
	if f.stack != "" {
		if cfg.Limits.Stack, err = parseSize(f.stack); err != nil {
			return cfg, fmt.Errorf("--stack: %w", err)
		}
	}
	if cmd.Flags().Changed("pids") {
		cfg.Limits.Pids = f.pids
	}

	for _, m := range f.mounts {
		mount, err := parseMount(m)
		if err != nil {
			return cfg, err
		}
		cfg.Mounts = append(cfg.Mounts, mount)
	}

	return cfg, nil
}

func parseMount(s string) (sandbox.Mount, error) {
	parts := strings.SplitN(s, ":", 3)
	m := sandbox.Mount{Source: parts[0], Destination: parts[0]}
	if len(parts) >= 2 {
		m.Destination = parts[1]
	}
	// Defaults: read-only, no-exec, no-dev.
	m.Options = sandbox.MountOptions{ReadOnly: true}
	if len(parts) == 3 {
		for _, opt := range strings.Split(parts[2], ",") {
			switch opt {
			case "rw":
				m.Options.ReadOnly = false
			case "exec":
				m.Options.Exec = true
			case "dev":
				m.Options.Dev = true
			case "":
			default:
				return m, fmt.Errorf("--mount %s: unrecognized option %q", s, opt)
			}
		}
	}
	return m, nil
}

var sizeSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"kib", 1024}, {"mib", 1024 * 1024}, {"gib", 1024 * 1024 * 1024},
	{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000},
	{"b", 1},
}

func parseSize(s string) (uint64, error) {
	lower := strings.ToLower(s)
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(lower, suf.suffix) {
			numPart := strings.TrimSuffix(lower, suf.suffix)
			n, err := strconv.ParseUint(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse size %q: %w", s, err)
			}
			return n * suf.mult, nil
		}
	}
	return 0, fmt.Errorf("parse size %q: unrecognized suffix", s)
}

func runJail(cfg sandbox.Config) error {
	jail, err := sandbox.SpawnJail(cfg)
	if err != nil {
		return err
	}
	defer jail.Close()

	info, err := jail.Wait()
	if err != nil {
		return err
	}

	fmt.Printf("%s: user=%s wall=%s memory=%dB\n", info.Result, info.Usage.UserTime, info.Usage.WallTime, info.Usage.Memory)
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(info)
}

func printCausalChain(err error) {
	for err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		err = unwrap(err)
	}
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
