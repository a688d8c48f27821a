//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// meshConfig is one multi-process scenario: every node runs as a separate
// meshnode process.
type meshConfig struct {
	Backend string
	Size    int
	Codec   string
	Rounds  int
	Env     map[string]string
}

func TestMeshNodeProcesses(t *testing.T) {
	bin := buildMeshNode(t)
	for _, cfg := range integrationMeshConfigs() {
		cfg := cfg
		t.Run(fmt.Sprintf("%s-%d-%s", cfg.Backend, cfg.Size, cfg.Codec), func(t *testing.T) {
			runMesh(t, bin, cfg)
		})
	}
}

func TestMeshNodeSimulate(t *testing.T) {
	bin := buildMeshNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "simulate", "--size", "4", "--rounds", "200", "--codec", "gob+zstd").CombinedOutput()
	require.NoErrorf(t, err, "simulate failed:\n%s", out)
	for i := 0; i < 4; i++ {
		require.Contains(t, string(out), fmt.Sprintf("node %d: sent 600 and received 600 objects with 3 peers", i))
	}
}

func TestMeshNodeReportsMissingPeer(t *testing.T) {
	bin := buildMeshNode(t)
	nodes := reserveNodes(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "run",
		"--nodes", strings.Join(nodes, ","),
		"--self", "1",
		"--settle-delay", "0s",
		"--dial-timeout", "500ms",
	)
	out, err := cmd.CombinedOutput()
	require.Error(t, err)
	require.Contains(t, string(out), "setup failed during connect with peer 0")
}

func runMesh(t *testing.T, bin string, cfg meshConfig) {
	nodes := reserveNodes(t, cfg.Size)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	outputs := make([]bytes.Buffer, cfg.Size)
	g, gctx := errgroup.WithContext(ctx)
	for self := 0; self < cfg.Size; self++ {
		self := self
		g.Go(func() error {
			cmd := exec.CommandContext(gctx, bin, "run",
				"--nodes", strings.Join(nodes, ","),
				"--self", strconv.Itoa(self),
				"--backend", cfg.Backend,
				"--codec", cfg.Codec,
				"--rounds", strconv.Itoa(cfg.Rounds),
				"--settle-delay", "200ms",
				"--log-level", "warn",
			)
			cmd.Env = os.Environ()
			for key, value := range cfg.Env {
				cmd.Env = append(cmd.Env, key+"="+value)
			}
			cmd.Stdout = &outputs[self]
			cmd.Stderr = &outputs[self]
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("node %d: %w\n%s", self, err, outputs[self].String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := cfg.Rounds * (cfg.Size - 1)
	for self := range outputs {
		require.Contains(t, outputs[self].String(),
			fmt.Sprintf("node %d: sent %d and received %d objects with %d peers", self, want, want, cfg.Size-1))
	}
}

func buildMeshNode(t *testing.T) string {
	t.Helper()
	root, err := detectRepoRoot()
	require.NoError(t, err, "locate repository root")

	bin := filepath.Join(t.TempDir(), "meshnode")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "build", "-o", bin, "./cmd/meshnode")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "build meshnode:\n%s", out)
	return bin
}

// integrationMeshConfigs reads MESHFABRIC_E2E_BACKENDS (comma separated) and
// MESHFABRIC_E2E_HINTS ("backend:key=value,...;backend:..."). Known hint keys
// are size, codec, rounds and env.NAME.
func integrationMeshConfigs() []meshConfig {
	size := 3
	if v, err := strconv.Atoi(os.Getenv("MESHFABRIC_E2E_SIZE")); err == nil && v > 0 {
		size = v
	}
	backends := firstNonEmpty(os.Getenv("MESHFABRIC_E2E_BACKENDS"), "tcp,rdma")
	hints := parseMeshHints(os.Getenv("MESHFABRIC_E2E_HINTS"))

	var configs []meshConfig
	for _, part := range strings.Split(backends, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		cfg := meshConfig{Backend: name, Size: size, Codec: "gob", Rounds: 100}
		configs = append(configs, applyMeshHints(cfg, hints[name]))
	}
	return configs
}

func parseMeshHints(raw string) map[string]map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	hints := make(map[string]map[string]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		backend, pairs, _ := strings.Cut(entry, ":")
		backend = strings.ToLower(strings.TrimSpace(backend))
		if backend == "" {
			continue
		}
		hint := hints[backend]
		if hint == nil {
			hint = make(map[string]string)
			hints[backend] = hint
		}
		for _, kv := range strings.Split(pairs, ",") {
			key, value, _ := strings.Cut(strings.TrimSpace(kv), "=")
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			hint[key] = strings.TrimSpace(value)
		}
	}
	return hints
}

func applyMeshHints(cfg meshConfig, hint map[string]string) meshConfig {
	for key, value := range hint {
		switch {
		case key == "size":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.Size = n
			}
		case key == "rounds":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.Rounds = n
			}
		case key == "codec":
			cfg.Codec = value
		case strings.HasPrefix(key, "env."):
			if cfg.Env == nil {
				cfg.Env = make(map[string]string)
			}
			cfg.Env[strings.TrimPrefix(key, "env.")] = value
		}
	}
	return cfg
}

func reserveNodes(t *testing.T, n int) []string {
	t.Helper()
	nodes := make([]string, n)
	for i := range nodes {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		nodes[i] = ln.Addr().String()
		require.NoError(t, ln.Close())
	}
	return nodes
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
