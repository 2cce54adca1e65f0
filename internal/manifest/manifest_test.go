package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_ValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "workers.cue", `
worker: echo: {
	command:       "/usr/local/bin/foundry-workerd"
	args:          ["--mode", "echo"]
	tools:         ["echo", "checksum"]
	maxConcurrent: 4
	resources: {
		cpuCores: 2
		memoryMb: 512
	}
}
`)

	workers, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	w := workers[0]
	assert.Equal(t, "echo", w.ID)
	assert.Equal(t, "/usr/local/bin/foundry-workerd", w.Command)
	assert.Equal(t, []string{"--mode", "echo"}, w.Args)
	assert.Equal(t, []string{"echo", "checksum"}, w.Tools)
	assert.Equal(t, 4, w.MaxConcurrent)
	assert.Equal(t, 2, w.Resources.CPUCores)
	assert.Equal(t, 512, w.Resources.MemoryMb)
	assert.False(t, w.Resources.GPU)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "workers.cue", `
worker: minimal: {
	command: "/bin/true"
	tools:   ["noop"]
}
`)

	workers, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	w := workers[0]
	assert.Equal(t, 1, w.MaxConcurrent)
	assert.Equal(t, 1, w.Resources.CPUCores)
	assert.Equal(t, 256, w.Resources.MemoryMb)
	assert.False(t, w.Resources.GPU)
}

func TestLoad_MultipleFilesSortedByID(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.cue", `
worker: zeta: {
	command: "/bin/zeta"
	tools:   ["zip"]
}
`)
	writeManifest(t, dir, "a.cue", `
worker: alpha: {
	command: "/bin/alpha"
	tools:   ["add"]
}
`)

	workers, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "alpha", workers[0].ID)
	assert.Equal(t, "zeta", workers[1].ID)
}

func TestLoad_RejectsInvalidManifest(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "zero max concurrent",
			content: `
worker: bad: {
	command:       "/bin/bad"
	tools:         ["t"]
	maxConcurrent: 0
}
`,
		},
		{
			name: "empty tools",
			content: `
worker: bad: {
	command: "/bin/bad"
	tools:   []
}
`,
		},
		{
			name: "missing command",
			content: `
worker: bad: {
	tools: ["t"]
}
`,
		},
		{
			name: "unknown field",
			content: `
worker: bad: {
	command: "/bin/bad"
	tools:   ["t"]
	shell:   true
}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, "workers.cue", tt.content)

			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "load manifests")
		})
	}
}

func TestLoad_EmptyDirectory(t *testing.T) {
	workers, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestLoad_MissingDirectory(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()

	type reload struct {
		workers []Worker
		err     error
	}
	changes := make(chan reload, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, func(workers []Worker, err error) {
			changes <- reload{workers: workers, err: err}
		})
	}()

	// Let the watcher arm before mutating the directory.
	time.Sleep(50 * time.Millisecond)

	writeManifest(t, dir, "workers.cue", `
worker: echo: {
	command: "/bin/echo"
	tools:   ["echo"]
}
`)

	select {
	case got := <-changes:
		require.NoError(t, got.err)
		require.Len(t, got.workers, 1)
		assert.Equal(t, "echo", got.workers[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reported the change")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatch_SurfacesBrokenEdit(t *testing.T) {
	dir := t.TempDir()

	changes := make(chan error, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = Watch(ctx, dir, func(_ []Worker, err error) {
			changes <- err
		})
	}()

	time.Sleep(50 * time.Millisecond)
	writeManifest(t, dir, "workers.cue", `worker: bad: { tools: 42 }`)

	select {
	case err := <-changes:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reported the broken edit")
	}
}
