//go:build !windows

package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
)

// writeScript creates an executable shell script. Property arguments are
// passed to it and may be ignored.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "participant.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

const traceWriter = `for a in "$@"; do case "$a" in --Trace.File=*) f="${a#--Trace.File=}";; esac; done
[ -n "$f" ] && echo traced > "$f"
`

func localContext(t *testing.T) *Context {
	return &Context{
		Mapping:  mapping.New(mapping.Cpp),
		Config:   config.NewConfiguration(),
		TestPath: "cpp/local",
		Dir:      t.TempDir(),
		Registry: expect.NewRegistry("test", slog.New(slog.NewTextHandler(io.Discard, nil))),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Timeouts: Timeouts{Expect: 5 * time.Second},
	}
}

func TestLocalController_StartAndReady(t *testing.T) {
	pc := localContext(t)
	d := NewServer("server")
	d.Exe = writeScript(t, `echo "starting"; echo "Hello.Adapter ready"; exec sleep 30`)

	c := NewLocalController(nil)
	inst, err := c.Start(context.Background(), d, pc)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Kill(expect.SignalKill) })

	require.NoError(t, WaitReady(context.Background(), inst, d, false, 5*time.Second))
	assert.True(t, inst.Running())
	assert.Equal(t, 1, pc.Registry.Len())

	status, err := inst.Terminate()
	require.NoError(t, err)
	assert.Equal(t, -2, status)
	assert.False(t, inst.Running())
}

func TestLocalController_PassesPropsAndEnv(t *testing.T) {
	pc := localContext(t)
	pc.Env = map[string]string{"INTEROP_TEST_VAR": "from-context"}
	d := NewClient("client")
	d.Exe = writeScript(t, `echo "args: $*"; echo "env: $INTEROP_TEST_VAR"; pwd`)
	d.Props = map[string]string{"Client.Retries": "3"}

	inst, err := NewLocalController(nil).Start(context.Background(), d, pc)
	require.NoError(t, err)
	require.NoError(t, inst.WaitSuccess(context.Background(), 0, 5*time.Second))

	_, err = inst.Expect(context.Background(), time.Second, expect.EOF)
	require.NoError(t, err)
	out := inst.Output()
	assert.Contains(t, out, "--Client.Retries=3")
	assert.Contains(t, out, "--Default.Protocol=tcp")
	assert.Contains(t, out, "env: from-context")
	assert.Contains(t, out, filepath.Base(pc.Dir))
}

func TestLocalController_SpawnError(t *testing.T) {
	pc := localContext(t)
	d := NewServer("ghost")
	d.Exe = filepath.Join(t.TempDir(), "missing-binary")

	_, err := NewLocalController(nil).Start(context.Background(), d, pc)
	var se *expect.SpawnError
	assert.ErrorAs(t, err, &se)
}

func TestLocalController_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalController(nil).Start(ctx, NewServer("s"), localContext(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalController_TraceFileLifecycle(t *testing.T) {
	for _, success := range []bool{true, false} {
		name := "failure keeps trace"
		if success {
			name = "success removes trace"
		}
		t.Run(name, func(t *testing.T) {
			pc := localContext(t)
			pc.TraceDir = filepath.Join(t.TempDir(), "traces")
			d := NewClient("client")
			d.Exe = writeScript(t, traceWriter)

			inst, err := NewLocalController(nil).Start(context.Background(), d, pc)
			require.NoError(t, err)
			require.NoError(t, inst.WaitSuccess(context.Background(), 0, 5*time.Second))

			files, err := filepath.Glob(filepath.Join(pc.TraceDir, "client-client-*.log"))
			require.NoError(t, err)
			require.Len(t, files, 1)

			kept := inst.Finish(success)
			if success {
				assert.Empty(t, kept)
				assert.NoFileExists(t, files[0])
			} else {
				assert.Equal(t, files[0], kept)
				assert.FileExists(t, files[0])
			}
		})
	}
}
