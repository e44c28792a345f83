package process

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecRunner_Success(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(nil)

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo $WARDEN_TEST"},
		Env:  []string{"WARDEN_TEST=hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", strings.TrimSpace(string(res.Stdout)))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(nil)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "boom", exitErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecRunner_ContextCancel(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewExecRunner(nil).Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMissingTools(t *testing.T) {
	f := NewFake()
	f.Missing("pg_basebackup")
	assert.Equal(t, []string{"pg_basebackup"}, MissingTools(f, "pg_ctl", "pg_basebackup"))
}

func TestFake_Scripted(t *testing.T) {
	f := NewFake()
	f.Fail("pg_ctl", 1, "could not start server")

	_, err := f.Run(context.Background(), Command{Name: "pg_ctl", Args: []string{"start"}})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Error(), "could not start server")

	_, err = f.Run(context.Background(), Command{Name: "tar"})
	require.NoError(t, err)
	assert.True(t, f.Called("tar"))
	assert.Len(t, f.Calls(), 2)
}
