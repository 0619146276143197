// SPDX-License-Identifier: MIT

//go:build linux

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKillReachesWholeGroup(t *testing.T) {
	// Spawn a process that spawns a child and sleeps
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)

	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "PID should be PGID leader")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	_, _ = cmd.Process.Wait()

	// Parent is gone
	process, _ := os.FindProcess(pid)
	err = process.Signal(syscall.Signal(0))
	require.Error(t, err, "parent process should be dead")

	// No processes remain in that PGID
	require.Eventually(t, func() bool {
		return syscall.Kill(-pgid, syscall.Signal(0)) == syscall.ESRCH
	}, 2*time.Second, 20*time.Millisecond, "process group should be dead")
}

func TestKillNilCommand(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
}

func TestTerminateGraceful(t *testing.T) {
	cmd := exec.Command("sleep", "100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	_ = Terminate(cmd, waitCh, 2*time.Second)
	require.Less(t, time.Since(start), 2*time.Second, "SIGTERM should end sleep before the grace expires")

	err := cmd.Process.Signal(syscall.Signal(0))
	require.Error(t, err, "process should be dead")
}

func TestTerminateForceKillsSigtermIgnorers(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err := Terminate(cmd, waitCh, 200*time.Millisecond)
	require.Error(t, err, "SIGKILL exit should surface as a wait error")

	sigErr := cmd.Process.Signal(syscall.Signal(0))
	require.Error(t, sigErr, "process should be dead")
}

func TestTerminateNilCommand(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))
}
