package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jirutka/knot-resolver/service"
)

// Spawned workers find their identity in the environment and the pipe to
// the leading worker at leaderFD.
const (
	envWorkerID    = "KRESD_WORKER_ID"
	envWorkerCount = "KRESD_WORKER_COUNT"

	leaderFD = 3
)

// workerFromEnv returns the identity of this process. The leading worker
// has ID 0 and no leader pipe.
func workerFromEnv() (service.WorkerInfo, error) {
	id, count, err := parseWorker(os.LookupEnv)
	if err != nil || id == 0 {
		return service.WorkerInfo{ID: id, Count: count}, err
	}
	return service.WorkerInfo{
		ID:     id,
		Count:  count,
		Leader: os.NewFile(leaderFD, "leader"),
	}, nil
}

func parseWorker(lookup func(string) (string, bool)) (id, count int, err error) {
	idText, ok := lookup(envWorkerID)
	if !ok {
		return 0, 1, nil
	}
	countText, _ := lookup(envWorkerCount)

	id, err = strconv.Atoi(idText)
	if err != nil || id < 1 {
		return 0, 0, fmt.Errorf("invalid %s %q", envWorkerID, idText)
	}
	count, err = strconv.Atoi(countText)
	if err != nil || count <= id {
		return 0, 0, fmt.Errorf("invalid %s %q", envWorkerCount, countText)
	}
	return id, count, nil
}

// worker is a spawned worker process, seen from the leader.
type worker struct {
	id   int
	cmd  *exec.Cmd
	done chan struct{}
}

// spawnWorkers starts the workers 1 to count-1 as copies of this process
// and returns them along with the leader side of their pipes.
func spawnWorkers(count int) ([]*worker, []io.ReadWriteCloser, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("find executable: %w", err)
	}

	var (
		workers []*worker
		pipes   []io.ReadWriteCloser
	)
	for id := 1; id < count; id++ {
		w, pipe, err := spawnWorker(exe, id, count)
		if err != nil {
			for _, p := range pipes {
				_ = p.Close()
			}
			stopWorkers(workers, 5*time.Second)
			return nil, nil, fmt.Errorf("spawn worker %d: %w", id, err)
		}
		workers = append(workers, w)
		pipes = append(pipes, pipe)
	}
	return workers, pipes, nil
}

func spawnWorker(exe string, id, count int) (*worker, io.ReadWriteCloser, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("create pipe: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), fmt.Sprintf("worker-%d", id))
	remote := os.NewFile(uintptr(fds[1]), "leader")
	defer func() {
		_ = remote.Close()
	}()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{remote}
	cmd.Env = append(os.Environ(),
		envWorkerID+"="+strconv.Itoa(id),
		envWorkerCount+"="+strconv.Itoa(count),
	)
	if err := cmd.Start(); err != nil {
		_ = local.Close()
		return nil, nil, err
	}

	w := &worker{
		id:   id,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			slog.Info("worker exited", "worker", id)
		case errors.As(err, &exitErr):
			slog.Warn("worker exited", "worker", id, "code", exitErr.ExitCode())
		default:
			slog.Error("failed to wait for worker", "worker", id, "err", err)
		}
	}()
	return w, local, nil
}

// stopWorkers terminates the workers and waits for them, killing those that
// do not exit within timeout.
func stopWorkers(workers []*worker, timeout time.Duration) {
	for _, w := range workers {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	expired := false
	for _, w := range workers {
		if !expired {
			select {
			case <-w.done:
				continue
			case <-timer.C:
				expired = true
			}
		}
		select {
		case <-w.done:
		default:
			slog.Warn("worker did not stop in time, killing", "worker", w.id)
			_ = w.cmd.Process.Kill()
			<-w.done
		}
	}
}
