//go:build linux

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	sweepRounds = 50
	sweepPause  = 10 * time.Millisecond
)

// orphanReaper contains guests that leave their process group through
// setsid, setpgid or a double fork. The server becomes a child subreaper, so
// such processes are reparented to it instead of init, and every sweep kills
// and reaps the ones no running command accounts for.
type orphanReaper struct {
	mu   sync.Mutex
	live map[int]struct{}

	once sync.Once
	err  error
}

var reaper = &orphanReaper{live: make(map[int]struct{})}

// enable marks the server as a child subreaper. Every orphaned descendant of
// the server is adopted from then on, not only guests.
func (r *orphanReaper) enable() error {
	r.once.Do(func() {
		r.err = unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	})
	return r.err
}

// start starts cmd under the registry lock so that a concurrent sweep never
// takes the new child for an orphan.
func (r *orphanReaper) start(cmd *exec.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	r.live[cmd.Process.Pid] = struct{}{}
	return nil
}

// done forgets a command once Wait has returned.
func (r *orphanReaper) done(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, pid)
}

// sweep kills the finished group pgid and every adopted orphan, and reaps
// them. It returns once nothing is left or after sweepRounds attempts.
func (r *orphanReaper) sweep(pgid int) {
	for range sweepRounds {
		if !r.sweepOnce(pgid) {
			return
		}
		time.Sleep(sweepPause)
	}
}

// sweepOnce reports whether another round is needed.
func (r *orphanReaper) sweepOnce(pgid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs, err := listProcesses()
	if err != nil {
		return false
	}

	self := os.Getpid()
	selfGroup := unix.Getpgrp()
	selfSession, _ := unix.Getsid(0)

	groups := map[int]bool{pgid: true}
	sessions := map[int]bool{}
	var orphans []procStat
	for _, p := range procs {
		if p.ppid != self {
			continue
		}
		if _, ok := r.live[p.pid]; ok {
			continue
		}
		if _, ok := r.live[p.pgid]; ok {
			continue
		}
		orphans = append(orphans, p)
		if p.pgid != selfGroup {
			groups[p.pgid] = true
		}
		if p.sid != selfSession {
			sessions[p.sid] = true
		}
	}

	again := len(orphans) > 0
	for _, p := range procs {
		if p.pid == self || p.zombie() {
			continue
		}
		if groups[p.pgid] || sessions[p.sid] {
			_ = unix.Kill(p.pid, unix.SIGKILL)
			// still dying, or not yet reparented to the server
			again = true
		}
	}

	for _, p := range orphans {
		_ = unix.Kill(p.pid, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
	}
	return again
}

type procStat struct {
	pid   int
	ppid  int
	pgid  int
	sid   int
	state byte
}

func (p procStat) zombie() bool {
	return p.state == 'Z' || p.state == 'X'
}

func listProcesses() ([]procStat, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	procs := make([]procStat, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		p, err := readProcStat(pid)
		if err != nil {
			// exited between ReadDir and the read
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// readProcStat parses /proc/<pid>/stat. The command name may contain spaces
// and parentheses, so fields are counted from the last ')'.
func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return procStat{}, err
	}
	stat := string(data)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return procStat{}, errors.New("malformed stat")
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 4 || len(fields[0]) != 1 {
		return procStat{}, errors.New("malformed stat")
	}
	p := procStat{pid: pid, state: fields[0][0]}
	for j, dst := range []*int{&p.ppid, &p.pgid, &p.sid} {
		v, err := strconv.Atoi(fields[j+1])
		if err != nil {
			return procStat{}, err
		}
		*dst = v
	}
	return p, nil
}
