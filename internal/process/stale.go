package process

import (
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// staleKillWait bounds how long CleanupStale waits for SIGTERMed leftovers.
const staleKillWait = time.Second

// CleanupStale terminates processes whose command line contains pattern,
// left over from a previous run. This process, its ancestors, and the
// process groups of handles this supervisor launched are never touched. It is advisory: errors are logged and the number of processes
// signalled is returned.
func (s *Supervisor) CleanupStale(pattern string) int {
	if strings.TrimSpace(pattern) == "" {
		return 0
	}
	procs, err := gopsproc.Processes()
	if err != nil {
		s.log.Warn("Stale cleanup: list processes failed", "error", err)
		return 0
	}
	skip := selfAndAncestors()
	owned := s.ownedGroups()
	var victims []*gopsproc.Process
	for _, p := range procs {
		if skip[p.Pid] || owned[int(p.Pid)] {
			continue
		}
		if pgid := processGroup(int(p.Pid)); pgid > 0 && owned[pgid] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || !strings.Contains(cmdline, pattern) {
			continue
		}
		if err := p.Terminate(); err != nil {
			s.log.Debug("Stale cleanup: terminate failed", "pid", p.Pid, "error", err)
			continue
		}
		s.log.Info("Stale process terminated", "pid", p.Pid, "pattern", pattern)
		victims = append(victims, p)
	}
	if len(victims) == 0 {
		return 0
	}
	deadline := time.Now().Add(staleKillWait)
	for _, p := range victims {
		for time.Now().Before(deadline) {
			if running, _ := p.IsRunning(); !running {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if running, _ := p.IsRunning(); running {
			_ = p.Kill()
		}
	}
	return len(victims)
}

// ownedGroups holds the pids of launched handles; each leads its own group.
func (s *Supervisor) ownedGroups() map[int]bool {
	owned := map[int]bool{}
	for _, h := range s.Handles() {
		if pid := h.PID(); pid > 0 {
			owned[pid] = true
		}
	}
	return owned
}

func selfAndAncestors() map[int32]bool {
	skip := map[int32]bool{int32(os.Getpid()): true}
	pid := int32(os.Getppid())
	for i := 0; i < 64 && pid > 0 && !skip[pid]; i++ {
		skip[pid] = true
		p, err := gopsproc.NewProcess(pid)
		if err != nil {
			break
		}
		ppid, err := p.Ppid()
		if err != nil {
			break
		}
		pid = ppid
	}
	return skip
}
