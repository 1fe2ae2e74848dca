package rexec

import (
	"fmt"
	"slices"

	"golang.org/x/sys/unix"
)

// registry is the ordered set of live processes. It is only touched from the server loop.
type registry struct {
	procs []*proc
}

func (r *registry) add(p *proc) error {
	if r.findByPID(p.pid()) != nil {
		return fmt.Errorf("pid %d already registered: %w", p.pid(), unix.EEXIST)
	}
	r.procs = append(r.procs, p)
	return nil
}

// remove deletes p, reporting whether it was present.
func (r *registry) remove(p *proc) bool {
	i := slices.Index(r.procs, p)
	if i < 0 {
		return false
	}
	r.procs = slices.Delete(r.procs, i, i+1)
	return true
}

func (r *registry) findByPID(pid int) *proc {
	for _, p := range r.procs {
		if p.pid() == pid {
			return p
		}
	}
	return nil
}

func (r *registry) len() int { return len(r.procs) }

// snapshot returns a copy that is safe to iterate while the registry changes.
func (r *registry) snapshot() []*proc {
	return slices.Clone(r.procs)
}

func (r *registry) clear() {
	r.procs = nil
}
