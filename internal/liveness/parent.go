package liveness

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ParentProbe asserts presence while the process that spawned the
// multiplexer is still alive. It pins the parent pid and its creation time
// at startup so both orphaning (reparent to init) and pid reuse read as
// loss of the parent.
type ParentProbe struct {
	pid        int32
	createTime int64
}

func NewParentProbe() (*ParentProbe, error) {
	pid := int32(os.Getppid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("inspecting parent pid %d: %w", pid, err)
	}
	createTime, err := proc.CreateTime()
	if err != nil {
		// Not all platforms expose create time; pid checks still apply.
		createTime = 0
	}
	return &ParentProbe{pid: pid, createTime: createTime}, nil
}

func (p *ParentProbe) Name() string { return "parent-process" }

func (p *ParentProbe) Check() error {
	if current := int32(os.Getppid()); current != p.pid {
		return fmt.Errorf("orphaned: parent pid changed from %d to %d", p.pid, current)
	}
	exists, err := process.PidExists(p.pid)
	if err != nil {
		return fmt.Errorf("probing parent pid %d: %w", p.pid, err)
	}
	if !exists {
		return fmt.Errorf("parent pid %d exited", p.pid)
	}
	if p.createTime != 0 {
		proc, err := process.NewProcess(p.pid)
		if err != nil {
			return fmt.Errorf("parent pid %d gone: %w", p.pid, err)
		}
		if createTime, err := proc.CreateTime(); err == nil && createTime != p.createTime {
			return fmt.Errorf("parent pid %d was reused by another process", p.pid)
		}
	}
	return nil
}
