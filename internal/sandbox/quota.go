package sandbox

import "github.com/shirou/gopsutil/v3/mem"

const (
	nanoCPUsPerSandbox = 1_000_000_000 // one full core
	fallbackMemoryEach = 512 << 20
)

// quotas sizes the per-sandbox resource limits from host capacity: one CPU
// core, and an even share of physical memory across the configured maximum
// number of users.
func (s *Supervisor) quotas() (nanoCPUs, memoryBytes int64) {
	users := s.sandboxCfg.MaxUsers
	if users <= 0 {
		users = 1
	}

	memoryBytes = fallbackMemoryEach
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memoryBytes = int64(vm.Total) / int64(users)
	}
	return nanoCPUsPerSandbox, memoryBytes
}
