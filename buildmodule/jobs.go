package buildmodule

import (
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
)

// onlineCPUs returns the number of online logical CPUs, the default
// parallel job count. Never returns less than 1.
func onlineCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// jobFlags returns the parallelism flags for makeCmd:
// "-j<N> and -l<2N> ... when no-parallel-make, force -j1 (ninja) or omit
// (make)".
func jobFlags(makeCmd string, jobs int, noParallel bool) []string {
	if noParallel {
		if makeCmd == "ninja" {
			return []string{"-j1"}
		}
		return nil
	}
	if jobs < 1 {
		jobs = 1
	}
	if makeCmd == "ninja" {
		return []string{"-j" + strconv.Itoa(jobs)}
	}
	return []string{"-j" + strconv.Itoa(jobs), "-l" + strconv.Itoa(jobs*2)}
}
