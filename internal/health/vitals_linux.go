package health

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// readProcCPUPercent takes two /proc/stat samples a short interval
// apart and returns the percentage of non-idle time between them.
// There is no third-party CPU sampler in the dependency pack (the
// closest, gopsutil, is not imported by any example repo), so this
// stays on /proc directly rather than inventing a dependency.
func readProcCPUPercent() (float64, error) {
	first, err := readCPUTotals()
	if err != nil {
		return 0, err
	}
	time.Sleep(50 * time.Millisecond)
	second, err := readCPUTotals()
	if err != nil {
		return 0, err
	}

	totalDelta := second.total() - first.total()
	idleDelta := second.idle - first.idle
	if totalDelta <= 0 {
		return 0, nil
	}
	busy := float64(totalDelta-idleDelta) / float64(totalDelta) * 100
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	return busy, nil
}

type cpuTotals struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (c cpuTotals) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

func readCPUTotals() (cpuTotals, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTotals{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 || fields[0] != "cpu" {
			continue
		}
		vals := make([]uint64, 8)
		for i := 0; i < 8; i++ {
			vals[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
		}
		return cpuTotals{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, nil
	}
	return cpuTotals{}, scanner.Err()
}

// readProcMemoryPercent reads /proc/meminfo for total and available
// memory and returns used percent.
func readProcMemoryPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availableKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoValue(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if totalKB == 0 {
		return 0, nil
	}
	used := float64(totalKB-availableKB) / float64(totalKB) * 100
	return used, nil
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

// readDiskPercent uses statfs on the working volume, the same syscall
// surface warren's pkg/volume relies on for capacity checks.
func readDiskPercent(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := float64(total-free) / float64(total) * 100
	return used, nil
}
