package health

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SampleSystem reads host utilization from /proc plus a statfs on the
// data directory. Any field that cannot be read is left at zero rather
// than failing the whole sample.
func SampleSystem(diskPath string) SystemSample {
	s := SystemSample{Timestamp: time.Now().UTC()}
	s.CPUPercent = cpuPercent()
	s.MemoryPercent = memoryPercent()
	s.DiskPercent = diskPercent(diskPath)
	s.NetworkBytes = networkBytes()
	return s
}

// cpuPercent approximates load as 1-minute loadavg over core count,
// capped at 100.
func cpuPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := load / float64(runtime.NumCPU()) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func memoryPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total <= 0 {
		return 0
	}
	return (total - available) / total * 100
}

func diskPercent(path string) float64 {
	if path == "" {
		path = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total <= 0 {
		return 0
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return (total - free) / total * 100
}

// networkBytes sums rx+tx counters across interfaces, loopback excluded.
func networkBytes() float64 {
	data, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return 0
	}
	var total float64
	for _, line := range strings.Split(string(data), "\n") {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		rx, _ := strconv.ParseFloat(fields[0], 64)
		tx, _ := strconv.ParseFloat(fields[8], 64)
		total += rx + tx
	}
	return total
}
