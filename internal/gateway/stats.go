package gateway

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessStats is the /api/stats payload: host load, Go runtime figures and
// fan-out statistics.
type ProcessStats struct {
	CPULoad1    float64 `json:"cpu_load_1"`
	CPULoad5    float64 `json:"cpu_load_5"`
	CPULoad15   float64 `json:"cpu_load_15"`
	CPUPercent  float64 `json:"cpu_percent"`
	CPUCores    int     `json:"cpu_cores"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemPercent  float64 `json:"mem_percent"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`
	WSClients   int     `json:"ws_clients"`
	LatencyP50  float64 `json:"latency_p50_ms"`
	LatencyP95  float64 `json:"latency_p95_ms"`
	LatencyP99  float64 `json:"latency_p99_ms"`
	TS          string  `json:"ts"`
}

// procLines returns the whitespace-split lines of a /proc file whose first
// field has one of the given prefixes. Missing files yield nothing, so the
// stats degrade to runtime-only figures off Linux.
func procLines(path string, prefixes ...string) map[string][]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	out := make(map[string][]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(prefixes) == 0 {
			out[""] = fields
			break
		}
		for _, p := range prefixes {
			if fields[0] == p {
				out[p] = fields[1:]
			}
		}
	}
	return out
}

func parseFloats(fields []string, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n && i < len(fields); i++ {
		out[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return out
}

// cpuSampler turns cumulative /proc/stat jiffies into a busy percentage
// over the interval since the previous call.
type cpuSampler struct {
	mu          sync.Mutex
	idle, total float64
}

var hostCPU cpuSampler

func (s *cpuSampler) percent() float64 {
	f := procLines("/proc/stat", "cpu")["cpu"]
	if len(f) < 4 {
		return 0
	}
	var total float64
	vals := parseFloats(f, len(f))
	for _, v := range vals {
		total += v
	}
	idle := vals[3]

	s.mu.Lock()
	defer s.mu.Unlock()
	var pct float64
	if s.total > 0 && total > s.total {
		pct = (1 - (idle-s.idle)/(total-s.total)) * 100
	}
	s.idle, s.total = idle, total
	return pct
}

// CollectStats samples host and runtime statistics.
func CollectStats(start time.Time) ProcessStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := ProcessStats{
		CPUPercent:  hostCPU.percent(),
		CPUCores:    runtime.NumCPU(),
		HeapAllocMB: float64(mem.HeapAlloc) / (1 << 20),
		SysMB:       float64(mem.Sys) / (1 << 20),
		GCRuns:      mem.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		UptimeSec:   int64(time.Since(start).Seconds()),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}

	if load := procLines("/proc/loadavg")[""]; len(load) >= 3 {
		l := parseFloats(load, 3)
		s.CPULoad1, s.CPULoad5, s.CPULoad15 = l[0], l[1], l[2]
	}

	// meminfo values are in kB.
	mi := procLines("/proc/meminfo", "MemTotal:", "MemAvailable:")
	total := parseFloats(mi["MemTotal:"], 1)[0]
	avail := parseFloats(mi["MemAvailable:"], 1)[0]
	if total > 0 {
		s.MemTotalMB = total / 1024
		s.MemUsedMB = (total - avail) / 1024
		s.MemPercent = (total - avail) / total * 100
	}
	return s
}
