package indexing

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// AvailableMemory is the default MemoryProbe: MemAvailable from
// /proc/meminfo. Platforms without it report unknown (-1), which the growth
// gates treat as tight memory.
func AvailableMemory() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return -1
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return -1
		}
		return kb * 1024
	}
	return -1
}
