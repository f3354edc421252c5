package generic

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// readMemory returns (total, available) in bytes. MemAvailable from
// /proc/meminfo is preferred because it accounts for reclaimable page
// cache; Sysinfo free memory is the fallback.
func readMemory() (int64, int64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, err
	}

	unit := int64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := int64(si.Totalram) * unit
	avail := int64(si.Freeram) * unit

	if fromProc, ok := readMemAvailable(); ok {
		avail = fromProc
	}

	return total, avail, nil
}

func readMemAvailable() (int64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
