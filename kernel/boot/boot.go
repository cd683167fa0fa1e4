// Package boot parses the kernel boot command line and reports the
// simulated machine's configuration to the rest of the kernel.
package boot

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Cmdline holds the subset of xnix.* boot parameters the kernel core reads
// at startup: xnix.mmu, xnix.smp, xnix.initmod.
type Cmdline struct {
	MMU     string
	SMP     int
	InitMod string
	raw     map[string]string
}

// ParseCmdline splits a space-separated key=value boot string, the same
// format /proc/cmdline uses, and extracts the xnix.* keys the kernel
// understands. Unknown keys are retained in raw for later inspection but do
// not affect the returned Cmdline's typed fields.
func ParseCmdline(line string) Cmdline {
	c := Cmdline{SMP: 1, raw: map[string]string{}}
	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			c.raw[tok] = ""
			continue
		}
		c.raw[k] = v
		switch k {
		case "xnix.mmu":
			c.MMU = v
		case "xnix.smp":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.SMP = n
			}
		case "xnix.initmod":
			c.InitMod = v
		}
	}
	return c
}

// Get returns the raw string value of an arbitrary boot parameter and
// whether it was present at all, for parameters the typed fields above
// don't cover.
func (c Cmdline) Get(key string) (string, bool) {
	v, ok := c.raw[key]
	return v, ok
}

// MachineInfo describes the simulated machine's architecture and CPU count,
// the facts the scheduler and VMM need at init time. Unlike a real machine's
// CMOS/ACPI tables, the simulator's "hardware" is whatever the boot cmdline
// and host reported.
type MachineInfo struct {
	Architecture string
	CPUCount     int
	HostArch     string
}

// Reader resolves MachineInfo from a Cmdline, falling back to querying the
// host machine's reported architecture the way a real bootloader would read
// ACPI MADT entries for CPU count.
type Reader struct {
	cmdline Cmdline
}

func NewReader(cmdline Cmdline) Reader {
	return Reader{cmdline: cmdline}
}

// Read resolves MachineInfo. The kernel's own architecture is always
// reported as "x86" (the one this microkernel targets, per its Non-goals),
// while HostArch records what the simulator actually runs on, useful for
// the debug dashboard.
func (r Reader) Read() MachineInfo {
	return MachineInfo{
		Architecture: "x86",
		CPUCount:     r.cmdline.SMP,
		HostArch:     hostArch(),
	}
}

func hostArch() string {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return "unknown"
	}
	return unixCharsToString(utsname.Machine[:])
}

func unixCharsToString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
