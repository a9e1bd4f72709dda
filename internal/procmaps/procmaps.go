// Package procmaps bootstraps a loadmap.Manager from /proc/self/maps, the
// one piece of "what is currently mapped into this process" information a
// Go program can read without a dynamic-link auditor. spec.md §6 describes
// the load map as populated by on_open/on_close audit callbacks a real
// collector receives from the dynamic linker; this process has no portable
// Go equivalent (see internal/loadmap's package doc), so Load substitutes a
// one-shot scan of the kernel's own view of the address space at process
// start. Subsequent mapping changes are not observed — package loadmap's
// generation stays at whatever Load produced until a future on_open/on_close
// source is wired in.
//
// Parsing style (os.ReadFile + line-oriented string splitting) follows
// process_watcher_linux.go's readProcInfo /proc enrichment helper. Load bias
// is recovered by reading each mapped file's own ELF program headers, the
// same way internal/watcher/ebpf/loader_linux.go reads section/program
// headers with debug/elf — no pack dependency models ELF parsing, so this
// stays on the standard library.
package procmaps

import (
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sigtrace/hpcrun/internal/loadmap"
)

// Load reads /proc/self/maps and registers every executable mapping backed
// by a file (anonymous and non-executable mappings carry no unwind recipes
// and are not interesting to the sampler) with lm via OnMap. Returns the
// number of mappings registered.
func Load(lm *loadmap.Manager) (int, error) {
	return LoadPath("/proc/self/maps", lm)
}

// LoadPath is Load with an explicit path, so tests can supply a synthetic
// maps file without depending on the real /proc/self/maps.
func LoadPath(path string, lm *loadmap.Manager) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("procmaps: read %s: %w", path, err)
	}

	// Every PT_LOAD segment of one ELF object shares the same
	// (p_vaddr - p_offset) constant, so the base vaddr only needs reading
	// once per file even though a shared object contributes several
	// executable and non-executable mappings.
	baseVaddr := map[string]uintptr{}

	n := 0
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, ok := parseLine(line)
		if !ok {
			continue
		}
		vaddr, cached := baseVaddr[m.path]
		if !cached {
			vaddr, _ = elfLowestLoadVaddr(m.path)
			baseVaddr[m.path] = vaddr
		}
		// bias relates a runtime address back to its link-time vaddr:
		// runtime_addr = bias + link_vaddr, and link_vaddr - m.offset is the
		// same base-vaddr constant for every PT_LOAD segment of this file
		// (ip-normalized.c's start_to_ref_dist, per-object not per-segment).
		bias := m.start - m.offset - vaddr
		lm.OnMap(m.path, m.start, m.end, bias, m.flags)
		n++
	}
	return n, nil
}

// elfLowestLoadVaddr returns the lowest p_vaddr among path's PT_LOAD program
// headers — the link-time vaddr of the segment mapped at file offset 0, and
// so the base every other segment's vaddr is offset from. Returns 0, false
// if path cannot be opened or parsed as ELF (e.g. permission denied, or a
// [vdso]-style pseudo-path already filtered out by parseLine).
func elfLowestLoadVaddr(path string) (uintptr, bool) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	found := false
	var lowest uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !found || prog.Vaddr < lowest {
			lowest = prog.Vaddr
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return uintptr(lowest), true
}

type mapping struct {
	start, end, offset uintptr
	flags              loadmap.Flag
	path               string
}

// parseLine parses one /proc/<pid>/maps line:
//
//	address           perms offset  dev   inode      pathname
//	7f1a2b3c4000-7f1a2b3e4000 r-xp 00000000 08:01 131082     /usr/lib/libc.so.6
//
// Only executable, file-backed mappings are kept; anonymous mappings
// (stacks, heap, Go's own runtime-managed regions) carry no pathname field
// and have nothing the recipe cache or unwinder can key off.
func parseLine(line string) (mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapping{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapping{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return mapping{}, false
	}

	perms := fields[1]
	if !strings.Contains(perms, "x") {
		return mapping{}, false
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return mapping{}, false
	}

	// Anonymous mappings report no pathname, or a bracketed pseudo-name
	// like [vdso]/[stack]; neither backs a code object the recipe cache
	// analyzer (or a future one) could analyze.
	if len(fields) < 6 {
		return mapping{}, false
	}
	path := strings.Join(fields[5:], " ")
	if path == "" || strings.HasPrefix(path, "[") {
		return mapping{}, false
	}

	flags := loadmap.Flag(0)
	if strings.Contains(perms, "p") {
		flags |= loadmap.FlagRelocatable
	}

	return mapping{start: uintptr(start), end: uintptr(end), offset: uintptr(offset), flags: flags, path: path}, true
}
