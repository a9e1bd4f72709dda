package procmaps_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sigtrace/hpcrun/internal/loadmap"
	"github.com/sigtrace/hpcrun/internal/procmaps"
)

const sampleMaps = `55a1b2c3d000-55a1b2c4e000 r-xp 00000000 08:01 131081     /usr/bin/myprog
55a1b2e4e000-55a1b2e4f000 rw-p 00000000 00:00 0
7f1a2b3c4000-7f1a2b3e4000 r-xp 00000000 08:01 131082     /usr/lib/x86_64-linux-gnu/libc.so.6
7f1a2b700000-7f1a2b720000 rw-p 00000000 00:00 0          [heap]
7ffc12340000-7ffc12361000 rw-p 00000000 00:00 0          [stack]
7f1a2b800000-7f1a2b801000 r-xp 00000000 00:00 0          [vdso]
`

func TestLoadPathRegistersOnlyExecutableFileBackedMappings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maps")
	if err := os.WriteFile(path, []byte(sampleMaps), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	lm := loadmap.New()
	n, err := procmaps.LoadPath(path, lm)
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	if n != 2 {
		t.Fatalf("registered %d mappings, want 2 (myprog, libc)", n)
	}
	if lm.Generation() == 0 {
		t.Errorf("Generation() = 0 after registering mappings, want nonzero")
	}

	mod := lm.FindByAddr(0x55a1b2c3d500)
	if mod == nil || mod.Path != "/usr/bin/myprog" {
		t.Errorf("FindByAddr(myprog pc) = %+v, want myprog module", mod)
	}

	libc := lm.FindByAddr(0x7f1a2b3c4500)
	if libc == nil || libc.Path != "/usr/lib/x86_64-linux-gnu/libc.so.6" {
		t.Errorf("FindByAddr(libc pc) = %+v, want libc module", libc)
	}

	if mod := lm.FindByAddr(0x7f1a2b700500); mod != nil {
		t.Errorf("FindByAddr(heap addr) = %+v, want nil (anonymous mapping excluded)", mod)
	}
	if mod := lm.FindByAddr(0x7f1a2b800500); mod != nil {
		t.Errorf("FindByAddr(vdso addr) = %+v, want nil (bracketed pseudo-path excluded)", mod)
	}
}

func TestLoadPathMissingFileErrors(t *testing.T) {
	lm := loadmap.New()
	if _, err := procmaps.LoadPath("/nonexistent/maps", lm); err == nil {
		t.Fatal("expected error reading nonexistent maps file")
	}
}
