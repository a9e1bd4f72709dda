package config_test

import (
	"os"
	"testing"

	"github.com/sigtrace/hpcrun/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "policy-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestParseEventListThreshold(t *testing.T) {
	specs, err := config.ParseEventList("PAPI_TOT_CYC@100000;WALLCLOCK")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Name != "PAPI_TOT_CYC" || specs[0].Kind != config.EventKindThreshold || specs[0].Threshold != 100000 {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if specs[1].Name != "WALLCLOCK" || specs[1].Kind != config.EventKindThreshold || specs[1].Threshold != 1 {
		t.Errorf("specs[1] = %+v, want bare-name default threshold of 1", specs[1])
	}
}

func TestParseEventListFrequency(t *testing.T) {
	specs, err := config.ParseEventList("REALTIME@f100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if specs[0].Kind != config.EventKindFrequency || specs[0].FreqHz != 100 {
		t.Errorf("specs[0] = %+v, want frequency 100", specs[0])
	}
}

func TestParseEventListRejectsEmpty(t *testing.T) {
	if _, err := config.ParseEventList(""); err == nil {
		t.Fatal("expected error for empty EVENT_LIST")
	}
	if _, err := config.ParseEventList(";;;"); err == nil {
		t.Fatal("expected error for EVENT_LIST with no events")
	}
}

func TestParseEventListRejectsBadSpec(t *testing.T) {
	cases := []string{"EVT@", "EVT@abc", "EVT@f", "EVT@fabc", "EVT@0", "@100"}
	for _, c := range cases {
		if _, err := config.ParseEventList(c); err == nil {
			t.Errorf("ParseEventList(%q): expected error, got none", c)
		}
	}
}

func fakeEnv(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestFromEnvironMinimalValid(t *testing.T) {
	cfg, err := config.FromEnviron(fakeEnv(map[string]string{
		"EVENT_LIST": "WALLCLOCK@f200",
		"OUT_PATH":   "/tmp/out",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MemSize != config.DefaultMemSize {
		t.Errorf("MemSize = %d, want default %d", cfg.MemSize, config.DefaultMemSize)
	}
	if cfg.Trace || cfg.DelaySampling || cfg.RetainRecursion {
		t.Error("boolean flags should default false")
	}
}

func TestFromEnvironRequiresEventListAndOutPath(t *testing.T) {
	if _, err := config.FromEnviron(fakeEnv(map[string]string{"OUT_PATH": "/tmp"})); err == nil {
		t.Fatal("expected error when EVENT_LIST is missing")
	}
	if _, err := config.FromEnviron(fakeEnv(map[string]string{"EVENT_LIST": "WALLCLOCK"})); err == nil {
		t.Fatal("expected error when OUT_PATH is missing")
	}
}

func TestFromEnvironParsesTuning(t *testing.T) {
	cfg, err := config.FromEnviron(fakeEnv(map[string]string{
		"EVENT_LIST":       "WALLCLOCK",
		"OUT_PATH":         "/tmp/out",
		"TRACE":            "true",
		"MEMSIZE":          "8388608",
		"LOW_MEMSIZE":      "2097152",
		"DELAY_SAMPLING":   "yes",
		"RETAIN_RECURSION": "1",
		"IGNORE_THREAD":    "0,2, 5",
		"ABORT_TIMEOUT":    "30",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Trace || !cfg.DelaySampling || !cfg.RetainRecursion {
		t.Error("boolean flags should all be true")
	}
	if cfg.MemSize != 8388608 || cfg.LowMemSize != 2097152 {
		t.Errorf("MemSize/LowMemSize = %d/%d", cfg.MemSize, cfg.LowMemSize)
	}
	if len(cfg.IgnoreThread) != 3 || !cfg.IgnoreThread[0] || !cfg.IgnoreThread[2] || !cfg.IgnoreThread[5] {
		t.Errorf("IgnoreThread = %v", cfg.IgnoreThread)
	}
	if cfg.AbortTimeout.Seconds() != 30 {
		t.Errorf("AbortTimeout = %v, want 30s", cfg.AbortTimeout)
	}
}

func TestFromEnvironRejectsLowMemSizeExceedingMemSize(t *testing.T) {
	_, err := config.FromEnviron(fakeEnv(map[string]string{
		"EVENT_LIST":  "WALLCLOCK",
		"OUT_PATH":    "/tmp/out",
		"MEMSIZE":     "1000",
		"LOW_MEMSIZE": "2000",
	}))
	if err == nil {
		t.Fatal("expected error when LOW_MEMSIZE exceeds MEMSIZE")
	}
}

const validPolicyYAML = `
ignore_ranges:
  - module_path: "/lib/libhpcrun-helper.so"
    start_off: 0
    end_off: 4096
`

func TestLoadPolicyValid(t *testing.T) {
	path := writeTemp(t, validPolicyYAML)
	p, err := config.LoadPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.IgnoreRanges) != 1 || p.IgnoreRanges[0].ModulePath != "/lib/libhpcrun-helper.so" {
		t.Errorf("IgnoreRanges = %+v", p.IgnoreRanges)
	}
}

func TestLoadPolicyRejectsInvalidRange(t *testing.T) {
	path := writeTemp(t, `
ignore_ranges:
  - module_path: "/lib/x.so"
    start_off: 100
    end_off: 50
`)
	if _, err := config.LoadPolicy(path); err == nil {
		t.Fatal("expected error for end_off <= start_off")
	}
}

func TestLoadPolicyRejectsMissingModulePath(t *testing.T) {
	path := writeTemp(t, `
ignore_ranges:
  - start_off: 0
    end_off: 10
`)
	if _, err := config.LoadPolicy(path); err == nil {
		t.Fatal("expected error for missing module_path")
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	if _, err := config.LoadPolicy("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
