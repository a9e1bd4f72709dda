// Package config resolves this collector's runtime configuration from the
// environment variables the launching loader process sets (spec.md §6),
// plus an optional YAML policy file for settings that don't fit cleanly in
// a single env var (the ignored-PC ranges consulted by package sample).
// Env-var parsing follows the loader/in-process split spec.md §6
// describes; the YAML policy file loading mirrors the teacher's
// internal/config package almost verbatim (ReadFile + yaml.Unmarshal +
// applyDefaults + validate), since that shape is exactly what this
// collector needs for the one piece of configuration too structured for
// an env var.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventKind distinguishes a counting event (sample every N occurrences)
// from a frequency event (sample at approximately N Hz), per spec.md §6's
// `EVENT[@THRESHOLD|@fFREQ]` CLI grammar.
type EventKind int

const (
	EventKindThreshold EventKind = iota
	EventKindFrequency
)

// EventSpec is one parsed entry from EVENT_LIST.
type EventSpec struct {
	Name      string
	Kind      EventKind
	Threshold uint64  // valid when Kind == EventKindThreshold
	FreqHz    float64 // valid when Kind == EventKindFrequency
}

// defaultThreshold is used when an event is given with no `@spec` suffix
// at all, matching the CLI's "EVENT" bare form.
const defaultThreshold = 1

// ParseEventList parses the `;`-separated `evt[@spec]` grammar of
// spec.md §6's EVENT_LIST variable. A spec of the form `@123` is a count
// threshold; `@f100` is a frequency in Hz (the `f` prefix, per the CLI's
// `@fFREQ` form). An event with no `@spec` defaults to a threshold of 1.
func ParseEventList(raw string) ([]EventSpec, error) {
	var specs []EventSpec
	for _, tok := range strings.Split(raw, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, rest, hasSpec := strings.Cut(tok, "@")
		if name == "" {
			return nil, fmt.Errorf("config: empty event name in %q", tok)
		}
		if !hasSpec {
			specs = append(specs, EventSpec{Name: name, Kind: EventKindThreshold, Threshold: defaultThreshold})
			continue
		}
		if strings.HasPrefix(rest, "f") {
			freq, err := strconv.ParseFloat(rest[1:], 64)
			if err != nil {
				return nil, fmt.Errorf("config: bad frequency spec %q for event %q: %w", rest, name, err)
			}
			if freq <= 0 {
				return nil, fmt.Errorf("config: frequency must be positive, got %q for event %q", rest, name)
			}
			specs = append(specs, EventSpec{Name: name, Kind: EventKindFrequency, FreqHz: freq})
			continue
		}
		threshold, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad threshold spec %q for event %q: %w", rest, name, err)
		}
		if threshold == 0 {
			return nil, fmt.Errorf("config: threshold must be positive, got 0 for event %q", name)
		}
		specs = append(specs, EventSpec{Name: name, Kind: EventKindThreshold, Threshold: threshold})
	}
	if len(specs) == 0 {
		return nil, errors.New("config: EVENT_LIST produced no events")
	}
	return specs, nil
}

// EnvConfig is this collector's runtime configuration, assembled from the
// environment variables spec.md §6 names.
type EnvConfig struct {
	Events          []EventSpec
	OutPath         string
	Trace           bool
	MemSize         uint64
	LowMemSize      uint64
	DelaySampling   bool
	IgnoreThread    map[int]bool
	AbortTimeout    time.Duration
	RetainRecursion bool
}

// Default arena sizes, matching spec.md §4.A's "default 4 MiB" and a low
// half that is a fraction of that, used when MEMSIZE/LOW_MEMSIZE are unset.
const (
	DefaultMemSize    = 4 << 20
	DefaultLowMemSize = 1 << 20
)

// FromEnviron reads and validates EnvConfig from the process environment.
// getenv is injected so tests don't need to mutate the real environment.
func FromEnviron(getenv func(string) string) (*EnvConfig, error) {
	cfg := &EnvConfig{
		OutPath:    getenv("OUT_PATH"),
		MemSize:    DefaultMemSize,
		LowMemSize: DefaultLowMemSize,
	}

	eventList := getenv("EVENT_LIST")
	if eventList == "" {
		return nil, errors.New("config: EVENT_LIST is required")
	}
	events, err := ParseEventList(eventList)
	if err != nil {
		return nil, err
	}
	cfg.Events = events

	if cfg.OutPath == "" {
		return nil, errors.New("config: OUT_PATH is required")
	}

	cfg.Trace = parseBoolEnv(getenv("TRACE"))
	cfg.DelaySampling = parseBoolEnv(getenv("DELAY_SAMPLING"))
	cfg.RetainRecursion = parseBoolEnv(getenv("RETAIN_RECURSION"))

	if v := getenv("MEMSIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad MEMSIZE %q: %w", v, err)
		}
		cfg.MemSize = n
	}
	if v := getenv("LOW_MEMSIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad LOW_MEMSIZE %q: %w", v, err)
		}
		cfg.LowMemSize = n
	}
	if cfg.LowMemSize > cfg.MemSize {
		return nil, fmt.Errorf("config: LOW_MEMSIZE (%d) exceeds MEMSIZE (%d)", cfg.LowMemSize, cfg.MemSize)
	}

	ignore, err := parseIgnoreThread(getenv("IGNORE_THREAD"))
	if err != nil {
		return nil, err
	}
	cfg.IgnoreThread = ignore

	if v := getenv("ABORT_TIMEOUT"); v != "" {
		secs, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: bad ABORT_TIMEOUT %q: %w", v, err)
		}
		cfg.AbortTimeout = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

func parseBoolEnv(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseIgnoreThread(raw string) (map[int]bool, error) {
	out := map[int]bool{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("config: bad IGNORE_THREAD entry %q: %w", tok, err)
		}
		out[n] = true
	}
	return out, nil
}

// Policy is the optional YAML sidecar document naming address ranges the
// dispatcher should always treat as BlockedInCollector (spec.md §4.F's
// ignore table), for code regions a caller knows in advance belong to the
// collector or its runtime but that the automatic self-range detection
// can't discover (e.g. a statically-linked helper library).
type Policy struct {
	IgnoreRanges []IgnoreRange `yaml:"ignore_ranges"`
}

// IgnoreRange names one [start, end) region by the path of the module it
// falls within and an offset range relative to that module's load base.
type IgnoreRange struct {
	ModulePath string `yaml:"module_path"`
	StartOff   uint64 `yaml:"start_off"`
	EndOff     uint64 `yaml:"end_off"`
}

// LoadPolicy reads and validates a Policy document from path. Mirrors the
// teacher's config.LoadConfig shape: read file, unmarshal, validate.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read policy %q: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: cannot parse policy %q: %w", path, err)
	}

	if err := validatePolicy(&p); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &p, nil
}

func validatePolicy(p *Policy) error {
	var errs []error
	for i, r := range p.IgnoreRanges {
		prefix := fmt.Sprintf("ignore_ranges[%d]", i)
		if r.ModulePath == "" {
			errs = append(errs, fmt.Errorf("%s: module_path is required", prefix))
		}
		if r.EndOff <= r.StartOff {
			errs = append(errs, fmt.Errorf("%s: end_off (%d) must exceed start_off (%d)", prefix, r.EndOff, r.StartOff))
		}
	}
	return errors.Join(errs...)
}
