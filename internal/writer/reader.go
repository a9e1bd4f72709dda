package writer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigtrace/hpcrun/internal/cct"
	"github.com/sigtrace/hpcrun/internal/loadmap"
)

// footerSize is ten big-endian u64 section offsets plus the magic value,
// matching what Finalize writes.
const footerSize = 11 * 8

// Footer is the parsed trailing index of section byte offsets.
type Footer struct {
	HdrStart, HdrEnd         int64
	LoadmapStart, LoadmapEnd int64
	CCTStart, CCTEnd         int64
	MetTblStart, MetTblEnd   int64
	SMStart, SMEnd           int64
}

// ModuleRecord is one loadmap entry as persisted by writeLoadmap.
type ModuleRecord struct {
	ID    loadmap.ModuleID
	Path  string
	Flags loadmap.Flag
}

// CCTNodeRecord is one CCT node as persisted by writeCCTNode.
type CCTNodeRecord struct {
	ID       uint32
	ParentID uint32
	Addr     loadmap.NormalizedIP
	Metrics  map[cct.MetricID]float64
}

// Profile is the fully parsed contents of one .hpcrun file's most recent
// epoch — the reader half of the footer-indexed format Writer produces,
// exercising spec.md §8's round-trip property (write, reparse via the
// footer index, reconstruct the tree).
type Profile struct {
	Header  Header
	Modules []ModuleRecord
	Nodes   []CCTNodeRecord
	Metrics []MetricDef
}

// Read parses data, a complete file image produced by a Writer, into a
// Profile. Only the most recent (first-written, per WriteEpochs' "newest
// first") epoch is parsed even when the underlying file holds more than one
// — the native multi-epoch footer layout is underspecified by spec.md and
// this module's single-epoch default is the documented contract (DESIGN.md
// Open Question 3).
func Read(data []byte) (*Profile, error) {
	f, err := parseFooter(data)
	if err != nil {
		return nil, err
	}

	hdr, err := parseHeader(data[f.HdrStart:f.HdrEnd])
	if err != nil {
		return nil, fmt.Errorf("writer: read header: %w", err)
	}
	mods, err := parseLoadmap(data[f.LoadmapStart:f.LoadmapEnd])
	if err != nil {
		return nil, fmt.Errorf("writer: read loadmap: %w", err)
	}
	nodes, err := parseCCT(data[f.CCTStart:f.CCTEnd])
	if err != nil {
		return nil, fmt.Errorf("writer: read cct: %w", err)
	}
	metrics, err := parseMetricTable(data[f.MetTblStart:f.MetTblEnd])
	if err != nil {
		return nil, fmt.Errorf("writer: read metric table: %w", err)
	}

	return &Profile{Header: *hdr, Modules: mods, Nodes: nodes, Metrics: metrics}, nil
}

func parseFooter(data []byte) (Footer, error) {
	if len(data) < footerSize {
		return Footer{}, fmt.Errorf("writer: file too small for footer: %d bytes", len(data))
	}
	tail := data[len(data)-footerSize:]
	var offs [10]uint64
	for i := range offs {
		offs[i] = binary.BigEndian.Uint64(tail[i*8 : i*8+8])
	}
	if gotMagic := binary.BigEndian.Uint64(tail[80:88]); gotMagic != magic {
		return Footer{}, fmt.Errorf("writer: bad footer magic %#x, want %#x", gotMagic, magic)
	}
	return Footer{
		HdrStart: int64(offs[0]), HdrEnd: int64(offs[1]),
		LoadmapStart: int64(offs[2]), LoadmapEnd: int64(offs[3]),
		CCTStart: int64(offs[4]), CCTEnd: int64(offs[5]),
		MetTblStart: int64(offs[6]), MetTblEnd: int64(offs[7]),
		SMStart: int64(offs[8]), SMEnd: int64(offs[9]),
	}, nil
}

func readStr(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func parseHeader(b []byte) (*Header, error) {
	r := bytes.NewReader(b)
	h := &Header{}
	var err error
	if h.ProgramPath, err = readStr(r); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.PID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.TID); err != nil {
		return nil, err
	}
	if h.HostID, err = readStr(r); err != nil {
		return nil, err
	}
	jobBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, jobBytes); err != nil {
		return nil, err
	}
	if err := h.JobID.UnmarshalBinary(jobBytes); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.TraceTimeMin); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.TraceTimeMax); err != nil {
		return nil, err
	}
	return h, nil
}

// parseLoadmap reads the single loadmap block WriteEpochs writes by default.
func parseLoadmap(b []byte) ([]ModuleRecord, error) {
	r := bytes.NewReader(b)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	mods := make([]ModuleRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var id uint16
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return nil, err
		}
		path, err := readStr(r)
		if err != nil {
			return nil, err
		}
		var flags uint32
		if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
			return nil, err
		}
		mods = append(mods, ModuleRecord{ID: loadmap.ModuleID(id), Path: path, Flags: loadmap.Flag(flags)})
	}
	return mods, nil
}

// parseCCT reads the first epoch's depth-first pre-order node stream:
// writeCCT never writes a leading node count, so it stops where b is
// exhausted or where a second super-root (node id 0) starts the next
// epoch's stream.
func parseCCT(b []byte) ([]CCTNodeRecord, error) {
	r := bytes.NewReader(b)
	var nodes []CCTNodeRecord
	for r.Len() > 0 {
		var n CCTNodeRecord
		if err := binary.Read(r, binary.BigEndian, &n.ID); err != nil {
			return nil, err
		}
		if n.ID == 0 && len(nodes) > 0 {
			break
		}
		if err := binary.Read(r, binary.BigEndian, &n.ParentID); err != nil {
			return nil, err
		}
		var modID uint16
		if err := binary.Read(r, binary.BigEndian, &modID); err != nil {
			return nil, err
		}
		var off uint64
		if err := binary.Read(r, binary.BigEndian, &off); err != nil {
			return nil, err
		}
		n.Addr = loadmap.NormalizedIP{ModuleID: loadmap.ModuleID(modID), Offset: off}

		var metricCount uint16
		if err := binary.Read(r, binary.BigEndian, &metricCount); err != nil {
			return nil, err
		}
		if metricCount > 0 {
			n.Metrics = make(map[cct.MetricID]float64, metricCount)
		}
		for i := uint16(0); i < metricCount; i++ {
			var id uint16
			if err := binary.Read(r, binary.BigEndian, &id); err != nil {
				return nil, err
			}
			var v float64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			n.Metrics[cct.MetricID(id)] = v
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseMetricTable(b []byte) ([]MetricDef, error) {
	r := bytes.NewReader(b)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	defs := make([]MetricDef, 0, count)
	for i := uint32(0); i < count; i++ {
		var d MetricDef
		var err error
		if d.Name, err = readStr(r); err != nil {
			return nil, err
		}
		if d.Unit, err = readStr(r); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &d.Flags); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &d.Period); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}
