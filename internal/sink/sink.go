// Package sink implements the optional remote delivery path described in
// SPEC_FULL.md §H: after a thread's profile file is durably written and
// journaled, stream its bytes to a remote collection endpoint over gRPC
// with mTLS, so finalization never blocks on network availability.
//
// Grounded on internal/transport/grpctransport.go's connection shape
// (mTLS credential loading, exponential-backoff reconnection via
// cenkalti/backoff) and internal/server/grpc/alert_service.go's
// bidirectional-streaming RPC pattern, repurposed: RegisterAgent becomes
// RegisterRun (exchange a collector-assigned run id), StreamAlerts becomes
// StreamProfiles (push one file's bytes, chunked, ending in a single ack).
//
// Unlike the teacher, this package does not use protoc-generated stubs:
// generating them requires running protoc (or the teacher's gen.go helper)
// through the Go toolchain, which this module's build process cannot do.
// Instead it registers a small JSON codec with grpc's encoding package and
// invokes RPCs through the low-level grpc.ClientConn.Invoke/NewStream API
// by full method name — a fully supported idiomatic approach that avoids
// code generation while keeping the exact same connection machinery
// (mTLS, backoff, streaming) the teacher's transport uses.
package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
)

const serviceName = "sigtrace.profilesink.ProfileSink"

var (
	registerRunMethod    = "/" + serviceName + "/RegisterRun"
	streamProfilesMethod = "/" + serviceName + "/StreamProfiles"
)

// chunkSize bounds how much file data is sent per stream message, so a
// multi-hundred-megabyte profile never requires buffering the whole
// message in one gRPC frame.
const chunkSize = 256 * 1024

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec is a minimal grpc/encoding.Codec implementation. Registered
// under the name "json" and selected per-call via
// grpc.CallContentSubtype("json"), it lets this package speak gRPC's
// framing and streaming semantics over plain JSON-tagged Go structs
// instead of protoc-generated proto.Message types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// RegisterRunRequest identifies this run to the collector.
type RegisterRunRequest struct {
	ProgramPath string `json:"program_path"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	JobID       string `json:"job_id"`
}

// RegisterRunResponse carries the collector-assigned run id embedded in
// every subsequent ProfileChunk.
type RegisterRunResponse struct {
	RunID string `json:"run_id"`
}

// ProfileChunk is one piece of a per-thread profile file in flight.
type ProfileChunk struct {
	RunID    string `json:"run_id"`
	ThreadID int    `json:"thread_id"`
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
	Final    bool   `json:"final"`
}

// Ack is the single response the collector sends after the client closes
// its send side of a StreamProfiles call.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultQueueDepth     = 64
	defaultMaxAttempts    = 3
)

// Config holds the sink's connection configuration.
type Config struct {
	// CollectorAddr is the "host:port" of the remote collection endpoint.
	// Required.
	CollectorAddr string

	// CertPath, KeyPath, CAPath are the mTLS credential paths. Required.
	CertPath string
	KeyPath  string
	CAPath   string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration

	Hostname    string
	Platform    string
	ProgramPath string

	// QueueDepth bounds the number of files awaiting delivery. Enqueue
	// never blocks: once the queue is full, further Enqueue calls drop
	// the file and report false, matching spec.md's "never blocks on the
	// sink" constraint.
	QueueDepth int

	// MaxAttempts bounds the number of delivery attempts per file before
	// giving up on it entirely.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

type fileJob struct {
	threadID int
	path     string
}

// Sink delivers finished profile files to a remote collector. The zero
// value is not usable; construct with New.
type Sink struct {
	cfg    Config
	logger *slog.Logger

	creds credentials.TransportCredentials

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	runID  string

	jobs chan fileJob
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Sink. Call Start before Enqueue.
func New(cfg Config, logger *slog.Logger) *Sink {
	cfg.applyDefaults()
	return &Sink{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan fileJob, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
}

// Start loads the mTLS credentials and launches the background delivery
// goroutine. Returns an error only if the credential files cannot be
// loaded; all connectivity failures are retried internally per file.
func (s *Sink) Start(ctx context.Context) error {
	creds, err := s.loadTLSCredentials()
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	s.creds = creds

	if s.cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		s.cfg.Hostname = h
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Enqueue schedules the file at path (written for threadID) for delivery.
// It never blocks: if the delivery queue is full, it drops the file and
// returns false so the caller can count the drop, matching the "stream
// never blocks local finalization" contract.
func (s *Sink) Enqueue(threadID int, path string) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.jobs <- fileJob{threadID: threadID, path: path}:
		return true
	default:
		return false
	}
}

// Stop signals the delivery goroutine to exit once its current job
// finishes and waits for it. Safe to call multiple times.
func (s *Sink) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case job := <-s.jobs:
			s.deliverWithRetry(ctx, job)
		}
	}
}

func (s *Sink) deliverWithRetry(ctx context.Context, job fileJob) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	bounded := backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1))

	err := backoff.Retry(func() error {
		return s.deliver(ctx, job)
	}, bounded)
	if err != nil {
		s.logger.Warn("sink: giving up on file after retries",
			slog.String("path", job.path), slog.Any("error", err))
	}
}

func (s *Sink) deliver(ctx context.Context, job fileJob) error {
	conn, err := s.ensureConn(ctx)
	if err != nil {
		return fmt.Errorf("sink: connect: %w", err)
	}

	data, err := os.ReadFile(job.path)
	if err != nil {
		// A missing file is not a transient network problem; don't retry it.
		return backoff.Permanent(fmt.Errorf("sink: read %q: %w", job.path, err))
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "StreamProfiles", ClientStreams: true},
		streamProfilesMethod, grpc.CallContentSubtype("json"))
	if err != nil {
		return fmt.Errorf("sink: open stream: %w", err)
	}

	s.mu.RLock()
	runID := s.runID
	s.mu.RUnlock()

	chunks := splitChunks(data, chunkSize)
	for i, c := range chunks {
		chunk := ProfileChunk{
			RunID:    runID,
			ThreadID: job.threadID,
			Filename: job.path,
			Data:     c,
			Final:    i == len(chunks)-1,
		}
		if err := stream.SendMsg(&chunk); err != nil {
			return fmt.Errorf("sink: send chunk: %w", err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("sink: close send: %w", err)
	}

	var ack Ack
	if err := stream.RecvMsg(&ack); err != nil && err != io.EOF {
		return fmt.Errorf("sink: recv ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("sink: collector rejected file %q: %s", job.path, ack.Error)
	}
	return nil
}

// splitChunks divides data into pieces of at most size bytes, always
// returning at least one (possibly empty) chunk so a zero-length file
// still produces a single Final chunk.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

// ensureConn returns the cached connection, dialing and registering a new
// run if none exists yet (or if a previous attempt tore it down).
func (s *Sink) ensureConn(ctx context.Context) (*grpc.ClientConn, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := grpc.NewClient(s.cfg.CollectorAddr, grpc.WithTransportCredentials(s.creds))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.CollectorAddr, err)
	}

	regCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	var resp RegisterRunResponse
	req := RegisterRunRequest{
		ProgramPath: s.cfg.ProgramPath,
		Hostname:    s.cfg.Hostname,
		Platform:    s.cfg.Platform,
		JobID:       uuid.New().String(),
	}
	if err := conn.Invoke(regCtx, registerRunMethod, &req, &resp, grpc.CallContentSubtype("json")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("RegisterRun: %w", err)
	}

	s.conn = conn
	s.runID = resp.RunID
	return conn, nil
}

func (s *Sink) loadTLSCredentials() (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load agent cert/key (%s, %s): %w", s.cfg.CertPath, s.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(s.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", s.cfg.CAPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", s.cfg.CAPath)
	}

	serverName, _, err := net.SplitHostPort(s.cfg.CollectorAddr)
	if err != nil {
		serverName = s.cfg.CollectorAddr
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
