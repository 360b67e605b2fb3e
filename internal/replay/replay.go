// Package replay records a viewer session to disk: every simulation payload
// as a snappy-compressed JSON line, and a roster frame after each objects
// update as length-prefixed JSON in a zstd stream.
package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/ert-concierge/concierge/internal/planetary"
	"github.com/ert-concierge/concierge/pkg/protocol"
)

const (
	EventsFile   = "events.jsonl.sz"
	FramesFile   = "frames.bin.zst"
	ManifestFile = "manifest.json"

	frameHeaderSize = 8 + 8 + 4
)

var sessionCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the bundle layout.
type Manifest struct {
	Version    int    `json:"version"`
	Session    string `json:"session"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	FramesPath string `json:"frames_path"`
}

// Event is one recorded simulation payload.
type Event struct {
	Seq        uint64          `json:"seq"`
	CapturedAt time.Time       `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Body is the state of one entity inside a frame.
type Body struct {
	ID       string     `json:"id"`
	Position [3]float64 `json:"position"`
	Diameter float64    `json:"diameter"`
	Lit      bool       `json:"lit"`
	// Trail is the trail history as WKT.
	Trail string `json:"trail,omitempty"`
}

// Frame is the roster after an objects update.
type Frame struct {
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
	Bodies     []Body    `json:"bodies"`
}

// Recorder implements planetary.Recorder.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	seq         uint64
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
}

var _ planetary.Recorder = (*Recorder)(nil)

// NewRecorder creates <root>/<session>-<timestamp>/ and opens its streams.
func NewRecorder(root, session string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionCleaner.ReplaceAllString(session, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:    1,
		Session:    cleaned,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: EventsFile,
		FramesPath: FramesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(dir, EventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(dir, FramesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	return &Recorder{
		dir:         dir,
		now:         clock,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, manifest, nil
}

// Directory is the bundle directory.
func (r *Recorder) Directory() string {
	return r.dir
}

// Record appends p to the event log and, for objects updates, a roster frame.
func (r *Recorder) Record(p protocol.Payload, s *planetary.Service) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.PayloadType(), err)
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++

	line, err := json.Marshal(Event{Seq: r.seq, CapturedAt: captured, Type: p.PayloadType(), Payload: payload})
	if err != nil {
		return err
	}
	if _, err := r.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := r.eventStream.Flush(); err != nil {
		return err
	}

	if _, ok := p.(protocol.SystemObjsDump); !ok {
		return nil
	}
	bodies, err := snapshot(s)
	if err != nil {
		return err
	}
	return r.writeFrameLocked(Frame{Seq: r.seq, CapturedAt: captured, Bodies: bodies})
}

func snapshot(s *planetary.Service) ([]Body, error) {
	entities := s.Entities()
	bodies := make([]Body, 0, len(entities))
	for _, e := range entities {
		b := Body{
			ID:       e.ID(),
			Position: e.Position(),
			Diameter: e.Shape().Diameter(),
			Lit:      e.IsLit(),
		}
		if tr := e.Trail(); tr != nil {
			ls, err := tr.LineString()
			if err != nil {
				return nil, err
			}
			if !ls.IsEmpty() {
				b.Trail = ls.AsText()
			}
		}
		bodies = append(bodies, b)
	}
	return bodies, nil
}

func (r *Recorder) writeFrameLocked(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], f.Seq)
	binary.LittleEndian.PutUint64(header[8:16], uint64(f.CapturedAt.UnixNano()))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	if _, err := r.frameStream.Write(header); err != nil {
		return err
	}
	_, err = r.frameStream.Write(payload)
	return err
}

// Close flushes every stream and releases the files. The first error wins.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(r.eventStream.Close())
	keep(r.eventFile.Close())
	keep(r.frameStream.Close())
	keep(r.frameFile.Close())
	return firstErr
}
