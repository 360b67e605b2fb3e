package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ReadManifest loads the manifest of the bundle in dir.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ReadEvents streams the events of the bundle in dir to fn in order. It stops
// at the first error returned by fn.
func ReadEvents(dir string, fn func(Event) error) error {
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	file, err := os.Open(filepath.Join(dir, m.EventsPath))
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadFrames loads every roster frame of the bundle in dir.
func ReadFrames(dir string) ([]Frame, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, m.FramesPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var frames []Frame
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return nil, fmt.Errorf("frame header truncated: %w", err)
		}
		size := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, fmt.Errorf("frame payload truncated: %w", err)
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		frames = append(frames, f)
	}
}
