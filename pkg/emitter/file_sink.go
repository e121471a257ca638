package emitter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Format is the on-disk record encoding.
type Format int

const (
	// JSONLines writes one JSON object per line
	JSONLines Format = iota
	// Msgpack writes back-to-back msgpack maps
	Msgpack
)

// ParseFormat accepts the config names "json" and "msgpack".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", "":
		return JSONLines, nil
	case "msgpack":
		return Msgpack, nil
	}
	return 0, fmt.Errorf("unknown event format %q", s)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// FileSink appends events to a file, optionally zstd compressed.
type FileSink struct {
	file            *os.File
	bufWriter       *bufio.Writer
	writer          io.WriteCloser
	encode          func(Event) error
	path            string
	format          Format
	compressionType CompressionType
	eventCount      int
}

// FileSinkOptions contains options for creating a file sink
type FileSinkOptions struct {
	Format          Format
	CompressionType CompressionType
}

// DefaultFileSinkOptions returns default options for file sink
func DefaultFileSinkOptions() FileSinkOptions {
	return FileSinkOptions{
		Format:          JSONLines,
		CompressionType: DefaultCompression,
	}
}

// NewFileSink creates a new file sink with default options
func NewFileSink(path string) (*FileSink, error) {
	return NewFileSinkWithOptions(path, DefaultFileSinkOptions())
}

// NewFileSinkWithOptions creates a new file sink with the given options
func NewFileSinkWithOptions(path string, options FileSinkOptions) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	bufWriter := bufio.NewWriter(f)
	writer, err := newCompressedWriter(bufWriter, options.CompressionType)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &FileSink{
		file:            f,
		bufWriter:       bufWriter,
		writer:          writer,
		path:            path,
		format:          options.Format,
		compressionType: options.CompressionType,
	}
	s.encode = s.encoderFor(writer)
	return s, nil
}

func (s *FileSink) encoderFor(w io.Writer) func(Event) error {
	if s.format == Msgpack {
		enc := msgpack.NewEncoder(w)
		return func(e Event) error { return enc.Encode(&e) }
	}
	return func(e Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	}
}

type flusher interface {
	Flush() error
}

// Write encodes the batch and pushes it to the file.
func (s *FileSink) Write(batch []Event) error {
	for _, e := range batch {
		if err := s.encode(e); err != nil {
			return err
		}
		s.eventCount++
	}

	if f, ok := s.writer.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return s.bufWriter.Flush()
}

// Path returns the file being written.
func (s *FileSink) Path() string { return s.path }

// Count returns the number of events written by this sink.
func (s *FileSink) Count() int { return s.eventCount }

// Close flushes and closes the file
func (s *FileSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return err
	}
	if err := s.bufWriter.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// ReadEvents decodes an event file written by FileSink. Compression and
// format are detected from the content.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeEvents(f)
}

// DecodeEvents decodes a stream written by FileSink.
func DecodeEvents(r io.Reader) ([]Event, error) {
	br := bufio.NewReader(r)

	compression := NoCompression
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		compression = ZstdCompression
	}
	rc, err := newCompressedReader(br, compression)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body := bufio.NewReader(rc)
	first, err := body.Peek(1)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []Event
	if first[0] == '{' {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64<<10), 16<<20)
		for scanner.Scan() {
			var e Event
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				return events, fmt.Errorf("event %d: %w", len(events), err)
			}
			events = append(events, e)
		}
		return events, scanner.Err()
	}

	dec := msgpack.NewDecoder(body)
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, fmt.Errorf("event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
}
