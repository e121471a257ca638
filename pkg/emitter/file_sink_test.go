package emitter

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func sampleEvents() []Event {
	ret := uint64(0)
	return []Event{
		{Seq: 1, Timestamp: 100, Type: CallStart, Symbol: "cuLaunchKernel", ThreadID: 42, CallID: 1, Args: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
		{Seq: 2, Timestamp: 250, Type: CallComplete, Symbol: "cuLaunchKernel", ThreadID: 42, CallID: 1, Return: &ret, Detail: "CUDA_SUCCESS"},
		{Seq: 3, Timestamp: 300, Type: CheckpointBegin, ThreadID: 42, DeviceID: 1, Detail: "checkpoint 1"},
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		opts FileSinkOptions
	}{
		{"json", FileSinkOptions{Format: JSONLines, CompressionType: NoCompression}},
		{"json-zstd", FileSinkOptions{Format: JSONLines, CompressionType: ZstdCompression}},
		{"msgpack", FileSinkOptions{Format: Msgpack, CompressionType: NoCompression}},
		{"msgpack-zstd", FileSinkOptions{Format: Msgpack, CompressionType: ZstdCompression}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "events.kflow")
			sink, err := NewFileSinkWithOptions(path, tc.opts)
			if err != nil {
				t.Fatalf("Failed to create sink: %v", err)
			}

			want := sampleEvents()
			if err := sink.Write(want[:2]); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := sink.Write(want[2:]); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if sink.Count() != 3 {
				t.Errorf("Expected count 3, got %d", sink.Count())
			}
			if err := sink.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			got, err := ReadEvents(path)
			if err != nil {
				t.Fatalf("ReadEvents: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("Expected %d events, got %d", len(want), len(got))
			}
			for i := range want {
				w, g := want[i], got[i]
				if g.Seq != w.Seq || g.Type != w.Type || g.Symbol != w.Symbol || g.ThreadID != w.ThreadID ||
					g.CallID != w.CallID || g.DeviceID != w.DeviceID || g.Detail != w.Detail || g.Timestamp != w.Timestamp {
					t.Errorf("Event %d mismatch: want %v, got %v", i, w, g)
				}
				if !bytes.Equal(g.Args, w.Args) {
					t.Errorf("Event %d args: want %v, got %v", i, w.Args, g.Args)
				}
				if (w.Return == nil) != (g.Return == nil) {
					t.Errorf("Event %d return presence mismatch", i)
				}
			}
		})
	}
}

func TestFileSinkCompressedIsSmaller(t *testing.T) {
	dir := t.TempDir()
	batch := make([]Event, 500)
	for i := range batch {
		batch[i] = Event{Seq: uint64(i + 1), Type: CallStart, Symbol: "cuStreamSynchronize", ThreadID: 7}
	}

	sizes := map[CompressionType]int64{}
	for _, c := range []CompressionType{NoCompression, ZstdCompression} {
		path := filepath.Join(dir, c.String())
		sink, err := NewFileSinkWithOptions(path, FileSinkOptions{Format: JSONLines, CompressionType: c})
		if err != nil {
			t.Fatalf("Failed to create sink: %v", err)
		}
		sink.Write(batch)
		sink.Close()
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		sizes[c] = info.Size()
	}

	if sizes[ZstdCompression] >= sizes[NoCompression] {
		t.Errorf("Expected zstd file (%d bytes) smaller than plain (%d bytes)", sizes[ZstdCompression], sizes[NoCompression])
	}
}

func TestReadEventsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}

func TestCompressData(t *testing.T) {
	data := bytes.Repeat([]byte("device memory "), 256)

	compressed, err := CompressData(data, ZstdCompression)
	if err != nil {
		t.Fatalf("CompressData: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("Expected compression to shrink %d bytes, got %d", len(data), len(compressed))
	}
	out, err := DecompressData(compressed, ZstdCompression)
	if err != nil {
		t.Fatalf("DecompressData: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("Round trip changed the data")
	}

	plain, _ := CompressData(data, NoCompression)
	if !bytes.Equal(plain, data) {
		t.Error("NoCompression must return data unchanged")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("msgpack"); err != nil || f != Msgpack {
		t.Errorf("ParseFormat(msgpack) = %v, %v", f, err)
	}
	if f, err := ParseFormat("json"); err != nil || f != JSONLines {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
