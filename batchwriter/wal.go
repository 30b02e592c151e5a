package batchwriter

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
)

// walFile is the append-only fallback store for batches that
// exhausted retry. Records are newline-delimited JSON arrays of
// Point, one per failed batch, so a partial write never corrupts a
// neighboring record. Replay-on-start (§9) reads every record back
// into the buffer before the file is truncated for the new run.
type walFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// openWAL opens (creating if absent) the WAL at path, replays any
// records left from a previous run, and returns the still-open handle
// ready for future appends.
func openWAL(path string) (*walFile, []Point, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var replayed []Point
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var batch []Point
		if err := json.Unmarshal(line, &batch); err != nil {
			// A half-written final record from a prior crash; stop
			// replaying rather than fail the whole startup.
			break
		}
		replayed = append(replayed, batch...)
	}

	return &walFile{path: path, f: f}, replayed, nil
}

// append writes one batch as a single newline-terminated JSON record.
func (w *walFile) append(batch []Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.f.Write(data); err != nil {
		return err
	}
	return w.f.Sync()
}

// truncate discards every record — called once a flush succeeds and
// the WAL no longer needs to cover the in-memory buffer.
func (w *walFile) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return err
	}
	_, err := w.f.Seek(0, 0)
	return err
}

func (w *walFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
