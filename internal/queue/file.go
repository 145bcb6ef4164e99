package queue

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
)

func init() {
	Register("file", func(options map[string]any, _ Handler) (Queue, error) {
		path, _ := options["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("file queue needs path")
		}
		return NewFileQueue(path), nil
	})
}

// FileQueue persists messages as newline-delimited JSON in a local
// file: enqueue appends lines, the worker drains the whole file. There
// is no redelivery; Delete is a no-op.
type FileQueue struct {
	path string
	mu   sync.Mutex

	drained bool
}

func NewFileQueue(path string) *FileQueue {
	return &FileQueue{path: path}
}

func (q *FileQueue) StartBatch(int) Batch {
	return &fileBatch{q: q}
}

// ReceiveMessages returns every message in the jobs file on the first
// call and nothing afterwards.
func (q *FileQueue) ReceiveMessages() ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return nil, nil
	}
	q.drained = true

	f, err := os.Open(q.path)
	if err != nil {
		return nil, errors.Wrapf(ErrQueue, "open jobs file: %v", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageBytes+64*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msgs = append(msgs, fileMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrQueue, "read jobs file: %v", err)
	}
	return msgs, nil
}

type fileMessage []byte

func (m fileMessage) Body() []byte  { return []byte(m) }
func (m fileMessage) Delete() error { return nil }

type fileBatch struct {
	q    *FileQueue
	jobs []Job
}

func (b *fileBatch) Append(job Job) error {
	body, err := encodeMessage([]Job{job})
	if err != nil {
		return err
	}
	if len(body) > MaxMessageBytes {
		return fmt.Errorf("job of %d bytes exceeds message limit %d",
			len(body), MaxMessageBytes)
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *fileBatch) Flush() error {
	if len(b.jobs) == 0 {
		return nil
	}

	b.q.mu.Lock()
	defer b.q.mu.Unlock()

	f, err := os.OpenFile(b.q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(ErrQueue, "open jobs file: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, job := range b.jobs {
		body, err := encodeMessage([]Job{job})
		if err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return errors.Wrapf(ErrQueue, "write jobs file: %v", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return errors.Wrapf(ErrQueue, "write jobs file: %v", err)
		}
	}
	b.jobs = nil
	return w.Flush()
}
