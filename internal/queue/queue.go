// Package queue carries serialized jobs between the enqueuer and the
// worker fleet. A message on the wire is a JSON array of job objects.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrQueue is wrapped by transient send/receive failures that survived
// the queue's own retries.
var ErrQueue = errors.New("queue error")

const (
	// DefaultMaxBatchLen is the per-API-call message count limit.
	DefaultMaxBatchLen = 10

	// MaxMessageBytes is the hard per-message size limit: 256 KiB
	// minus a safety margin for transport framing.
	MaxMessageBytes = 256*1024 - 1024
)

// Job is a single unit of work. Data holds the freeze-dried tile (an
// object for download/render, an array of objects for renderbatch).
type Job struct {
	Job     string          `json:"job"`
	Data    json.RawMessage `json:"data"`
	Sources []RenderSource  `json:"sources,omitempty"`
}

// RenderSource names a source and the groups of source-store paths a
// render must localize for it.
type RenderSource struct {
	Source string     `json:"source"`
	Vrts   [][]string `json:"vrts"`
}

// Queue is the transport abstraction.
type Queue interface {
	// StartBatch begins a send batch holding at most maxBatchLen
	// messages per underlying send call.
	StartBatch(maxBatchLen int) Batch
	// ReceiveMessages returns the next available messages; an empty
	// slice means "nothing right now, poll again".
	ReceiveMessages() ([]Message, error)
}

// Batch buffers jobs for sending. Each appended job becomes one
// message (a singleton JSON array); Append may flush internally when
// the count budget fills.
type Batch interface {
	Append(job Job) error
	Flush() error
}

// Message is one received message.
type Message interface {
	// Body is the raw payload: a JSON array of jobs.
	Body() []byte
	// Delete acknowledges successful processing.
	Delete() error
}

// Handler processes one message body. The fake queue dispatches
// through it synchronously.
type Handler func(body []byte) error

// Factory builds a queue from config options. The handler is only
// used by in-process implementations.
type Factory func(options map[string]any, h Handler) (Queue, error)

var registry = map[string]Factory{}

func Register(typ string, f Factory) {
	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("queue type %q registered twice", typ))
	}
	registry[typ] = f
}

// Create builds the queue named by options["type"].
func Create(options map[string]any, h Handler) (Queue, error) {
	typ, _ := options["type"].(string)
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown queue type %q", typ)
	}
	return f(options, h)
}

// encodeMessage wraps jobs as the wire-format JSON array.
func encodeMessage(jobs []Job) ([]byte, error) {
	return json.Marshal(jobs)
}

// DecodeMessage parses a message body back into jobs.
func DecodeMessage(body []byte) ([]Job, error) {
	var jobs []Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return jobs, nil
}
