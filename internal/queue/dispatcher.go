package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher pushes jobs onto a queue batch, swallowing and logging
// enqueue errors so one bad job cannot abort a planning run. Progress
// is logged on a count-or-time interval, whichever comes first.
type Dispatcher struct {
	batch Batch
	log   *slog.Logger

	idx        int
	nextLogIdx int
	nextLogAt  time.Time
}

const (
	dispatchLogEvery    = 1000
	dispatchLogInterval = 30 * time.Second
)

func NewDispatcher(q Queue, maxBatchLen int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		batch:     q.StartBatch(maxBatchLen),
		log:       log,
		nextLogAt: time.Now().Add(dispatchLogInterval),
	}
}

func (d *Dispatcher) Append(job Job) {
	if err := d.batch.Append(job); err != nil {
		d.log.Warn("failed to enqueue job", "error", err)
	}

	d.idx++
	if d.idx >= d.nextLogIdx || time.Now().After(d.nextLogAt) {
		d.log.Info("dispatched jobs", "count", d.idx)
		d.nextLogIdx = d.idx + dispatchLogEvery
		d.nextLogAt = time.Now().Add(dispatchLogInterval)
	}
}

func (d *Dispatcher) Flush() {
	if err := d.batch.Flush(); err != nil {
		d.log.Warn("failed to flush batch", "error", err)
	}
	d.log.Info("dispatcher done", "total", d.idx)
}

// Sizer accumulates freeze-dried render tiles sharing one sources set
// into a renderbatch job, bounded by the message size budget.
type Sizer struct {
	sources     []RenderSource
	limit       int
	data        []json.RawMessage
	size        int
	initialSize int
}

func NewSizer(sources []RenderSource, limit int) (*Sizer, error) {
	s := &Sizer{sources: sources, limit: limit}
	empty, err := json.Marshal(s.job())
	if err != nil {
		return nil, err
	}
	s.initialSize = len(empty)
	s.size = s.initialSize
	return s, nil
}

func (s *Sizer) job() Job {
	data, _ := json.Marshal(s.data)
	return Job{Job: "renderbatch", Sources: s.sources, Data: data}
}

// Append adds one tile. If adding it would overflow the budget, the
// current contents are returned as a flushed job first. A tile that
// cannot fit even alone is an error.
func (s *Sizer) Append(data json.RawMessage) (*Job, error) {
	dataSize := len(data) + 1

	if s.initialSize+dataSize > s.limit {
		return nil, fmt.Errorf("job of %d bytes cannot fit size limit %d",
			dataSize, s.limit)
	}

	var flushed *Job
	if s.size+dataSize > s.limit {
		flushed = s.Flush()
	}

	s.data = append(s.data, data)
	s.size += dataSize
	return flushed, nil
}

// Flush returns the accumulated renderbatch and resets the sizer.
// Returns nil when empty.
func (s *Sizer) Flush() *Job {
	if len(s.data) == 0 {
		return nil
	}
	job := s.job()
	s.data = nil
	s.size = s.initialSize
	return &job
}

// GroupingDispatcher groups render jobs by their canonicalized sources
// set so that tiles needing the same inputs travel together, improving
// worker cache reuse. Download and other jobs pass straight through,
// one per message.
type GroupingDispatcher struct {
	dispatcher *Dispatcher
	limit      int
	log        *slog.Logger
	batches    map[string]*Sizer
	order      []string
}

func NewGroupingDispatcher(q Queue, maxBatchLen int, log *slog.Logger, sizeLimit int) *GroupingDispatcher {
	if sizeLimit <= 0 {
		sizeLimit = MaxMessageBytes
	}
	return &GroupingDispatcher{
		dispatcher: NewDispatcher(q, maxBatchLen, log),
		limit:      sizeLimit,
		log:        log,
		batches:    map[string]*Sizer{},
	}
}

func (g *GroupingDispatcher) Append(job Job) {
	if job.Job != "render" || len(job.Sources) == 0 {
		g.dispatcher.Append(job)
		return
	}

	key, err := Freeze(job.Sources)
	if err != nil {
		g.log.Warn("failed to key render job", "error", err)
		g.dispatcher.Append(job)
		return
	}

	sizer := g.batches[key]
	if sizer == nil {
		sizer, err = NewSizer(job.Sources, g.limit)
		if err != nil {
			g.log.Warn("failed to start render batch", "error", err)
			return
		}
		g.batches[key] = sizer
		g.order = append(g.order, key)
	}

	flushed, err := sizer.Append(job.Data)
	if err != nil {
		g.log.Warn("render job too large for batching", "error", err)
		return
	}
	if flushed != nil {
		g.dispatcher.Append(*flushed)
	}
}

// Flush emits every in-flight per-key batch and flushes the underlying
// dispatcher.
func (g *GroupingDispatcher) Flush() {
	for _, key := range g.order {
		if job := g.batches[key].Flush(); job != nil {
			g.dispatcher.Append(*job)
		}
	}
	g.batches = map[string]*Sizer{}
	g.order = nil
	g.dispatcher.Flush()
}
