package queue

import "github.com/pkg/errors"

func init() {
	Register("fake", func(_ map[string]any, h Handler) (Queue, error) {
		return NewFakeQueue(h), nil
	})
}

// FakeQueue holds no messages at all: each appended job is dispatched
// to the handler immediately. Useful for tests and for running the
// whole pipeline in one process.
type FakeQueue struct {
	handler Handler
}

func NewFakeQueue(h Handler) *FakeQueue {
	return &FakeQueue{handler: h}
}

func (q *FakeQueue) StartBatch(int) Batch {
	return &fakeBatch{q: q}
}

func (q *FakeQueue) ReceiveMessages() ([]Message, error) {
	return nil, errors.Wrap(ErrQueue, "fake queue holds no messages")
}

type fakeBatch struct {
	q *FakeQueue
}

func (b *fakeBatch) Append(job Job) error {
	body, err := encodeMessage([]Job{job})
	if err != nil {
		return err
	}
	return b.q.handler(body)
}

func (b *fakeBatch) Flush() error { return nil }
