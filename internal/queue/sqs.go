package queue

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
)

func init() {
	Register("sqs", func(options map[string]any, _ Handler) (Queue, error) {
		name, _ := options["queue_name"].(string)
		if name == "" {
			return nil, fmt.Errorf("sqs queue needs queue_name")
		}
		region, _ := options["region"].(string)
		if region == "" {
			region = "us-east-1"
		}
		return NewSQSQueue(name, region)
	})
}

// SQSQueue sends and receives job messages over a hosted SQS queue.
// SDK-level retries handle transient API errors; anything that still
// fails surfaces as ErrQueue.
type SQSQueue struct {
	client   *sqs.SQS
	queueURL string
	idx      int
}

func NewSQSQueue(name, region string) (*SQSQueue, error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, errors.Wrapf(ErrQueue, "sqs session: %v", err)
	}
	client := sqs.New(sess)

	out, err := client.GetQueueUrl(&sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return nil, errors.Wrapf(ErrQueue, "resolve queue %q: %v", name, err)
	}
	return &SQSQueue{client: client, queueURL: aws.StringValue(out.QueueUrl)}, nil
}

func (q *SQSQueue) StartBatch(maxBatchLen int) Batch {
	if maxBatchLen <= 0 || maxBatchLen > DefaultMaxBatchLen {
		maxBatchLen = DefaultMaxBatchLen
	}
	return &sqsBatch{q: q, maxLen: maxBatchLen}
}

// ReceiveMessages long-polls for a single message: the worker handles
// one message at a time and the visibility timeout should cover it.
func (q *SQSQueue) ReceiveMessages() ([]Message, error) {
	out, err := q.client.ReceiveMessage(&sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: aws.Int64(1),
		WaitTimeSeconds:     aws.Int64(20),
	})
	if err != nil {
		return nil, errors.Wrapf(ErrQueue, "receive: %v", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, &sqsMessage{
			q:       q,
			body:    []byte(aws.StringValue(m.Body)),
			receipt: aws.StringValue(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

type sqsMessage struct {
	q       *SQSQueue
	body    []byte
	receipt string
}

func (m *sqsMessage) Body() []byte { return m.body }

func (m *sqsMessage) Delete() error {
	_, err := m.q.client.DeleteMessage(&sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.q.queueURL),
		ReceiptHandle: aws.String(m.receipt),
	})
	if err != nil {
		return errors.Wrapf(ErrQueue, "delete: %v", err)
	}
	return nil
}

type sqsBatch struct {
	q      *SQSQueue
	maxLen int
	bodies []string
}

func (b *sqsBatch) Append(job Job) error {
	body, err := encodeMessage([]Job{job})
	if err != nil {
		return err
	}
	if len(body) > MaxMessageBytes {
		return fmt.Errorf("job of %d bytes exceeds message limit %d",
			len(body), MaxMessageBytes)
	}

	b.bodies = append(b.bodies, string(body))
	if len(b.bodies) >= b.maxLen {
		return b.send()
	}
	return nil
}

func (b *sqsBatch) Flush() error {
	if len(b.bodies) == 0 {
		return nil
	}
	return b.send()
}

func (b *sqsBatch) send() error {
	entries := make([]*sqs.SendMessageBatchRequestEntry, len(b.bodies))
	for i, body := range b.bodies {
		entries[i] = &sqs.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(b.q.idx)),
			MessageBody: aws.String(body),
		}
		b.q.idx++
	}
	b.bodies = nil

	out, err := b.q.client.SendMessageBatch(&sqs.SendMessageBatchInput{
		QueueUrl: aws.String(b.q.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return errors.Wrapf(ErrQueue, "send batch: %v", err)
	}
	if len(out.Failed) > 0 {
		return errors.Wrapf(ErrQueue, "send batch: %d of %d entries failed",
			len(out.Failed), len(entries))
	}
	return nil
}
