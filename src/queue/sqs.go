// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"maskpipeworker/src/model"
)

// MaxSQSDelay is the longest DelaySeconds SQS accepts.
const MaxSQSDelay = 15 * time.Minute

// SQSAPI is the part of the SQS client the carrier uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Delivery is one received SQS message.
type Delivery struct {
	ID            string
	ReceiptHandle string
	Body          []byte
}

// SQSQueue carries poll tasks as SQS messages. A requeue is a new message; the delivered one
// is deleted by the consumer once the continuation has been sent.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

// Enqueue sends task with DelaySeconds clamped to MaxSQSDelay. The body keeps visibleAt, so
// a clamped message that arrives early is deferred again by the dispatcher.
func (q *SQSQueue) Enqueue(ctx context.Context, task model.PollTask, delay time.Duration) error {
	body, err := model.EncodeMessage(task)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: DelaySeconds(delay),
	})
	if err != nil {
		return fmt.Errorf("send poll message for %s: %w", task.SubjectID, err)
	}
	return nil
}

// DelaySeconds rounds delay up to whole seconds within the SQS limit.
func DelaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay >= MaxSQSDelay {
		return int32(MaxSQSDelay / time.Second)
	}
	secs := delay / time.Second
	if delay%time.Second != 0 {
		secs++
	}
	return int32(secs)
}

// Receive long-polls for up to maxMessages messages.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int32, wait time.Duration) ([]Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("receive poll messages: %w", err)
	}
	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, Delivery{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
		})
	}
	return deliveries, nil
}

// Delete acknowledges a delivery.
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete poll message: %w", err)
	}
	return nil
}

var _ Enqueuer = (*SQSQueue)(nil)
