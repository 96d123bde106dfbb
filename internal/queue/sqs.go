// Package queue provides the download queue backed by Amazon SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// sqsAPI is the slice of the SQS client the queue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue implements granule.Queue on one SQS queue. Redelivery after the
// visibility timeout and dead-lettering after the redrive policy's receive
// count are queue configuration, not code.
type SQSQueue struct {
	client      sqsAPI
	queueURL    string
	waitSeconds int32
	logger      *zap.Logger
}

// Config holds SQS queue settings.
type Config struct {
	QueueURL    string
	Region      string
	WaitSeconds int32
}

// NewSQSQueue builds a queue client from the default AWS credential chain.
func NewSQSQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*SQSQueue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithClient(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewSQSQueueWithClient wires an existing client, mainly for tests.
func NewSQSQueueWithClient(client sqsAPI, cfg Config, logger *zap.Logger) *SQSQueue {
	wait := cfg.WaitSeconds
	if wait <= 0 {
		wait = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQSQueue{
		client:      client,
		queueURL:    cfg.QueueURL,
		waitSeconds: wait,
		logger:      logger,
	}
}

// Send enqueues one download message as JSON.
func (q *SQSQueue) Send(ctx context.Context, msg granule.DownloadMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal download message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message for %s: %w", msg.ID, err)
	}
	q.logger.Debug("download message sent", zap.String("granule_id", msg.ID))
	return nil
}

// Receive long-polls for the next message. It loops on empty polls until the
// context ends, so callers see either a message or ctx.Err().
func (q *SQSQueue) Receive(ctx context.Context) (granule.ReceivedMessage, error) {
	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.waitSeconds,
		})
		if err != nil {
			return granule.ReceivedMessage{}, fmt.Errorf("receive message: %w", err)
		}
		if len(out.Messages) == 0 {
			if err := ctx.Err(); err != nil {
				return granule.ReceivedMessage{}, err
			}
			continue
		}

		raw := out.Messages[0]
		var msg granule.DownloadMessage
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
			// A malformed body can never succeed; drop it rather than let it
			// cycle through the visibility timeout forever.
			q.logger.Warn("dropping malformed queue message", zap.Error(err))
			if derr := q.Delete(ctx, aws.ToString(raw.ReceiptHandle)); derr != nil {
				q.logger.Warn("delete malformed message failed", zap.Error(derr))
			}
			continue
		}
		return granule.ReceivedMessage{
			Message: msg,
			Receipt: aws.ToString(raw.ReceiptHandle),
		}, nil
	}
}

// Delete acknowledges a received message by receipt handle.
func (q *SQSQueue) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
