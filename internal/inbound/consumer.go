// Package inbound decodes channel announcements arriving from connection
// managers over SQS into the same internal Channel-creation path used by
// create_channel, just with requested = false and no preferred-handler
// hint.
package inbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/common/metrics"
)

// SQSAPI is the subset of the SQS client the consumer needs, kept narrow
// so tests can substitute a fake without an AWS test double.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// announcement is the wire envelope a connection manager publishes for one
// inbound channel; this repository's own choice of envelope shape.
type announcement struct {
	ObjectPath string                `json:"object_path"`
	Properties map[string]rawVariant `json:"properties"`
}

type rawVariant struct {
	Kind string `json:"kind"` // string, object-path, bool, int64, uint64
	S    string `json:"s,omitempty"`
	B    bool   `json:"b,omitempty"`
	I    int64  `json:"i,omitempty"`
	U    uint64 `json:"u,omitempty"`
}

func (r rawVariant) toVariant() (channel.Variant, bool) {
	switch r.Kind {
	case "string":
		return channel.String(r.S), true
	case "object-path":
		return channel.ObjectPath(r.S), true
	case "bool":
		return channel.Bool(r.B), true
	case "int64":
		return channel.Int64(r.I), true
	case "uint64":
		return channel.Uint64(r.U), true
	default:
		return channel.Variant{}, false
	}
}

// Consumer polls one SQS queue and decodes inbound channel announcements.
type Consumer struct {
	client   SQSAPI
	queueURL string
	log      zerolog.Logger

	onChannel func(ctx context.Context, ch *channel.Channel)
}

func NewConsumer(client SQSAPI, queueURL string, log zerolog.Logger, onChannel func(context.Context, *channel.Channel)) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, log: log, onChannel: onChannel}
}

// Run polls until ctx is cancelled, using SQS long polling (20s wait time).
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("inbound: receive_message failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	var a announcement
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &a); err != nil {
		metrics.InboundChannelsReceived.WithLabelValues("decode_error").Inc()
		c.log.Warn().Err(err).Msg("inbound: malformed channel announcement, dropping")
		c.delete(ctx, msg)
		return
	}

	props := channel.PropertyMap{}
	for name, raw := range a.Properties {
		v, ok := raw.toVariant()
		if !ok {
			c.log.Warn().Str("property", name).Str("kind", raw.Kind).
				Msg("inbound: unknown property type dropped")
			continue
		}
		props[name] = v
	}

	ch := channel.New(a.ObjectPath, props, false)
	metrics.InboundChannelsReceived.WithLabelValues("accepted").Inc()
	c.onChannel(ctx, ch)
	c.delete(ctx, msg)
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		c.log.Warn().Err(err).Msg("inbound: delete_message failed")
	}
}
