//go:build integration

package inbound_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/inbound"
)

// TestConsumer_ReceivesAndDecodesRealSQSMessage exercises the Consumer
// against an actual SQS-compatible queue (localstack), rather than a fake
// SQSAPI, to cover the encoding/wire-format boundary the unit tests skip.
func TestConsumer_ReceivesAndDecodesRealSQSMessage(t *testing.T) {
	ctx := context.Background()

	container, err := localstack.Run(ctx, "localstack/localstack:3.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	mappedPort, err := container.MappedPort(ctx, "4566/tcp")
	require.NoError(t, err)
	host, err := container.Host(ctx)
	require.NoError(t, err)
	endpoint := "http://" + host + ":" + mappedPort.Port()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	created, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String("inbound-channels")})
	require.NoError(t, err)
	queueURL := aws.ToString(created.QueueUrl)

	body, err := json.Marshal(map[string]interface{}{
		"object_path": "/org/chandispatch/Channel/integration-1",
		"properties": map[string]interface{}{
			"type": map[string]string{"kind": "string", "s": "text"},
		},
	})
	require.NoError(t, err)
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	require.NoError(t, err)

	received := make(chan *channel.Channel, 1)
	consumer := inbound.NewConsumer(client, queueURL, zerolog.Nop(), func(_ context.Context, ch *channel.Channel) {
		received <- ch
	})

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go consumer.Run(runCtx)

	select {
	case ch := <-received:
		require.Equal(t, "/org/chandispatch/Channel/integration-1", ch.ObjectPath)
		v, ok := ch.Properties["type"]
		require.True(t, ok)
		require.Equal(t, "text", v.String())
	case <-time.After(25 * time.Second):
		t.Fatal("timed out waiting for the consumer to surface the SQS message")
	}
}
