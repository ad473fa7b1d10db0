package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

func TestReportPublishesJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "crawl-results")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "results-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	s, err := New(topic)
	require.NoError(t, err)
	defer s.Close()

	r := crawler.Report{
		RunID:      "run-1",
		Key:        "a.test/x",
		URL:        "https://a.test/x",
		State:      crawler.StateAbandoned,
		Class:      crawler.OutcomePermanent,
		StatusCode: 404,
		Attempts:   1,
		Body:       []byte("not published"),
	}
	require.NoError(t, s.Report(ctx, r))

	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got := make(chan *pubsub.Message, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case got <- msg:
				cancel()
			default:
			}
		})
	}()

	var msg *pubsub.Message
	select {
	case msg = <-got:
	case <-recvCtx.Done():
		t.Fatal("no message received")
	}

	assert.Equal(t, "a.test/x", msg.Attributes["key"])
	assert.Equal(t, "abandoned", msg.Attributes["state"])
	assert.Equal(t, "run-1", msg.Attributes["run_id"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "https://a.test/x", decoded["url"])
	assert.NotContains(t, string(msg.Data), "not published")
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}
