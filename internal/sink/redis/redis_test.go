package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

type call struct {
	op   string
	key  string
	args []any
}

// recordingPipe captures queued commands. Only the commands the sink issues
// are implemented.
type recordingPipe struct {
	goredis.Pipeliner
	calls []call
}

func (p *recordingPipe) RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd {
	p.calls = append(p.calls, call{op: "rpush", key: key, args: values})
	return goredis.NewIntCmd(ctx)
}

func (p *recordingPipe) HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd {
	p.calls = append(p.calls, call{op: "hset", key: key, args: values})
	return goredis.NewIntCmd(ctx)
}

func (p *recordingPipe) Expire(ctx context.Context, key string, ttl time.Duration) *goredis.BoolCmd {
	p.calls = append(p.calls, call{op: "expire", key: key, args: []any{ttl}})
	return goredis.NewBoolCmd(ctx)
}

type fakeClient struct {
	pipe   *recordingPipe
	err    error
	closed bool
}

func (f *fakeClient) TxPipelined(_ context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error) {
	f.pipe = &recordingPipe{}
	if err := fn(f.pipe); err != nil {
		return nil, err
	}
	return nil, f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func report() crawler.Report {
	return crawler.Report{RunID: "run-1", Key: "a.test/x", URL: "https://a.test/x", State: crawler.StateDone, Attempts: 1}
}

func TestReportPushesAndIndexes(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	s := NewWithClient(client, "", 0)
	require.NoError(t, s.Report(context.Background(), report()))

	calls := client.pipe.calls
	require.Len(t, calls, 2)
	assert.Equal(t, "rpush", calls[0].op)
	assert.Equal(t, "crawler:run-1:results", calls[0].key)
	assert.Equal(t, "hset", calls[1].op)
	assert.Equal(t, "crawler:run-1:latest", calls[1].key)
	require.Len(t, calls[1].args, 2)
	assert.Equal(t, "a.test/x", calls[1].args[0])

	var decoded crawler.Report
	require.NoError(t, json.Unmarshal(calls[0].args[0].([]byte), &decoded))
	assert.Equal(t, crawler.URLKey("a.test/x"), decoded.Key)
	assert.Equal(t, crawler.StateDone, decoded.State)
}

func TestReportSetsTTL(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	s := NewWithClient(client, "ns", time.Hour)
	require.NoError(t, s.Report(context.Background(), report()))

	calls := client.pipe.calls
	require.Len(t, calls, 4)
	assert.Equal(t, call{op: "expire", key: "ns:run-1:results", args: []any{time.Hour}}, calls[2])
	assert.Equal(t, call{op: "expire", key: "ns:run-1:latest", args: []any{time.Hour}}, calls[3])
}

func TestReportWrapsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("READONLY")
	s := NewWithClient(&fakeClient{err: boom}, "", 0)
	err := s.Report(context.Background(), report())
	require.ErrorIs(t, err, boom)
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	require.NoError(t, NewWithClient(client, "", 0).Close())
	assert.True(t, client.closed)
}
