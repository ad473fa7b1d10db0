package kafka

import (
	"context"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/dispatcher"
)

type mockReader struct {
	mock.Mock
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	args := m.Called(ctx)
	return args.Get(0).(kafkago.Message), args.Error(1) //nolint:wrapcheck
}

func (m *mockReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	return m.Called(ctx, msgs).Error(0) //nolint:wrapcheck
}

func (m *mockReader) Close() error {
	return m.Called().Error(0) //nolint:wrapcheck
}

type submitted struct {
	url      string
	priority int
}

type fakeSubmitter struct {
	calls   []submitted
	results map[string]error
	dupes   map[string]bool
}

func (f *fakeSubmitter) Submit(_ context.Context, rawURL string, priority int) (bool, error) {
	f.calls = append(f.calls, submitted{rawURL, priority})
	if err := f.results[rawURL]; err != nil {
		return false, err
	}
	return !f.dupes[rawURL], nil
}

func msg(offset int64, value string) kafkago.Message {
	return kafkago.Message{Offset: offset, Value: []byte(value)}
}

func TestRunSubmitsAndCommits(t *testing.T) {
	t.Parallel()

	reader := &mockReader{}
	reader.On("FetchMessage", mock.Anything).Return(msg(1, "https://a.test/x"), nil).Once()
	reader.On("FetchMessage", mock.Anything).Return(msg(2, `{"url":"https://a.test/y","priority":7}`), nil).Once()
	reader.On("FetchMessage", mock.Anything).Return(msg(3, "https://a.test/x"), nil).Once()
	reader.On("FetchMessage", mock.Anything).Return(msg(4, "not json {"), nil).Once()
	reader.On("FetchMessage", mock.Anything).Return(msg(5, `{"priority":1}`), nil).Once()
	reader.On("FetchMessage", mock.Anything).Return(kafkago.Message{}, context.Canceled).Once()
	reader.On("CommitMessages", mock.Anything, mock.Anything).Return(nil).Times(5)

	sub := &fakeSubmitter{
		dupes:   map[string]bool{},
		results: map[string]error{"not json {": crawler.ErrInvalidURL},
	}
	feed := New(reader, sub, 3, nil)

	require.NoError(t, feed.Run(context.Background()))

	require.Len(t, sub.calls, 4)
	assert.Equal(t, submitted{"https://a.test/x", 3}, sub.calls[0])
	assert.Equal(t, submitted{"https://a.test/y", 7}, sub.calls[1])

	stats := feed.Stats()
	assert.Equal(t, 5, stats.Received)
	assert.Equal(t, 3, stats.Submitted)
	assert.Equal(t, 2, stats.Rejected)
	reader.AssertExpectations(t)
}

func TestRunCountsDuplicates(t *testing.T) {
	t.Parallel()

	reader := &mockReader{}
	reader.On("FetchMessage", mock.Anything).Return(msg(1, "https://a.test/x"), nil).Once()
	reader.On("FetchMessage", mock.Anything).Return(kafkago.Message{}, context.Canceled).Once()
	reader.On("CommitMessages", mock.Anything, mock.Anything).Return(nil).Once()

	sub := &fakeSubmitter{dupes: map[string]bool{"https://a.test/x": true}}
	feed := New(reader, sub, 0, nil)
	require.NoError(t, feed.Run(context.Background()))
	assert.Equal(t, 1, feed.Stats().Duplicates)
}

func TestRunLeavesMessageUncommittedWhenCrawlStopped(t *testing.T) {
	t.Parallel()

	reader := &mockReader{}
	reader.On("FetchMessage", mock.Anything).Return(msg(9, "https://a.test/x"), nil).Once()

	sub := &fakeSubmitter{results: map[string]error{"https://a.test/x": dispatcher.ErrStopped}}
	feed := New(reader, sub, 0, nil)

	require.NoError(t, feed.Run(context.Background()))
	reader.AssertNotCalled(t, "CommitMessages", mock.Anything, mock.Anything)
}

func TestRunReturnsFetchErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker unreachable")
	reader := &mockReader{}
	reader.On("FetchMessage", mock.Anything).Return(kafkago.Message{}, boom).Once()

	err := New(reader, &fakeSubmitter{}, 0, nil).Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunReturnsCommitErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("rebalance in progress")
	reader := &mockReader{}
	reader.On("FetchMessage", mock.Anything).Return(msg(1, "https://a.test/x"), nil).Once()
	reader.On("CommitMessages", mock.Anything, mock.Anything).Return(boom).Once()

	err := New(reader, &fakeSubmitter{}, 0, nil).Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestNewReaderValidates(t *testing.T) {
	t.Parallel()

	_, err := NewReader(Config{Topic: "urls"})
	assert.Error(t, err)
	_, err = NewReader(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	r, err := NewReader(Config{Brokers: []string{"localhost:9092"}, Topic: "urls", GroupID: "crawler"})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}
