package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn is a hand-rolled recorder standing in for *redis.Client, in the
// same spirit as the example corpus's simpleClient mocks: it records which
// methods were called and returns pre-seeded command results, rather than
// talking to a real store.
type mockConn struct {
	calls []string

	zRangeResult    *redis.ZSliceCmd
	zRangeByResult  *redis.ZSliceCmd
	zRevRangeResult *redis.ZSliceCmd
	zAddNXResult    *redis.IntCmd
	zRemResult      *redis.IntCmd
	setResult       *redis.StatusCmd
	setNXResult     *redis.BoolCmd
	getResult       *redis.StringCmd
	delResult       *redis.IntCmd
	publishResult   *redis.IntCmd
	watchErr        error
	closeErr        error
}

var _ conn = (*mockConn)(nil)

func newMockConn() *mockConn {
	return &mockConn{
		zRangeResult:    redis.NewZSliceCmd(context.Background()),
		zRangeByResult:  redis.NewZSliceCmd(context.Background()),
		zRevRangeResult: redis.NewZSliceCmd(context.Background()),
		zAddNXResult:    redis.NewIntCmd(context.Background()),
		zRemResult:      redis.NewIntCmd(context.Background()),
		setResult:       redis.NewStatusCmd(context.Background()),
		setNXResult:     redis.NewBoolCmd(context.Background()),
		getResult:       redis.NewStringCmd(context.Background()),
		delResult:       redis.NewIntCmd(context.Background()),
		publishResult:   redis.NewIntCmd(context.Background()),
	}
}

func (m *mockConn) ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	m.calls = append(m.calls, "zRangeWithScores")
	return m.zRangeResult
}

func (m *mockConn) ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	m.calls = append(m.calls, "zRangeByScoreWithScores")
	return m.zRangeByResult
}

func (m *mockConn) ZRevRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	m.calls = append(m.calls, "zRevRangeByScoreWithScores")
	return m.zRevRangeResult
}

func (m *mockConn) ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	m.calls = append(m.calls, "zAddNX")
	return m.zAddNXResult
}

func (m *mockConn) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	m.calls = append(m.calls, "zRem")
	return m.zRemResult
}

func (m *mockConn) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.calls = append(m.calls, "set")
	return m.setResult
}

func (m *mockConn) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	m.calls = append(m.calls, "setNX")
	return m.setNXResult
}

func (m *mockConn) Get(ctx context.Context, key string) *redis.StringCmd {
	m.calls = append(m.calls, "get")
	return m.getResult
}

func (m *mockConn) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.calls = append(m.calls, "del")
	return m.delResult
}

func (m *mockConn) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	m.calls = append(m.calls, "publish")
	return m.publishResult
}

func (m *mockConn) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	m.calls = append(m.calls, "watch")
	return m.watchErr
}

func (m *mockConn) Close() error {
	m.calls = append(m.calls, "close")
	return m.closeErr
}

func newTestGateway(m *mockConn) *Gateway {
	return &Gateway{cmd: m, sub: nil}
}

func TestGateway_RangeMin_empty(t *testing.T) {
	m := newMockConn()
	g := newTestGateway(m)

	_, ok, err := g.RangeMin(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateway_RangeMin_found(t *testing.T) {
	m := newMockConn()
	m.zRangeResult.SetVal([]redis.Z{{Score: 1700000000000, Member: "abc"}})
	g := newTestGateway(m)

	entry, ok, err := g.RangeMin(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", entry.ID)
	assert.Equal(t, float64(1700000000000), entry.DueTime)
}

func TestGateway_RangeMin_propagatesError(t *testing.T) {
	m := newMockConn()
	m.zRangeResult.SetErr(errors.New("boom"))
	g := newTestGateway(m)

	_, _, err := g.RangeMin(context.Background())
	assert.Error(t, err)
}

func TestGateway_RangeLowHigh_ascendingUsesForwardRange(t *testing.T) {
	m := newMockConn()
	m.zRangeByResult.SetVal([]redis.Z{{Score: 1, Member: "a"}, {Score: 2, Member: "b"}})
	g := newTestGateway(m)

	entries, err := g.RangeLowHigh(context.Background(), 5, false, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"zRangeByScoreWithScores"}, m.calls)
	assert.Equal(t, []Entry{{ID: "a", DueTime: 1}, {ID: "b", DueTime: 2}}, entries)
}

func TestGateway_RangeLowHigh_descendingUsesReverseRange(t *testing.T) {
	m := newMockConn()
	m.zRevRangeResult.SetVal([]redis.Z{{Score: 5, Member: "z"}})
	g := newTestGateway(m)

	entries, err := g.RangeLowHigh(context.Background(), 5, true, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"zRevRangeByScoreWithScores"}, m.calls)
	assert.Equal(t, []Entry{{ID: "z", DueTime: 5}}, entries)
}

func TestGateway_WriteMessage_newEntryAdded(t *testing.T) {
	m := newMockConn()
	m.zAddNXResult.SetVal(1)
	g := newTestGateway(m)

	added, err := g.WriteMessage(context.Background(), "id1", "hello", 123, true)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"set", "zAddNX", "publish"}, m.calls)
}

func TestGateway_WriteMessage_duplicateIDReportedButNotAnError(t *testing.T) {
	m := newMockConn()
	m.zAddNXResult.SetVal(0) // already queued
	g := newTestGateway(m)

	added, err := g.WriteMessage(context.Background(), "id1", "hello", 123, false)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestGateway_WriteMessage_zaddFailureRollsBack(t *testing.T) {
	m := newMockConn()
	m.zAddNXResult.SetErr(errors.New("boom"))
	g := newTestGateway(m)

	_, err := g.WriteMessage(context.Background(), "id1", "hello", 123, false)
	assert.Error(t, err)
	assert.Contains(t, m.calls, "zRem")
	assert.Contains(t, m.calls, "del")
}

func TestGateway_WriteMessage_skipsPublishWhenNotRequested(t *testing.T) {
	m := newMockConn()
	m.zAddNXResult.SetVal(1)
	g := newTestGateway(m)

	_, err := g.WriteMessage(context.Background(), "id1", "hello", 123, false)
	require.NoError(t, err)
	assert.NotContains(t, m.calls, "publish")
}

func TestGateway_Claim(t *testing.T) {
	m := newMockConn()
	m.setNXResult.SetVal(true)
	g := newTestGateway(m)

	ok, err := g.Claim(context.Background(), "id1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateway_Claim_alreadyHeld(t *testing.T) {
	m := newMockConn()
	m.setNXResult.SetVal(false)
	g := newTestGateway(m)

	ok, err := g.Claim(context.Background(), "id1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateway_FetchContent_found(t *testing.T) {
	m := newMockConn()
	m.getResult.SetVal("hello")
	g := newTestGateway(m)

	text, found, err := g.FetchContent(context.Background(), "id1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", text)
}

func TestGateway_FetchContent_missingIsNotAnError(t *testing.T) {
	m := newMockConn()
	m.getResult.SetErr(redis.Nil)
	g := newTestGateway(m)

	_, found, err := g.FetchContent(context.Background(), "id1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGateway_Cleanup_aggregatesErrors(t *testing.T) {
	m := newMockConn()
	m.zRemResult.SetErr(errors.New("zrem boom"))
	m.delResult.SetErr(errors.New("del boom"))
	g := newTestGateway(m)

	err := g.Cleanup(context.Background(), "id1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zrem boom")
	assert.Contains(t, err.Error(), "del boom")
}

func TestGateway_Cleanup_success(t *testing.T) {
	m := newMockConn()
	g := newTestGateway(m)

	err := g.Cleanup(context.Background(), "id1")
	require.NoError(t, err)
	assert.Equal(t, []string{"zRem", "del", "del"}, m.calls)
}

func TestGateway_WatchedRepublish_swallowsConflict(t *testing.T) {
	m := newMockConn()
	m.watchErr = redis.TxFailedErr
	g := newTestGateway(m)

	err := g.WatchedRepublish(context.Background())
	assert.NoError(t, err)
}

func TestGateway_WatchedRepublish_propagatesOtherErrors(t *testing.T) {
	m := newMockConn()
	m.watchErr = errors.New("connection lost")
	g := newTestGateway(m)

	err := g.WatchedRepublish(context.Background())
	assert.Error(t, err)
}
