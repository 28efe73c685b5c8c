package handler

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"netbridge/internal/logger"
	"netbridge/internal/registry"
	"netbridge/internal/relay"
	"netbridge/internal/testutil"
	"netbridge/pkg/traffic"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T) (*Handler, *testutil.RecordingReporter) {
	t.Helper()
	reporter := testutil.NewRecordingReporter()
	h := New(Config{Reporter: reporter})
	t.Cleanup(h.Close)
	return h, reporter
}

func response(id string, headers ...traffic.HeaderEntry) *traffic.Response {
	res := traffic.NewResponse()
	res.RequestID = id
	res.StatusCode = 200
	res.Headers = headers
	return res
}

func waitClosed(t *testing.T, h *Handler, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.Registry().Get(id)
		return !ok
	}, 5*time.Second, time.Millisecond)
}

func TestFullLifecycle(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	req := traffic.NewRequest()
	req.ID = "r1"
	h.RequestWillBeSent(ctx, req)
	h.ResponseHeadersReceived(ctx, response("r1", traffic.HeaderEntry{Name: "content-type", Value: "application/json"}))
	h.InterpretResponseStream(ctx, "r1")
	h.OnDataReceived(ctx, "r1", []byte("ab"))
	h.OnDataReceived(ctx, "r1", []byte("cd"))
	h.OnDone(ctx, "r1")
	waitClosed(t, h, "r1")

	assert.Equal(t, "abcd", reporter.Body("r1"))
	interpret := reporter.CallsFor("interpretResponseStream", "r1")
	require.Len(t, interpret, 1)
	assert.Equal(t, "application/json", interpret[0].Args[0])
	assert.Len(t, reporter.CallsFor("requestWillBeSent", "r1"), 1)
	assert.Len(t, reporter.CallsFor("responseHeadersReceived", "r1"), 1)
	assert.Len(t, reporter.CallsFor("responseReadFinished", "r1"), 1)

	// 两次 onDataReceived 进度 + 结束时一次汇总
	data := reporter.CallsFor("dataReceived", "r1")
	require.Len(t, data, 3)
	assert.Equal(t, []any{2, 2}, data[0].Args)
	assert.Equal(t, []any{4, 4}, data[2].Args)

	_, ok := h.Registry().Response("r1")
	assert.False(t, ok, "response cache is released with the stream")
}

func TestInterpretUnknownReportsSingleFailure(t *testing.T) {
	h, reporter := newHandler(t)

	h.InterpretResponseStream(context.Background(), "unknown")

	failed := reporter.Calls("responseReadFailed")
	require.Len(t, failed, 1)
	assert.Equal(t, "unknown", failed[0].RequestID)
	assert.NotEmpty(t, failed[0].Args[0])
	assert.Empty(t, reporter.Calls("interpretResponseStream"))
	assert.Empty(t, h.Registry().Active())
}

func TestInterpretTwiceReportsFailure(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	h.ResponseHeadersReceived(ctx, response("r1"))
	h.InterpretResponseStream(ctx, "r1")
	h.InterpretResponseStream(ctx, "r1")

	// 重复创建在调用返回前同步上报失败
	failed := reporter.CallsFor("responseReadFailed", "r1")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Args[0], registry.ErrStreamExists.Error())

	// 上报端的 interpretResponseStream 由消费者任务调用，流关闭后再计数
	h.OnDone(ctx, "r1")
	waitClosed(t, h, "r1")
	assert.Len(t, reporter.Calls("interpretResponseStream"), 1)
	assert.Len(t, reporter.CallsFor("responseReadFailed", "r1"), 1)
	assert.Len(t, reporter.CallsFor("responseReadFinished", "r1"), 1)
}

func TestTwoLifecyclesDoNotInterfere(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		h.ResponseHeadersReceived(ctx, response(id))
		h.InterpretResponseStream(ctx, id)
	}
	h.OnDataReceived(ctx, "a", []byte("A1"))
	h.OnDataReceived(ctx, "b", []byte("B1"))
	h.OnDataReceived(ctx, "a", []byte("A2"))
	h.OnDone(ctx, "b")
	h.OnDataReceived(ctx, "a", []byte("A3"))
	h.OnDone(ctx, "a")
	waitClosed(t, h, "a")
	waitClosed(t, h, "b")

	assert.Equal(t, "A1A2A3", reporter.Body("a"))
	assert.Equal(t, "B1", reporter.Body("b"))
}

func TestSequentialLifecyclesReuseID(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	for _, chunk := range []string{"first", "second"} {
		h.ResponseHeadersReceived(ctx, response("r1"))
		h.InterpretResponseStream(ctx, "r1")
		h.OnDataReceived(ctx, "r1", []byte(chunk))
		h.OnDone(ctx, "r1")
		waitClosed(t, h, "r1")
	}

	assert.Equal(t, "firstsecond", reporter.Body("r1"))
	assert.Empty(t, reporter.Calls("responseReadFailed"))
}

func TestEventsForUnknownIDAreNoOps(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		h.OnDataReceived(ctx, "ghost", []byte("xyz"))
		h.OnDone(ctx, "ghost")
	})

	data := reporter.CallsFor("dataReceived", "ghost")
	require.Len(t, data, 1, "progress is forwarded without an active stream")
	assert.Equal(t, []any{3, 3}, data[0].Args)
	assert.Empty(t, h.Registry().Active())
}

func TestDataAfterDoneIsDropped(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	h.ResponseHeadersReceived(ctx, response("r1"))
	h.InterpretResponseStream(ctx, "r1")
	e, ok := h.Registry().Get("r1")
	require.True(t, ok)

	// 在生产者取走结束标记前继续写入
	require.NoError(t, e.Queue.Put(relay.EndOfStream{}))
	assert.NotPanics(t, func() {
		h.OnDataReceived(ctx, "r1", []byte("late"))
		h.OnDone(ctx, "r1")
	})
	waitClosed(t, h, "r1")
	assert.Empty(t, reporter.Body("r1"))
}

func TestReadFinishedAndFailedPassThrough(t *testing.T) {
	h, reporter := newHandler(t)
	ctx := context.Background()

	h.ResponseHeadersReceived(ctx, response("idle"))
	h.ResponseReadFinished(ctx, "idle")
	h.ResponseReadFailed(ctx, "other", "socket closed")

	assert.Len(t, reporter.CallsFor("responseReadFinished", "idle"), 1)
	failed := reporter.CallsFor("responseReadFailed", "other")
	require.Len(t, failed, 1)
	assert.Equal(t, "socket closed", failed[0].Args[0])

	_, ok := h.Registry().Response("idle")
	assert.False(t, ok, "idle response cache is released")
}

func TestReadFinishedKeepsActiveStream(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	h.ResponseHeadersReceived(ctx, response("r1"))
	h.InterpretResponseStream(ctx, "r1")
	h.ResponseReadFinished(ctx, "r1")

	_, ok := h.Registry().Get("r1")
	assert.True(t, ok, "stream entries are only torn down by their relay tasks")

	h.OnDone(ctx, "r1")
	waitClosed(t, h, "r1")
}

func TestCloseInterruptsStreamsWithoutDone(t *testing.T) {
	reporter := testutil.NewRecordingReporter()
	var logs bytes.Buffer
	h := New(Config{Reporter: reporter, Logger: logger.NewWithWriter(zerolog.SyncWriter(&logs), zerolog.WarnLevel)})
	ctx := context.Background()

	h.ResponseHeadersReceived(ctx, response("r1"))
	h.InterpretResponseStream(ctx, "r1")
	h.OnDataReceived(ctx, "r1", []byte("partial"))

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Empty(t, h.Registry().Active())
	assert.Contains(t, logs.String(), `"missingDone":["r1"]`)

	h.ResponseHeadersReceived(ctx, response("r2"))
	h.InterpretResponseStream(ctx, "r2")
	failed := reporter.CallsFor("responseReadFailed", "r2")
	require.Len(t, failed, 1)
	assert.Equal(t, relay.ErrDetached.Error(), failed[0].Args[0])
}

type initReporter struct {
	*testutil.RecordingReporter
	calls atomic.Int32
	err   error
}

func (r *initReporter) Initialize(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestInitializeRunsOnce(t *testing.T) {
	reporter := &initReporter{RecordingReporter: testutil.NewRecordingReporter(), err: errors.New("boom")}
	h := New(Config{Reporter: reporter})
	defer h.Close()

	assert.EqualError(t, h.Initialize(context.Background()), "boom")
	assert.EqualError(t, h.Initialize(context.Background()), "boom")
	assert.EqualValues(t, 1, reporter.calls.Load())
}

func TestInitializeWithoutInitializer(t *testing.T) {
	h, _ := newHandler(t)
	assert.NoError(t, h.Initialize(context.Background()))
}
