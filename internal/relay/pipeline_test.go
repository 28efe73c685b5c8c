package relay

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"netbridge/internal/testutil"
	"netbridge/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFinished(t *testing.T, finished <-chan struct{}) {
	t.Helper()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("relay tasks did not finish")
	}
}

func TestPipelineDeliversChunksInOrder(t *testing.T) {
	reporter := testutil.NewRecordingReporter()
	p := NewPipeline(reporter, nil)
	e := NewEntry("r1")

	require.NoError(t, e.Queue.Put(Bytes("ab")))
	require.NoError(t, e.Queue.Put(Bytes("cd")))
	require.NoError(t, e.Queue.Put(EndOfStream{}))

	waitFinished(t, p.Start(context.Background(), e, "text/plain", ""))

	assert.Equal(t, "abcd", reporter.Body("r1"))
	interpret := reporter.CallsFor("interpretResponseStream", "r1")
	require.Len(t, interpret, 1)
	assert.Equal(t, []any{"text/plain", ""}, interpret[0].Args)

	finished := reporter.CallsFor("responseReadFinished", "r1")
	assert.Len(t, finished, 1)
	data := reporter.CallsFor("dataReceived", "r1")
	require.Len(t, data, 1)
	assert.Equal(t, []any{4, 4}, data[0].Args)
}

func TestPipelineChunksPushedWhileRunning(t *testing.T) {
	reporter := testutil.NewRecordingReporter()
	p := NewPipeline(reporter, nil)
	e := NewEntry("r1")

	finished := p.Start(context.Background(), e, "", "")
	for _, chunk := range []string{"he", "ll", "o ", "world"} {
		require.NoError(t, e.Queue.Put(Bytes(chunk)))
	}
	require.NoError(t, e.Queue.Put(EndOfStream{}))
	waitFinished(t, finished)

	assert.Equal(t, "hello world", reporter.Body("r1"))
}

func TestPipelineBackPressure(t *testing.T) {
	p := NewPipeline(testutil.NewRecordingReporter(), nil)
	e := NewEntry("r1")
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Queue.Put(Bytes("chunk")))
	}

	// 没有消费者读取管道时，生产者阻塞在第一次写入
	done := make(chan error, 1)
	go func() { done <- p.produce(context.Background(), e) }()

	assert.Eventually(t, func() bool { return e.Queue.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return e.Queue.Len() < 2 }, 50*time.Millisecond, 5*time.Millisecond)

	e.source.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(time.Second):
		t.Fatal("producer did not observe closed pipe")
	}
}

func TestPipelineDetachInterruptsProducer(t *testing.T) {
	reporter := testutil.NewRecordingReporter()
	p := NewPipeline(reporter, nil)
	e := NewEntry("r1")
	ctx, cancel := context.WithCancel(context.Background())

	finished := p.Start(ctx, e, "", "")
	require.NoError(t, e.Queue.Put(Bytes("partial")))
	require.Eventually(t, func() bool { return e.Queue.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	waitFinished(t, finished)

	assert.Equal(t, "partial", reporter.Body("r1"))
	failed := reporter.CallsFor("responseReadFailed", "r1")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Args[0], ErrDetached.Error())
}

type failingStream struct{}

func (failingStream) Read([]byte) (int, error) { return 0, errors.New("decoder broke") }
func (failingStream) Close() error             { return nil }

func TestPipelineConsumerFailureUnblocksProducer(t *testing.T) {
	reporter := testutil.NewRecordingReporter()
	reporter.Wrap = func(string, io.Reader, traffic.ResponseHandler) io.ReadCloser {
		return failingStream{}
	}
	p := NewPipeline(reporter, nil)
	e := NewEntry("r1")

	finished := p.Start(context.Background(), e, "", "")
	require.NoError(t, e.Queue.Put(Bytes("never read")))
	require.NoError(t, e.Queue.Put(EndOfStream{}))
	waitFinished(t, finished)
}

func TestPipelineNilWrappedStreamIsDrained(t *testing.T) {
	reporter := testutil.NewRecordingReporter()
	reporter.Wrap = func(string, io.Reader, traffic.ResponseHandler) io.ReadCloser { return nil }
	p := NewPipeline(reporter, nil)
	e := NewEntry("r1")

	require.NoError(t, e.Queue.Put(Bytes("abc")))
	require.NoError(t, e.Queue.Put(EndOfStream{}))
	waitFinished(t, p.Start(context.Background(), e, "", ""))
}
