package teleinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/teleinfo.sim/internal/monitoring"
	"github.com/banshee-data/teleinfo.sim/internal/serialmux"
	"github.com/banshee-data/teleinfo.sim/internal/testutil"
	"github.com/banshee-data/teleinfo.sim/internal/timeutil"
)

// runEmitter starts e.Run in a goroutine and returns a cancel func and the
// channel receiving Run's result.
func runEmitter(t *testing.T, e *Emitter) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- e.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errc
}

func waitForCalls(t *testing.T, port *serialmux.TestableSerialPort, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return port.Calls() >= n
	}, 2*time.Second, time.Millisecond, "expected %d write calls", n)
}

// captureLogs redirects monitoring.Logf for the duration of the test.
func captureLogs(t *testing.T) func() []string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func decodeValues(t *testing.T, frame []byte) map[string]uint64 {
	t.Helper()
	groups, err := testutil.DecodeFrame(frame)
	require.NoError(t, err)
	values := make(map[string]uint64, len(groups))
	for _, g := range groups {
		v, err := strconv.ParseUint(g.Value, 10, 64)
		require.NoError(t, err)
		values[g.Name] = v
	}
	return values
}

func TestEmitter_EndToEnd(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	e, err := NewEmitter(mux, WithClock(clock))
	require.NoError(t, err)
	cancel, errc := runEmitter(t, e)

	// tick 0 is written as soon as the loop starts
	waitForCalls(t, port, 1)
	clock.Advance(TickPeriod)
	waitForCalls(t, port, 2)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	want := "\x02" +
		"\nBASE 000000000 K\r" +
		"\nHCHC 000001111 J\r" +
		"\nHCHP 000002222 [\r" +
		"\nIINST 120 Z\r" +
		"\nPAPP 16254 3\r" +
		"\x03" +
		"\x02" +
		"\nBASE 000000001 L\r" +
		"\nHCHC 000001112 K\r" +
		"\nHCHP 000002223 \\\r" +
		"\nIINST 121 [\r" +
		"\nPAPP 16255 4\r" +
		"\x03"
	assert.Equal(t, want, string(port.GetWrittenData()))
	assert.Equal(t, serialmux.Stats{FramesWritten: 2, BytesWritten: uint64(len(want))}, mux.Stats())
}

func TestEmitter_OneFramePerTick(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	e, err := NewEmitter(port, WithClock(clock))
	require.NoError(t, err)
	cancel, errc := runEmitter(t, e)

	waitForCalls(t, port, 1)
	// half a period does not fire the ticker
	clock.Advance(TickPeriod / 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, port.Calls())

	clock.Advance(TickPeriod / 2)
	waitForCalls(t, port, 2)
	for i := 3; i <= 5; i++ {
		clock.Advance(TickPeriod)
		waitForCalls(t, port, i)
	}

	cancel()
	<-errc

	frames := testutil.SplitFrames(port.GetWrittenData())
	require.Len(t, frames, 5)
	for n, frame := range frames {
		values := decodeValues(t, frame)
		for _, f := range DefaultFields() {
			assert.Equal(t, f.Initial+uint64(n), values[f.Name], "tick %d field %s", n, f.Name)
		}
	}
}

func TestEmitter_WriteFailureIsIgnored(t *testing.T) {
	logs := captureLogs(t)

	port := serialmux.NewTestableSerialPort()
	port.SetFailWrites(true)
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	e, err := NewEmitter(port, WithClock(clock))
	require.NoError(t, err)
	cancel, errc := runEmitter(t, e)

	// two failed ticks
	waitForCalls(t, port, 1)
	clock.Advance(TickPeriod)
	waitForCalls(t, port, 2)

	// device comes back
	port.SetFailWrites(false)
	clock.Advance(TickPeriod)
	waitForCalls(t, port, 3)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// lost frames are not retried and counters kept advancing
	writes := port.Writes()
	require.Len(t, writes, 1)
	values := decodeValues(t, writes[0])
	assert.Equal(t, uint64(2), values["BASE"])
	assert.Equal(t, uint64(16256), values["PAPP"])

	// one line for the failure, one for the recovery
	lines := logs()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "frame write failing")
	assert.Contains(t, lines[1], "recovered after 2 failed attempts")
}

func TestEmitter_ShortWriteThroughMux(t *testing.T) {
	captureLogs(t)

	port := serialmux.NewTestableSerialPort()
	port.ShortWrite = true
	mux := serialmux.NewSerialMux(port)

	e, err := NewEmitter(mux)
	require.NoError(t, err)
	e.emit()
	e.emit()

	assert.Equal(t, uint64(1), mux.Stats().WriteFailures)
	assert.Equal(t, uint64(1), mux.Stats().FramesWritten)
	assert.Equal(t, uint64(2), e.counters[0].Value)
}

func TestEmitter_StopsOnCancelledContext(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	e, err := NewEmitter(port, WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
	assert.Equal(t, 0, port.Calls())
	assert.Empty(t, clock.Tickers())
}

func TestEmitter_StopsTicker(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	e, err := NewEmitter(port, WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, port.Calls())

	tickers := clock.Tickers()
	require.Len(t, tickers, 1)
	assert.True(t, tickers[0].Stopped(), "Run should stop its ticker on return")
}

func TestEmitter_CounterAdvance(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewEmitter(&buf)
	require.NoError(t, err)

	const ticks = 25
	for i := 0; i < ticks; i++ {
		e.emit()
	}

	frames := testutil.SplitFrames(buf.Bytes())
	require.Len(t, frames, ticks)
	for n, frame := range frames {
		values := decodeValues(t, frame)
		for _, f := range DefaultFields() {
			require.Equal(t, f.Initial+uint64(n), values[f.Name], "tick %d field %s", n, f.Name)
		}
	}
}

func TestEmitter_WithFields(t *testing.T) {
	var buf bytes.Buffer
	fields := []Field{
		{Name: "ADCO", Width: 12, Initial: 20147},
		{Name: "IINST", Width: 3, Initial: 999},
	}
	e, err := NewEmitter(&buf, WithFields(fields))
	require.NoError(t, err)

	e.emit()
	e.emit()

	frames := testutil.SplitFrames(buf.Bytes())
	require.Len(t, frames, 2)
	groups, err := testutil.DecodeFrame(frames[1])
	require.NoError(t, err)
	assert.Equal(t, []testutil.Group{
		{Name: "ADCO", Value: "000000020148", Checksum: Checksum("ADCO 000000020148")},
		{Name: "IINST", Value: "000", Checksum: Checksum("IINST 000")},
	}, groups)
}

func TestNewEmitter_InvalidFields(t *testing.T) {
	_, err := NewEmitter(&bytes.Buffer{}, WithFields([]Field{{Name: "PAPP", Width: 5, Initial: 100000}}))
	assert.Error(t, err)

	_, err = NewEmitter(&bytes.Buffer{}, WithFields(nil))
	assert.Error(t, err)
}

type errWriter struct{ calls int }

func (w *errWriter) Write([]byte) (int, error) {
	w.calls++
	return 0, errors.New("broken pipe")
}

func TestEmitter_PermanentFailureKeepsTicking(t *testing.T) {
	logs := captureLogs(t)
	w := &errWriter{}
	e, err := NewEmitter(w)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		e.emit()
	}
	assert.Equal(t, 10, w.calls)
	assert.Equal(t, uint64(10), e.counters[0].Value)
	assert.Len(t, logs(), 1)
}
