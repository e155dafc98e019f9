package ack

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agent/internal/agent/protocol"
	pkgerrors "fleet-agent/pkg/errors"
)

// wire 记录写出的消息
type wire struct {
	sent chan protocol.Message
}

func newWire(n int) *wire {
	return &wire{sent: make(chan protocol.Message, n)}
}

func (w *wire) transmit(_ context.Context, msg protocol.Message) error {
	w.sent <- msg
	return nil
}

func TestRegistry_ConcurrentSendAndAckInAnyOrder(t *testing.T) {
	const n = 50
	w := newWire(n)
	r := NewRegistry(w.transmit, Config{Timeout: 5 * time.Second}, nil)

	results := make([]bool, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, _ := protocol.NewMessage(protocol.ActionReportCurrentStatus, map[string]int{"seq": i})
			results[i], errs[i] = r.Send(context.Background(), msg)
		}(i)
	}

	ids := make([]string, 0, n)
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		msg := <-w.sent
		require.NotEmpty(t, msg.CorrelationID)
		require.False(t, seen[msg.CorrelationID], "correlation ids must be unique")
		seen[msg.CorrelationID] = true
		ids = append(ids, msg.CorrelationID)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	// 未登记 id 的确认是 no-op
	r.Acknowledge(protocol.Ack("not-registered"))

	for _, id := range ids {
		r.Acknowledge(protocol.Ack(id))
		// 重复确认同样无副作用
		r.Acknowledge(protocol.Ack(id))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.True(t, results[i], "send %d should be acknowledged", i)
	}
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_TimeoutReturnsFalseAndLateAckIsIgnored(t *testing.T) {
	w := newWire(1)
	r := NewRegistry(w.transmit, Config{Timeout: 30 * time.Millisecond}, nil)

	msg, _ := protocol.NewMessage(protocol.ActionReportCompleted, nil)
	ok, err := r.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Pending())

	sent := <-w.sent
	assert.NotPanics(t, func() { r.Acknowledge(protocol.Ack(sent.CorrelationID)) })
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_RetriesTransmitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var r *Registry
	transmit := func(_ context.Context, msg protocol.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("broken pipe")
		}
		// 确认在写出成功后立刻到达
		go r.Acknowledge(protocol.Ack(msg.CorrelationID))
		return nil
	}
	r = NewRegistry(transmit, Config{Timeout: time.Second, Attempts: 5, RetryDelay: time.Millisecond}, nil)

	ok, err := r.Send(context.Background(), protocol.Message{Action: protocol.ActionPing})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRegistry_ExhaustedRetriesAreFatal(t *testing.T) {
	var calls atomic.Int32
	transmit := func(context.Context, protocol.Message) error {
		calls.Add(1)
		return errors.New("connection reset")
	}
	r := NewRegistry(transmit, Config{Timeout: time.Second, Attempts: 3, RetryDelay: time.Millisecond}, nil)

	ok, err := r.Send(context.Background(), protocol.Message{Action: protocol.ActionReportCompleting})
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.True(t, errors.Is(err, pkgerrors.ErrChannelBroken))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_NotConnectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	transmit := func(context.Context, protocol.Message) error {
		calls.Add(1)
		return fmt.Errorf("%w: write: broken pipe", ErrNotConnected)
	}
	r := NewRegistry(transmit, Config{Timeout: time.Second, Attempts: 5, RetryDelay: time.Second}, nil)

	start := time.Now()
	ok, err := r.Send(context.Background(), protocol.Message{Action: protocol.ActionReportCurrentStatus})
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.EqualValues(t, 1, calls.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_AckRacingTimeoutCountsAsAcked(t *testing.T) {
	for i := 0; i < 20; i++ {
		var r *Registry
		// 确认在等待开始前已到达，计时器几乎同时触发
		transmit := func(_ context.Context, msg protocol.Message) error {
			r.Acknowledge(protocol.Ack(msg.CorrelationID))
			return nil
		}
		r = NewRegistry(transmit, Config{Timeout: time.Nanosecond}, nil)

		ok, err := r.Send(context.Background(), protocol.Message{Action: protocol.ActionPing})
		require.NoError(t, err)
		require.True(t, ok, "iteration %d", i)
	}
}

func TestRegistry_ResetDiscardsWaiters(t *testing.T) {
	w := newWire(2)
	r := NewRegistry(w.transmit, Config{Timeout: 5 * time.Second}, nil)

	done := make(chan bool, 1)
	go func() {
		ok, _ := r.Send(context.Background(), protocol.Message{Action: protocol.ActionPing})
		done <- ok
	}()
	sent := <-w.sent
	require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, time.Millisecond)

	r.Reset()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Reset")
	}
	assert.Equal(t, 0, r.Pending())

	// 重连前的 id 迟到确认不会影响新的等待者
	r.Acknowledge(protocol.Ack(sent.CorrelationID))
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_ContextCancelled(t *testing.T) {
	w := newWire(1)
	r := NewRegistry(w.transmit, Config{Timeout: 5 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-w.sent
		cancel()
	}()
	ok, err := r.Send(ctx, protocol.Message{Action: protocol.ActionPing})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Pending())
}
