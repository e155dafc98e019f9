package job

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/work"
	"fleet-agent/pkg/log"
)

// syncBuffer 可并发写的日志缓冲，用于数 Cancel 调用次数
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(sub string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), sub)
}

const cancelLogLine = "构建已请求取消"

// blockingExecutor 阻塞到 release 或 ctx 取消
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	lines   []string
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
}

func (e *blockingExecutor) Execute(ctx context.Context, req work.ExecRequest) (work.JobResult, error) {
	close(e.started)
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	for _, l := range e.lines {
		req.Println(l)
	}
	return work.ResultPassed, nil
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, work.ExecRequest) (work.JobResult, error) {
	panic("executor exploded")
}

func newTestRunner(exec work.Executor) (*Runner, *agentinfo.RuntimeInfo, *syncBuffer) {
	buf := &syncBuffer{}
	logger := &log.Logger{Logger: slog.New(slog.NewTextHandler(buf, nil))}
	info := agentinfo.New(agentinfo.NewIdentifier("host-1", "agent-1"), ".")
	env := &work.EnvironmentContext{WorkDir: ".", Executor: exec, Logger: logger}
	return NewRunner(env, info, logger), info, buf
}

func buildWork(id string) *work.BuildWork {
	return &work.BuildWork{Build: work.BuildRef{BuildID: id}}
}

func TestRunner_CancelTwiceCancelsOnce(t *testing.T) {
	r, _, buf := newTestRunner(work.UnavailableExecutor{})
	r.Assign(buildWork("1"))

	r.HandleInstruction(work.InstructionCancel)
	r.HandleInstruction(work.InstructionCancel)

	assert.Equal(t, 1, buf.count(cancelLogLine))
	assert.True(t, r.IsJobCancelled())
}

func TestRunner_KillIsIndependentOfCancel(t *testing.T) {
	r, _, buf := newTestRunner(work.UnavailableExecutor{})
	r.Assign(buildWork("1"))

	r.HandleInstruction(work.InstructionKillRunningTasks)
	r.HandleInstruction(work.InstructionKillRunningTasks)
	assert.Equal(t, 1, buf.count(cancelLogLine))
	assert.True(t, r.IsJobCancelled())

	r.HandleInstruction(work.InstructionCancel)
	r.HandleInstruction(work.InstructionKillRunningTasks)
	r.HandleInstruction(work.InstructionCancel)
	assert.Equal(t, 2, buf.count(cancelLogLine))
}

func TestRunner_InstructionWithoutWorkIsNoop(t *testing.T) {
	r, _, buf := newTestRunner(work.UnavailableExecutor{})
	r.HandleInstruction(work.InstructionCancel)
	r.HandleInstruction(work.InstructionNone)
	assert.False(t, r.IsJobCancelled())
	assert.Equal(t, 0, buf.count(cancelLogLine))

	// 门未被消耗：分配后第一次 Cancel 仍生效
	r.Assign(buildWork("1"))
	r.HandleInstruction(work.InstructionCancel)
	assert.Equal(t, 1, buf.count(cancelLogLine))
}

func TestRunner_CancelledResetsOnlyOnNewWork(t *testing.T) {
	r, _, _ := newTestRunner(work.UnavailableExecutor{})
	first := buildWork("1")
	r.Assign(first)
	r.HandleInstruction(work.InstructionCancel)
	require.True(t, r.IsJobCancelled())

	r.Assign(first)
	assert.True(t, r.IsJobCancelled(), "re-assigning the same work keeps the lifecycle")
	r.HandleInstruction(work.InstructionNone)
	assert.True(t, r.IsJobCancelled())

	r.Assign(buildWork("2"))
	assert.False(t, r.IsJobCancelled())
	r.HandleInstruction(work.InstructionKillRunningTasks)
	assert.True(t, r.IsJobCancelled())
}

func TestRunner_RunSetsBuildingAndRestoresIdle(t *testing.T) {
	exec := newBlockingExecutor()
	r, info, _ := newTestRunner(exec)
	w := buildWork("42")

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), w, work.WorkContext{}) }()

	<-exec.started
	assert.True(t, r.IsRunning())
	assert.Equal(t, agentinfo.StatusBuilding, info.Status())
	assert.Equal(t, "42", info.BuildID())

	close(exec.release)
	require.NoError(t, <-done)
	assert.False(t, r.IsRunning())
	assert.Equal(t, agentinfo.StatusIdle, info.Status())
	assert.False(t, r.IsJobCancelled())
}

func TestRunner_CancelDuringRunIsCooperative(t *testing.T) {
	exec := newBlockingExecutor()
	exec.lines = []string{"after cancel"}
	r, info, _ := newTestRunner(exec)
	w := buildWork("7")

	var consumed []string
	var mu sync.Mutex
	console := NewConsole(r, func(_ context.Context, _ work.BuildRef, line string) error {
		mu.Lock()
		defer mu.Unlock()
		consumed = append(consumed, line)
		return nil
	}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), w, work.WorkContext{Console: console}) }()
	<-exec.started

	r.HandleInstruction(work.InstructionCancel)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, w.IsCancelled())
	assert.True(t, r.IsJobCancelled())
	assert.Equal(t, agentinfo.StatusIdle, info.Status())

	mu.Lock()
	assert.Empty(t, consumed)
	mu.Unlock()
	assert.EqualValues(t, 1, console.Dropped())
}

func TestRunner_PanicStillClearsRunning(t *testing.T) {
	r, info, _ := newTestRunner(panicExecutor{})
	assert.Panics(t, func() {
		_ = r.Run(context.Background(), buildWork("9"), work.WorkContext{})
	})
	assert.False(t, r.IsRunning())
	assert.Equal(t, agentinfo.StatusIdle, info.Status())
}

func TestRunner_RunUnregisteredReturnsError(t *testing.T) {
	r, info, _ := newTestRunner(work.UnavailableExecutor{})
	err := r.Run(context.Background(), work.UnregisteredAgentWork{UUID: "agent-1"}, work.WorkContext{})
	require.Error(t, err)
	assert.False(t, r.IsRunning())
	assert.Equal(t, agentinfo.StatusIdle, info.Status())
}

func TestRunner_RunNilIsNoop(t *testing.T) {
	r, _, _ := newTestRunner(work.UnavailableExecutor{})
	assert.NoError(t, r.Run(context.Background(), nil, work.WorkContext{}))
	assert.Nil(t, r.Current())
}

func TestConsole_LogsFirstFailureOnly(t *testing.T) {
	buf := &syncBuffer{}
	logger := &log.Logger{Logger: slog.New(slog.NewTextHandler(buf, nil))}
	calls := 0
	c := NewConsole(nil, func(context.Context, work.BuildRef, string) error {
		calls++
		return errors.New("boom")
	}, logger)

	c.WriteLine(context.Background(), work.BuildRef{BuildID: "1"}, "a")
	c.WriteLine(context.Background(), work.BuildRef{BuildID: "1"}, "b")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, buf.count("控制台输出发送失败"))
}
