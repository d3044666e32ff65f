package evaluator

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weisyn/compute-unit/internal/core/cu/worker"
	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	"github.com/weisyn/compute-unit/pkg/types"
)

// fakeSequence 把消息切片适配成types.MessageSequence
type fakeSequence struct {
	msgs []types.Message
	pos  int
}

func (s *fakeSequence) Next() (*types.Message, bool, error) {
	if s.pos >= len(s.msgs) {
		return nil, false, nil
	}
	m := s.msgs[s.pos]
	s.pos++
	return &m, true, nil
}

type fakeSaver struct {
	calls int
	recs  []collaborators.EvaluationRecord
	err   error
}

func (f *fakeSaver) SaveEvaluation(ctx context.Context, rec collaborators.EvaluationRecord) error {
	f.calls++
	f.recs = append(f.recs, rec)
	return f.err
}

type fakeDeepHashIndex struct {
	foundFrom int // 自第N次调用（1起）起报告已存在
	calls     int
}

func (f *fakeDeepHashIndex) FindMessageHashBefore(ctx context.Context, deepHash, processID string, lowerBound int64) (*collaborators.EvaluationRecord, bool, error) {
	f.calls++
	if f.foundFrom > 0 && f.calls >= f.foundFrom {
		return &collaborators.EvaluationRecord{}, true, nil
	}
	return nil, false, nil
}

type fakeMemorySaver struct {
	calls int
	last  collaborators.ProcessMemorySnapshot
}

func (f *fakeMemorySaver) SaveLatestProcessMemory(ctx context.Context, snap collaborators.ProcessMemorySnapshot) error {
	f.calls++
	f.last = snap
	return nil
}

// fakeWorker 按脚本逐条返回输出，同时模拟执行工作者的契约：出错时Memory
// 回退到调用前快照
type fakeWorker struct {
	outputs  []types.EvaluationOutput
	calls    int
	received []worker.InvokeParams
}

func (f *fakeWorker) Invoke(ctx context.Context, params worker.InvokeParams) (types.EvaluationOutput, error) {
	f.received = append(f.received, params)
	out := f.outputs[f.calls]
	f.calls++
	out.Normalize()
	if out.HasError() {
		out.Memory = params.Memory
	}
	return out, nil
}

// counterWorker 每次成功调用把Memory当计数器加一，Output为十进制计数；
// errorOn指定的调用序号（1起）返回Error
type counterWorker struct {
	errorOn map[int]bool
	calls   int
}

func (c *counterWorker) Invoke(ctx context.Context, params worker.InvokeParams) (types.EvaluationOutput, error) {
	c.calls++
	if c.errorOn[c.calls] {
		out := types.EvaluationOutput{Error: "模拟trap", Memory: params.Memory}
		out.Normalize()
		return out, nil
	}
	n := int64(0)
	if len(params.Memory.Bytes) > 0 {
		n, _ = strconv.ParseInt(string(params.Memory.Bytes), 10, 64)
	}
	n++
	out := types.EvaluationOutput{
		Memory: types.Memory{Bytes: []byte(strconv.FormatInt(n, 10))},
		Output: strconv.FormatInt(n, 10),
	}
	out.Normalize()
	return out, nil
}

func newTestEvaluator(w WorkerInvoker, saver *fakeSaver, deepHashes *fakeDeepHashIndex, memSaver *fakeMemorySaver) *Evaluator {
	return New(w, collaborators.Collaborators{
		Saver:      saver,
		DeepHashes: deepHashes,
		MemorySync: memSaver,
	}, nil)
}

func TestEvaluate_HappyPathFoldsTwoMessages(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{
		{Memory: types.Memory{Bytes: []byte("m1")}, Output: "heardHello"},
		{Memory: types.Memory{Bytes: []byte("m2")}, Output: "heardWorld"},
	}}

	ec := &types.EvaluationContext{
		ModuleID: "mod-1",
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Tags: []types.Tag{{Name: "function", Value: "hello"}}, Ordinate: 1, Timestamp: 100, BlockHeight: 10},
			{ID: "m2", Tags: []types.Tag{{Name: "function", Value: "world"}}, Ordinate: 2, Timestamp: 200, BlockHeight: 20},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	outcome, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	require.Equal(t, 2, saver.calls)
	require.Equal(t, "heardWorld", outcome.Output.Output)
	require.Equal(t, []byte("m2"), outcome.Output.Memory.Bytes)
	require.Equal(t, int64(200), outcome.Last.Timestamp)
	require.Equal(t, int64(20), outcome.Last.BlockHeight)
	require.Equal(t, int64(2), outcome.Last.Ordinate)

	// 最终内存快照恰好保存一次，携带最后折叠出的Memory与游标
	require.Equal(t, 1, memSaver.calls)
	require.Equal(t, []byte("m2"), memSaver.last.Memory.Bytes)
	require.Equal(t, int64(2), memSaver.last.Cursor.Ordinate)
	require.Equal(t, 2, ec.Stats.Scheduled)
}

func TestEvaluate_NoSaveBootstrapSkipsPersistence(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{{}, {}, {}}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "boot", NoSave: true, Ordinate: 1},
			{ID: "m2", Ordinate: 2},
			{ID: "m3", Ordinate: 3},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	_, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	require.Equal(t, 3, w.calls, "noSave消息照常调用，只是不落库")
	require.Equal(t, 2, saver.calls)
}

func TestEvaluate_DeepHashDedupSkipsInvocation(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	deepHashes := &fakeDeepHashIndex{foundFrom: 2}
	w := &fakeWorker{outputs: []types.EvaluationOutput{{}, {}, {}}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", DeepHash: "h1", Ordinate: 1},
			{ID: "m2", DeepHash: "h2", Ordinate: 2},
			{ID: "m3", Ordinate: 3},
		}},
	}

	e := newTestEvaluator(w, saver, deepHashes, memSaver)
	_, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	require.Equal(t, 2, deepHashes.calls, "只有带deepHash的消息查询索引")
	require.Equal(t, 2, w.calls, "命中索引的消息不调用")
	require.Equal(t, 2, saver.calls)
}

func TestEvaluate_CronDedupWithinRun(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{{}, {}, {}, {}, {}}}

	// 首条是引导期的cron指派（noSave），其后同键的"1-20m"重复项被跳过
	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Cron: "1-10m", NoSave: true, Ordinate: 1, Timestamp: 100},
			{ID: "m2", Ordinate: 2, Timestamp: 200},
			{ID: "m3", Cron: "1-20m", Ordinate: 3, Timestamp: 300},
			{ID: "m4", Cron: "1-20m", Ordinate: 3, Timestamp: 300},
			{ID: "m5", Ordinate: 5, Timestamp: 500},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	outcome, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	require.Equal(t, 4, w.calls, "五条消息中重复cron键的一条被跳过")
	require.Equal(t, 3, saver.calls)
	require.Equal(t, 3, ec.Stats.Cron)
	require.Equal(t, 2, ec.Stats.Scheduled)
	require.Equal(t, int64(5), outcome.Last.Ordinate)
}

func TestEvaluate_ErrorIsolation(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &counterWorker{errorOn: map[int]bool{1: true}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "sad", Ordinate: 1},
			{ID: "c1", Ordinate: 2},
			{ID: "c2", Ordinate: 3},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	outcome, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	require.Equal(t, "2", outcome.Output.Output)
	require.Equal(t, 2, saver.calls, "只有非Error的评估落库")
	require.Equal(t, 1, ec.Stats.Error)
	require.Equal(t, []byte("2"), memSaver.last.Memory.Bytes)
}

func TestEvaluate_ErrorSuppressesMemoryUpdate(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{
		{Memory: types.Memory{Bytes: []byte("good")}},
		{Error: "boom", Memory: types.Memory{Bytes: []byte("poisoned")}},
	}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Ordinate: 1},
			{ID: "m2", Ordinate: 2},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	outcome, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	// 出错一步的Memory回退到调用前快照
	require.Equal(t, []byte("good"), outcome.Output.Memory.Bytes)
	require.Equal(t, []byte("good"), memSaver.last.Memory.Bytes)
}

// cancellingWorker 在第cancelOn次调用中途触发取消，然后照常执行到完成
type cancellingWorker struct {
	cancel   context.CancelFunc
	cancelOn int
	calls    int
}

func (c *cancellingWorker) Invoke(ctx context.Context, params worker.InvokeParams) (types.EvaluationOutput, error) {
	c.calls++
	if c.calls == c.cancelOn {
		c.cancel()
	}
	out := types.EvaluationOutput{
		Memory: types.Memory{Bytes: []byte(params.Message.ID)},
		Output: params.Message.ID,
	}
	out.Normalize()
	return out, nil
}

// abortingWorker 在第abortOn次调用时触发取消并以ctx错误中断（模拟被取消
// 打断的模块装载），其余调用正常完成
type abortingWorker struct {
	cancel  context.CancelFunc
	abortOn int
	calls   int
}

func (a *abortingWorker) Invoke(ctx context.Context, params worker.InvokeParams) (types.EvaluationOutput, error) {
	a.calls++
	if a.calls == a.abortOn {
		a.cancel()
		return types.EvaluationOutput{}, ctx.Err()
	}
	out := types.EvaluationOutput{
		Memory: types.Memory{Bytes: []byte(params.Message.ID)},
		Output: params.Message.ID,
	}
	out.Normalize()
	return out, nil
}

func TestEvaluate_CancellationCompletesInFlightMessage(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancellingWorker{cancel: cancel, cancelOn: 2}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Ordinate: 1},
			{ID: "m2", Ordinate: 2},
			{ID: "m3", Ordinate: 3},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	outcome, err := e.Evaluate(ctx, ec, "proc", "stream")
	require.NoError(t, err)

	// 在途消息执行到完成并落库，之后的消息不再评估
	require.Equal(t, 2, w.calls)
	require.Equal(t, 2, saver.calls)
	require.Equal(t, int64(2), outcome.Last.Ordinate)

	// 最终检查点恰好一次，游标指向最后真正评估完的消息
	require.Equal(t, 1, memSaver.calls)
	require.Equal(t, int64(2), memSaver.last.Cursor.Ordinate)
	require.Equal(t, []byte("m2"), memSaver.last.Memory.Bytes)
}

func TestEvaluate_CancellationAbortedInvocationLeavesMessageForReplay(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &abortingWorker{cancel: cancel, abortOn: 2}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Ordinate: 1},
			{ID: "m2", Ordinate: 2},
			{ID: "m3", Ordinate: 3},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	outcome, err := e.Evaluate(ctx, ec, "proc", "stream")
	require.NoError(t, err)

	// 被取消打断的消息不归因、不落库、不推进游标
	require.Equal(t, 1, saver.calls)
	require.Equal(t, int64(1), outcome.Last.Ordinate)
	require.Equal(t, 0, ec.Stats.Error, "取消不是消息自身的失败")

	// 检查点落在上一条评估完的消息上，被打断的消息留待重放
	require.Equal(t, 1, memSaver.calls)
	require.Equal(t, int64(1), memSaver.last.Cursor.Ordinate)
	require.Equal(t, []byte("m1"), memSaver.last.Memory.Bytes)
}

func TestEvaluate_OutOfOrderInputIsCallerError(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{{}, {}}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Ordinate: 5},
			{ID: "m2", Ordinate: 3},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	_, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.Error(t, err, "乱序输入不做静默重排")
}

func TestEvaluate_PersistenceFailureIsFatal(t *testing.T) {
	saver := &fakeSaver{err: errors.New("磁盘写满")}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{{}}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{{ID: "m1", Ordinate: 1}}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	_, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.Error(t, err)
}

func TestEvaluate_SanitizesPrivilegedTags(t *testing.T) {
	saver := &fakeSaver{}
	memSaver := &fakeMemorySaver{}
	w := &fakeWorker{outputs: []types.EvaluationOutput{{}}}

	ec := &types.EvaluationContext{
		Messages: &fakeSequence{msgs: []types.Message{
			{ID: "m1", Ordinate: 1, Tags: []types.Tag{
				{Name: "From", Value: "hello"},
				{Name: "function", Value: "hello"},
				{Name: "Owner", Value: "hello"},
			}},
		}},
	}

	e := newTestEvaluator(w, saver, &fakeDeepHashIndex{}, memSaver)
	_, err := e.Evaluate(context.Background(), ec, "proc", "stream")
	require.NoError(t, err)

	require.Len(t, w.received, 1)
	require.Equal(t, []types.Tag{{Name: "function", Value: "hello"}}, w.received[0].Message.Tags)
}

func TestShouldSkip_CronDedup(t *testing.T) {
	e := &Evaluator{collaborators: collaborators.Collaborators{DeepHashes: &fakeDeepHashIndex{}}}
	cronSeen := newCronDedupSet()

	msgs := []types.Message{
		{ID: "m1", Cron: "1-10m", Ordinate: 1, Timestamp: 100},
		{ID: "m2", Ordinate: 2, Timestamp: 200},
		{ID: "m3", Cron: "1-20m", Ordinate: 3, Timestamp: 300},
		{ID: "m4", Cron: "1-20m", Ordinate: 3, Timestamp: 300},
		{ID: "m5", Ordinate: 5, Timestamp: 500},
	}

	skips := 0
	for i := range msgs {
		skip, err := e.shouldSkip(context.Background(), &msgs[i], "proc", cronSeen)
		require.NoError(t, err)
		if skip {
			skips++
		}
	}
	require.Equal(t, 1, skips, "同键的两条cron消息只跳过后一条")
}

func TestPending_AttachesToInflightRun(t *testing.T) {
	p := NewPending()

	started := make(chan struct{})
	release := make(chan struct{})
	first := make(chan types.EvaluateOutcome, 1)

	go func() {
		outcome, attached, err := p.Do(context.Background(), "proc", func() (types.EvaluateOutcome, error) {
			close(started)
			<-release
			return types.EvaluateOutcome{Output: types.EvaluationOutput{Output: "first"}}, nil
		})
		require.NoError(t, err)
		require.False(t, attached)
		first <- outcome
	}()

	<-started
	require.True(t, p.InFlight("proc"))

	second := make(chan types.EvaluateOutcome, 1)
	secondEntered := make(chan struct{})
	go func() {
		close(secondEntered)
		outcome, attached, err := p.Do(context.Background(), "proc", func() (types.EvaluateOutcome, error) {
			t.Error("挂靠的请求不应执行自己的run")
			return types.EvaluateOutcome{}, nil
		})
		require.NoError(t, err)
		require.True(t, attached)
		second <- outcome
	}()

	// 等第二个请求进入Do并挂到在途运行上，再放行第一个
	<-secondEntered
	time.Sleep(100 * time.Millisecond)
	close(release)

	firstOutcome := <-first
	secondOutcome := <-second
	require.Equal(t, "first", firstOutcome.Output.Output)
	require.Equal(t, "first", secondOutcome.Output.Output)
	require.False(t, p.InFlight("proc"))
}
