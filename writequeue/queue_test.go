package writequeue

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/storage"
)

func startedQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(5 * time.Second) })
	return q
}

func TestEnqueue_RunsTasksInOrder(t *testing.T) {
	q := startedQueue(t, Options{Name: "order"})

	var mu sync.Mutex
	var order []int
	var results []<-chan error

	for i := 0; i < 5; i++ {
		i := i
		res, err := q.Enqueue(1, func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		results = append(results, res)
	}

	for _, res := range results {
		assert.NoError(t, <-res)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEnqueue_RowBudgetRejectsSynchronously(t *testing.T) {
	q := startedQueue(t, Options{Name: "rows", MaxPendingRows: 200000})

	block := make(chan struct{})
	res, err := q.Enqueue(199900, func(context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.PendingRows() > 0 }, time.Second, time.Millisecond)

	// 199,900 + 600 > 200,000: rejected, and pendingRows unchanged.
	_, err = q.Enqueue(600, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRowBudget))
	assert.Equal(t, 199900, q.PendingRows())

	close(block)
	assert.NoError(t, <-res)
	require.Eventually(t, func() bool { return q.PendingRows() == 0 }, time.Second, time.Millisecond)
}

func TestEnqueue_BatchBudgetRejects(t *testing.T) {
	q := startedQueue(t, Options{Name: "batches", MaxPendingBatches: 2})

	block := make(chan struct{})
	defer close(block)

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(1, func(context.Context) error {
			<-block
			return nil
		})
		require.NoError(t, err)
	}

	_, err := q.Enqueue(1, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBatchBudget))
	assert.Equal(t, 2, q.PendingBatches())
}

func TestTaskFailure_DoesNotPoisonChain(t *testing.T) {
	q := startedQueue(t, Options{Name: "poison"})

	failRes, err := q.Enqueue(10, func(context.Context) error {
		return stderrors.New("sink exploded")
	})
	require.NoError(t, err)

	okRes, err := q.Enqueue(10, func(context.Context) error { return nil })
	require.NoError(t, err)

	assert.Error(t, <-failRes)
	assert.NoError(t, <-okRes, "task after a failed one still runs")
	assert.Equal(t, 0, q.PendingRows(), "failed task still releases its budget")
}

func TestStop_DrainsQueuedTasks(t *testing.T) {
	q, err := New(Options{Name: "drain"})
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))

	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(1, func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, q.Stop(5*time.Second))
	assert.Len(t, ran, 3)

	_, err = q.Enqueue(1, func(context.Context) error { return nil })
	assert.Error(t, err, "enqueue after Stop is refused")
}

type fakeSink struct {
	detailErr error
	aggErr    error
	detail    [][]storage.DetailRow
	agg       [][]storage.AggregateRow
}

func (f *fakeSink) WriteDetail(_ context.Context, rows []storage.DetailRow) error {
	f.detail = append(f.detail, rows)
	return f.detailErr
}

func (f *fakeSink) WriteAggregate(_ context.Context, rows []storage.AggregateRow) error {
	f.agg = append(f.agg, rows)
	return f.aggErr
}

func TestTrafficTask_AttemptsBothTablesIndependently(t *testing.T) {
	sink := &fakeSink{detailErr: stderrors.New("detail table down")}

	task := TrafficTask(sink,
		[]storage.DetailRow{{GatewayID: "gw1"}},
		[]storage.AggregateRow{{GatewayID: "gw1"}})

	err := task(context.Background())
	assert.Error(t, err, "one failed table fails the task overall")
	assert.Len(t, sink.detail, 1)
	assert.Len(t, sink.agg, 1, "aggregate write still attempted after detail failure")
}

func TestTrafficTask_SuccessNeedsBoth(t *testing.T) {
	sink := &fakeSink{}
	task := TrafficTask(sink,
		[]storage.DetailRow{{GatewayID: "gw1"}},
		[]storage.AggregateRow{{GatewayID: "gw1"}})
	assert.NoError(t, task(context.Background()))
}
