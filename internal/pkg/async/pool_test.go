package async_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonscope/internal/pkg/async"
)

func TestExecuteReturnsAllResults(t *testing.T) {
	pool := async.NewPool(3)

	results := pool.Execute(context.Background(), []async.Task{
		{Name: "one", Execute: func() (interface{}, error) { return 1, nil }},
		{Name: "two", Execute: func() (interface{}, error) { return "b", nil }},
		{Name: "three", Execute: func() (interface{}, error) { return nil, errors.New("boom") }},
	})

	require.Len(t, results, 3)
	assert.Equal(t, 1, results["one"].Data)
	assert.NoError(t, results["one"].Err)
	assert.Equal(t, "b", results["two"].Data)
	assert.EqualError(t, results["three"].Err, "boom")
}

func TestExecuteWithMoreTasksThanWorkers(t *testing.T) {
	pool := async.NewPool(2)

	tasks := make([]async.Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = async.Task{
			Name:    string(rune('a' + i)),
			Execute: func() (interface{}, error) { return i, nil },
		}
	}

	results := pool.Execute(context.Background(), tasks)
	assert.Len(t, results, 10)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	pool := async.NewPool(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := pool.Execute(ctx, []async.Task{
		{Name: "one", Execute: func() (interface{}, error) { return 1, nil }},
	})

	// A cancelled context yields whatever finished, possibly nothing.
	assert.LessOrEqual(t, len(results), 1)
}

func TestNonPositiveWorkerCountFallsBack(t *testing.T) {
	pool := async.NewPool(0)

	results := pool.Execute(context.Background(), []async.Task{
		{Name: "one", Execute: func() (interface{}, error) { return 1, nil }},
	})
	assert.Len(t, results, 1)
}
