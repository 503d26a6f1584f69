package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gh-analytics/sft-export/internal/resilience"
	"github.com/gh-analytics/sft-export/pkg/kusto"
)

// clientFunc adapts a function to the backend client interface.
type clientFunc func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error)

func (f clientFunc) Execute(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
	return f(ctx, query, opts...)
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		MinBackoff:     time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
		OnRetry:        func(int, time.Duration, error) {},
	}
}

func conversationRow(id string) kusto.Row {
	return kusto.Row{
		"conversationId":               id,
		"userName":                     "user@example.com",
		"bucket":                       "short_3_to_5_turns",
		"totalPromptTokens_actual":     400,
		"totalCompletionTokens_actual": 120,
		"turnsArray": []any{
			map[string]any{
				"turnIndex":   1,
				"messageId":   id + "-m1",
				"userMessage": "hi",
				"llmCalls": []any{
					map[string]any{"actual_API": map[string]any{"promptTokens": 400, "completionTokens": 120}},
				},
			},
		},
	}
}

func TestBuildChunkQuery(t *testing.T) {
	template := "Events | where hash(conversationId, {NUM_CHUNKS}) == {CHUNK_NUM}"
	got := BuildChunkQuery(template, 17, 60)
	assert.Equal(t, "Events | where hash(conversationId, 60) == 17", got)
	assert.NotContains(t, got, "{")
}

func TestRunChunk_Success(t *testing.T) {
	var gotQuery string
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		gotQuery = query
		return []kusto.Row{conversationRow("conv-1"), conversationRow("conv-2")}, nil
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(3))
	records, err := e.RunChunk(context.Background(), "chunk {CHUNK_NUM} of {NUM_CHUNKS}", 4, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "conv-1", records[0].ConversationID)
	assert.Equal(t, 400, records[0].PromptTokenTotal())
	require.Len(t, records[0].Turns, 1)
	assert.Equal(t, 1, records[0].Turns[0].TurnIndex)
	assert.Equal(t, "chunk 4 of 10", gotQuery)
}

func TestRunChunk_TransientThenSuccess(t *testing.T) {
	calls := 0
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		calls++
		if calls < 3 {
			return nil, resilience.NewTransientError(errors.New("throttled"))
		}
		return []kusto.Row{conversationRow("conv-1")}, nil
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(5))
	records, err := e.RunChunk(context.Background(), "q", 0, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 3, calls)
}

func TestRunChunk_UnknownErrorsAreRetried(t *testing.T) {
	calls := 0
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		calls++
		return nil, errors.New("novel backend hiccup")
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(3))
	_, err := e.RunChunk(context.Background(), "q", 0, 10)
	require.Error(t, err)
	assert.Equal(t, 3, calls, "unknown errors should be retried, not treated as fatal")
	assert.True(t, resilience.IsFatal(err), "exhausted attempts surface as fatal")
	assert.Contains(t, err.Error(), "attempts exhausted")
}

func TestRunChunk_FatalNotRetried(t *testing.T) {
	calls := 0
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		calls++
		return nil, resilience.NewFatalError(errors.New("semantic error"))
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(5))
	_, err := e.RunChunk(context.Background(), "q", 0, 10)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, resilience.IsFatal(err))
}

func TestRunChunk_ClientTimeoutAbandonsQuery(t *testing.T) {
	release := make(chan struct{})
	calls := 0
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		calls++
		if calls == 1 {
			// Simulate a stuck backend call that only notices cancellation.
			select {
			case <-ctx.Done():
				close(release)
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return nil, errors.New("test hung")
			}
		}
		return []kusto.Row{conversationRow("conv-1")}, nil
	})

	e := NewExecutor(client, time.Minute, 20*time.Millisecond, fastRetry(3))
	start := time.Now()
	records, err := e.RunChunk(context.Background(), "q", 0, 10)
	require.NoError(t, err, "retry after client timeout should succeed")
	assert.Len(t, records, 1)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not wait out the stuck call")

	select {
	case <-release:
		// First attempt observed cancellation.
	case <-time.After(time.Second):
		t.Fatal("abandoned attempt never saw its context cancelled")
	}
}

func TestRunChunk_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		return nil, ctx.Err()
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(5))
	_, err := e.RunChunk(ctx, "q", 0, 10)
	require.Error(t, err)
}

func TestRunChunk_MalformedRowIsFatal(t *testing.T) {
	calls := 0
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		calls++
		return []kusto.Row{{"conversationId": 12345, "turnsArray": "not an array"}}, nil
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(5))
	_, err := e.RunChunk(context.Background(), "q", 0, 10)
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err), "schema drift must abort, not silently drop rows")
	assert.Equal(t, 1, calls, "parse failures happen after the query, not inside retry")
}

func TestRunQuery_Success(t *testing.T) {
	client := clientFunc(func(ctx context.Context, query string, opts ...kusto.ExecuteOption) ([]kusto.Row, error) {
		assert.Equal(t, "Events | take 1", query)
		return []kusto.Row{conversationRow("conv-1")}, nil
	})

	e := NewExecutor(client, time.Minute, time.Minute, fastRetry(3))
	records, err := e.RunQuery(context.Background(), "Events | take 1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestClientTimeoutError_IsTransient(t *testing.T) {
	err := resilience.NewTransientError(&ClientTimeoutError{Timeout: 900 * time.Second})
	assert.True(t, resilience.IsTransient(err))

	var cte *ClientTimeoutError
	require.True(t, errors.As(err, &cte))
	assert.Equal(t, 900*time.Second, cte.Timeout)
}
