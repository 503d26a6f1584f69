// Package extract runs chunk-scoped backend queries with a bounded
// worker, client-side timeout, and retry. A chunk query that exceeds the
// client deadline is abandoned rather than awaited: the remote query may
// keep running, but the pipeline moves on to a fresh retry attempt.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/resilience"
	"github.com/gh-analytics/sft-export/pkg/kusto"
)

// Placeholders substituted into the chunked query template.
const (
	placeholderNumChunks = "{NUM_CHUNKS}"
	placeholderChunkNum  = "{CHUNK_NUM}"
)

// ClientTimeoutError reports a client-side deadline hit while the backend
// was still working. Always classified retryable: the next attempt starts
// a fresh query.
type ClientTimeoutError struct {
	Timeout time.Duration
}

func (e *ClientTimeoutError) Error() string {
	return fmt.Sprintf("client-side timeout after %s; the server may still be processing", e.Timeout)
}

// Executor runs one chunk at a time against the backend.
type Executor struct {
	client        kusto.Client
	serverTimeout time.Duration
	clientTimeout time.Duration
	retry         resilience.RetryConfig
}

// NewExecutor creates an Executor. retry controls backoff between failed
// attempts of the same chunk.
func NewExecutor(client kusto.Client, serverTimeout, clientTimeout time.Duration, retry resilience.RetryConfig) *Executor {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("chunk query")
	}
	// Retry anything not explicitly fatal. The backend reports plenty of
	// transient failures in shapes we cannot enumerate; an unknown error
	// must not kill an hours-long run.
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = func(err error) bool { return !resilience.IsFatal(err) }
	}
	return &Executor{
		client:        client,
		serverTimeout: serverTimeout,
		clientTimeout: clientTimeout,
		retry:         retry,
	}
}

// BuildChunkQuery substitutes the chunk coordinates into the query
// template.
func BuildChunkQuery(template string, chunk, totalChunks int) string {
	q := strings.ReplaceAll(template, placeholderNumChunks, strconv.Itoa(totalChunks))
	return strings.ReplaceAll(q, placeholderChunkNum, strconv.Itoa(chunk))
}

// RunChunk executes one chunk's query with retry and parses the rows into
// conversations. The returned error is fatal (wrapped FatalError) when
// attempts are exhausted or the failure is non-retryable.
func (e *Executor) RunChunk(ctx context.Context, template string, chunk, totalChunks int) ([]model.Conversation, error) {
	query := BuildChunkQuery(template, chunk, totalChunks)
	log := zap.L().With(zap.Int("chunk", chunk), zap.Int("total_chunks", totalChunks))

	rows, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) ([]kusto.Row, error) {
		return e.executeOnce(ctx, query, log)
	})
	if err != nil {
		if !resilience.IsFatal(err) {
			err = resilience.NewFatalError(eris.Wrapf(err, "chunk %d: attempts exhausted", chunk))
		}
		return nil, err
	}

	return parseConversations(rows)
}

// RunQuery executes a non-chunked query (test mode, --no-chunking) with
// the same retry and timeout semantics.
func (e *Executor) RunQuery(ctx context.Context, query string) ([]model.Conversation, error) {
	log := zap.L().With(zap.String("mode", "single_query"))
	rows, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) ([]kusto.Row, error) {
		return e.executeOnce(ctx, query, log)
	})
	if err != nil {
		if !resilience.IsFatal(err) {
			err = resilience.NewFatalError(eris.Wrap(err, "query: attempts exhausted"))
		}
		return nil, err
	}
	return parseConversations(rows)
}

type queryOutcome struct {
	rows []kusto.Row
	err  error
}

// executeOnce submits the query on a single worker goroutine and races it
// against the client deadline. On deadline the worker's context is
// cancelled and its eventual result discarded (the buffered channel lets
// it exit); the caller gets a retryable timeout immediately instead of
// blocking on a stuck call.
func (e *Executor) executeOnce(ctx context.Context, query string, log *zap.Logger) ([]kusto.Row, error) {
	start := time.Now()
	log.Info("executing query", zap.Int("query_chars", len(query)))

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan queryOutcome, 1)
	go func() {
		rows, err := e.client.Execute(qctx, query, kusto.WithServerTimeout(e.serverTimeout))
		ch <- queryOutcome{rows: rows, err: err}
	}()

	timer := time.NewTimer(e.clientTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, resilience.NewTransientError(&ClientTimeoutError{Timeout: e.clientTimeout})
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		elapsed := time.Since(start)
		if len(out.rows) == 0 && elapsed >= time.Duration(0.95*float64(e.serverTimeout)) {
			log.Warn("query returned 0 rows near the server timeout limit; possible server-side timeout",
				zap.Duration("elapsed", elapsed),
				zap.Duration("server_timeout", e.serverTimeout),
			)
		} else {
			log.Info("query returned",
				zap.Int("rows", len(out.rows)),
				zap.Duration("elapsed", elapsed),
			)
		}
		return out.rows, nil
	}
}

// parseConversations converts raw rows into typed records. A row that
// does not fit the conversation shape fails the chunk: silently dropping
// rows would defeat the completeness guarantee.
func parseConversations(rows []kusto.Row) ([]model.Conversation, error) {
	out := make([]model.Conversation, 0, len(rows))
	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, resilience.NewFatalError(eris.Wrapf(err, "extract: encode row %d", i))
		}
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, resilience.NewFatalError(eris.Wrapf(err, "extract: row %d does not match conversation schema", i))
		}
		out = append(out, conv)
	}
	return out, nil
}
