package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/ledger"
)

// funcInvoker adapts a plain function to the JobInvoker interface.
type funcInvoker func(ctx context.Context, prior *ledger.JobState) (<-chan descriptor.InvokeResult, error)

func (f funcInvoker) Invoke(ctx context.Context, prior *ledger.JobState) (<-chan descriptor.InvokeResult, error) {
	return f(ctx, prior)
}

// WithBackfillWindow wraps base so that, instead of invoking it once, it
// calls base.Invoke once per period that elapsed since the job's last
// recorded success (capped at maxCatchup calls), feeding each call's own
// result onto one merged output channel. This is the backfill mixin: the
// executor never special-cases backfill jobs, it just drains however many
// values the channel produces.
func WithBackfillWindow(base descriptor.JobInvoker, period time.Duration, maxCatchup int) descriptor.JobInvoker {
	return funcInvoker(func(ctx context.Context, prior *ledger.JobState) (<-chan descriptor.InvokeResult, error) {
		windows := 1
		if prior != nil && prior.HasLastSuccess() && period > 0 {
			windows = int(time.Since(prior.LastSuccess) / period)
		}
		if windows > maxCatchup {
			windows = maxCatchup
		}
		if windows <= 0 {
			ch := make(chan descriptor.InvokeResult)
			close(ch)
			return ch, nil
		}

		out := make(chan descriptor.InvokeResult, windows)
		go func() {
			defer close(out)
			cursor := prior
			for i := 0; i < windows; i++ {
				inner, err := base.Invoke(ctx, cursor)
				if err != nil {
					out <- descriptor.InvokeResult{Err: err}
					return
				}
				var last descriptor.InvokeResult
				for result := range inner {
					last = result
					out <- result
					if result.Err != nil {
						return
					}
				}
				next := *cloneOrEmpty(cursor)
				next.LastSuccess = last.Success
				cursor = &next
			}
		}()
		return out, nil
	})
}

func cloneOrEmpty(s *ledger.JobState) *ledger.JobState {
	if s == nil {
		return &ledger.JobState{}
	}
	clone := *s
	return &clone
}

// txKey is the context key WithSingleTransaction stores its *sql.Tx under,
// so a job body can retrieve the shared transaction without the JobInvoker
// contract growing a second parameter.
type txKey struct{}

// TxFromContext returns the transaction opened by WithSingleTransaction, if
// any job body wrapped by it chooses to use it.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithSingleTransaction wraps base so its entire run, including every
// emitted InvokeResult, executes under one *sql.Tx: committed if the base
// invoker's channel closes without an error result, rolled back otherwise.
func WithSingleTransaction(base descriptor.JobInvoker, db *sql.DB) descriptor.JobInvoker {
	return funcInvoker(func(ctx context.Context, prior *ledger.JobState) (<-chan descriptor.InvokeResult, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		txCtx := context.WithValue(ctx, txKey{}, tx)

		inner, err := base.Invoke(txCtx, prior)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		out := make(chan descriptor.InvokeResult)
		go func() {
			defer close(out)
			failed := false
			for result := range inner {
				if result.Err != nil {
					failed = true
				}
				out <- result
			}
			if failed {
				_ = tx.Rollback()
			} else {
				_ = tx.Commit()
			}
		}()
		return out, nil
	})
}
