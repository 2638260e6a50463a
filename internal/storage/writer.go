package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter batches audit entries off the request path. Writes that fail
// after retries are dropped with an error log rather than failing the
// execution that produced them.
type AuditWriter struct {
	db   *DB
	ch   chan *AuditEntry
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *AuditEntry, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(entry *AuditEntry) {
	select {
	case w.ch <- entry:
	default:
		log.Warn().Str("audit_id", entry.ID).Msg("audit buffer full, dropping log entry")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.writeWithRetry(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.writeWithRetry(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(entry *AuditEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogExecution(ctx, entry)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("audit_id", entry.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("audit_id", entry.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
