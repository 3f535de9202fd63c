package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CheckFileSize rejects sizes above MaxFileSize.
func (e *Enforcer) CheckFileSize(ctx context.Context, subject string, size int64) error {
	if size > e.cfg.MaxFileSize {
		return e.deny(ctx, OpResourceLimit, KindResource, subject,
			fmt.Sprintf("file size %d exceeds limit %d", size, e.cfg.MaxFileSize))
	}
	return nil
}

// ResolveTimeout maps a requested timeout to the one to enforce. Zero or
// negative selects DefaultTimeout; anything above MaxExecutionTime is a
// resource violation.
func (e *Enforcer) ResolveTimeout(ctx context.Context, subject string, requested time.Duration) (time.Duration, error) {
	if requested <= 0 {
		return e.cfg.DefaultTimeout, nil
	}
	if requested > e.cfg.MaxExecutionTime {
		return 0, e.deny(ctx, OpResourceLimit, KindResource, subject,
			fmt.Sprintf("requested timeout %s exceeds limit %s", requested, e.cfg.MaxExecutionTime))
	}
	return requested, nil
}

// RunWithLimits runs fn under a hard wall-clock deadline. If the deadline
// fires the result is a resource violation, whatever fn returned. fn must
// stop its work when its context is done.
func (e *Enforcer) RunWithLimits(ctx context.Context, subject string, timeout time.Duration, fn func(ctx context.Context) error) error {
	limit, err := e.ResolveTimeout(ctx, subject, timeout)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	runErr := fn(runCtx)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return e.deny(ctx, OpResourceLimit, KindResource, subject,
			fmt.Sprintf("execution exceeded %s", limit))
	}
	return runErr
}

// NewOutputBuffer returns a writer capped at MaxOutputSize.
func (e *Enforcer) NewOutputBuffer() *CappedBuffer {
	return NewCappedBuffer(e.cfg.MaxOutputSize)
}

// CappedBuffer keeps the first max bytes written to it and records whether
// anything was dropped. Writes never fail, so a chatty process is not
// killed by a broken pipe.
type CappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int64
	total     int64
	truncated bool
}

func NewCappedBuffer(max int64) *CappedBuffer {
	return &CappedBuffer{max: max}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	room := b.max - int64(len(b.buf))
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether output beyond the cap was discarded.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Total is the number of bytes offered, kept or not.
func (b *CappedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Limit is the number of bytes the buffer retains.
func (b *CappedBuffer) Limit() int64 { return b.max }
