package workerpool

import (
	"context"
	"errors"
)

type regionKey struct{}

type regionOwner interface {
	enterRegion(w *worker) error
	leaveRegion(w *worker)
}

// Interruptible runs fn in a region that a forced shutdown may cancel.
// Outside the region a worker is left to finish its unit within the grace period.
// When ctx does not come from a pool worker, fn simply runs.
//
// If the pool is already forcing shutdown, fn is not called and ErrForceShutdown
// is returned. If fn fails after being cancelled by a forced shutdown, the
// error is reported as ErrForceShutdown so callers can tell it apart from an
// application failure.
//
// Interruptible은 강제 종료 시 취소될 수 있는 영역에서 fn을 실행합니다.
// 이 영역 밖의 워커는 유예 시간 내에 작업을 마칠 수 있도록 남겨집니다.
// 강제 종료로 취소된 뒤 fn이 실패하면 ErrForceShutdown이 반환됩니다.
func Interruptible(ctx context.Context, fn func(ctx context.Context) error) error {
	w, ok := ctx.Value(regionKey{}).(*worker)
	if !ok {
		return fn(ctx)
	}
	if err := w.pool.enterRegion(w); err != nil {
		return err
	}
	defer w.pool.leaveRegion(w)

	err := fn(ctx)
	if err != nil && errors.Is(context.Cause(ctx), ErrForceShutdown) {
		return ErrForceShutdown
	}
	return err
}
