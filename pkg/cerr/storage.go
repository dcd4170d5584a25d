package cerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/kazz187/taskbot/pkg/storage"
)

type StorageOp string

const (
	StorageRead   StorageOp = "read"
	StorageWrite  StorageOp = "write"
	StorageDelete StorageOp = "delete"
	StorageList   StorageOp = "list"
)

// WrapStorageError classifies a storage failure on target (a delivery, a
// subscription). A missing object is NotFound, a canceled or expired context
// keeps its code, and anything else is Unavailable so background processors
// can try again on their next tick.
func WrapStorageError(op StorageOp, target string, err error) error {
	if err == nil {
		return nil
	}
	cause := fmt.Errorf("failed to %s %s: %w", op, target, err)
	switch {
	case errors.Is(err, storage.ErrNotFound) && op != StorageWrite:
		return NewError(NotFound, fmt.Sprintf("%s not found", target), cause)
	case errors.Is(err, context.Canceled):
		return NewError(Canceled, "request canceled", cause)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(DeadlineExceeded, fmt.Sprintf("%s storage timed out", target), cause)
	}
	return NewError(Unavailable, fmt.Sprintf("%s storage unavailable", target), cause)
}
