package coord

import "errors"

// Directory operation outcomes. A nil error is success.
var (
	ErrNotFound  = errors.New("object not found")
	ErrForbidden = errors.New("operation forbidden in protect mode")
	ErrBusy      = errors.New("key is locked by another operation")
	ErrExists    = errors.New("object already exists")
	ErrTooLarge  = errors.New("object exceeds size limit")
	ErrInternal  = errors.New("internal error")
)
