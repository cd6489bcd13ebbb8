package notice

import "errors"

var (
	ErrCategoryNotFound = errors.New("notice category not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrNoticeNotFound   = errors.New("notice not found")

	// ErrConfiguration reports conflicting dispatch options (e.g. queue and now together).
	ErrConfiguration = errors.New("notice dispatch misconfigured")
)
