package browser

import "errors"

var (
	ErrAccessDenied          = errors.New("storefront denied access")
	ErrHeadlessShellNotFound = errors.New("headless_shell not found")
)
