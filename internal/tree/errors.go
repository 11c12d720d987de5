package tree

import "errors"

// Addressing and mutation failures. All are recoverable; callers decide
// whether to surface them.
var (
	ErrPathNotFound  = errors.New("path not found")
	ErrNotAFolder    = errors.New("not a folder")
	ErrFileNotFound  = errors.New("file not found")
	ErrNameCollision = errors.New("name already exists")
	ErrInvalidName   = errors.New("invalid entry name")
)
