package domain

import "errors"

// ErrStateConflict reports that a conversation state was changed by another
// writer between load and save.
var ErrStateConflict = errors.New("conversation state changed concurrently")
