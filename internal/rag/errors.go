package rag

import "errors"

var (
	// ErrEmptyQuestion is returned before the state machine starts when the
	// question is empty or whitespace.
	ErrEmptyQuestion = errors.New("question must not be empty")

	// ErrCompletionRequired and ErrSearchRequired guard construction; the
	// engine cannot run without both capabilities.
	ErrCompletionRequired = errors.New("completion provider is required")
	ErrSearchRequired     = errors.New("search provider is required")
)
