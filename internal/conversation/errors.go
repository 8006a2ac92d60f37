package conversation

import "errors"

var (
	// ErrNotFound means the conversation id did not resolve
	ErrNotFound = errors.New("conversation not found")
	// ErrAllSourcesFailed ends a fusion run in which no model answered
	ErrAllSourcesFailed = errors.New("every fusion source failed")
)
