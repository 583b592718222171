package models

import "errors"

// Predefined errors shared by the dispatch pipeline and stores.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskAlreadyRunning = errors.New("task dispatch already running")
	ErrTaskNotRunning     = errors.New("task dispatch not running")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotEligible  = errors.New("device not eligible for assignment")
	ErrPoolNotFound       = errors.New("data pool not found")
	ErrQueueClosed        = errors.New("command queue closed")
	ErrNoChannel          = errors.New("no live channel registered for device")
	ErrInvalidFrame       = errors.New("invalid protocol frame")
	ErrInvalidRequest     = errors.New("invalid request")
)
