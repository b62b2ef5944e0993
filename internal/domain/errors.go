package domain

import "errors"

// Submission errors. None of them creates a job.
var (
	ErrAdmissionRejected     = errors.New("too many video requests, try again later")
	ErrInvalidContentType    = errors.New("only PDF documents are accepted")
	ErrPayloadTooLarge       = errors.New("document exceeds the upload size limit")
	ErrInvalidParams         = errors.New("invalid request parameters")
	ErrRendererNotConfigured = errors.New("render backend is not configured")
)
