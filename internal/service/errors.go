package service

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrRecordNotFound       = errors.New("verification record not found")
	ErrAlreadySubmitted     = errors.New("a verification is already pending for this subject")
	ErrAlreadyVerified      = errors.New("subject is already verified")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrThrottled            = errors.New("too many requests, try again later")
	ErrPollTimeout          = errors.New("verification check expired, please retry")
	ErrProviderUnavailable  = errors.New("verification provider unavailable")
	ErrStorageUnavailable   = errors.New("document storage unavailable")
	ErrRejectionNeedsReason = errors.New("rejection requires a reason")
)
