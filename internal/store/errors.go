package store

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownReferrer   = errors.New("unknown referrer code")
	ErrSelfReferral      = errors.New("self referral")
	ErrReferralExists    = errors.New("referral exists")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCodeExhausted     = errors.New("could not allocate a unique referral code")
)
