package models

import (
	"errors"
)

// Failure taxonomy surfaced by the session store and the synchronizers.
// Callers discriminate with errors.Is; layers wrap with fmt.Errorf("%w").
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrForbidden        = errors.New("forbidden")
	ErrNoActiveChat     = errors.New("no active chat")
	ErrRemoteWrite      = errors.New("remote write failed")
	ErrSubscription     = errors.New("subscription error")

	// ErrPartialCreate marks a multi-step create that aborted midway and
	// left partial remote state behind (chat creation, file upload).
	ErrPartialCreate = errors.New("partial create failed")

	// ErrProfileCreation is the sign-up specific partial failure: the
	// credential was provisioned but the profile row could not be written.
	// The session store compensates by rolling the credential back.
	ErrProfileCreation = errors.New("profile creation failed")
)
