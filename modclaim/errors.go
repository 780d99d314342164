package modclaim

import (
	"errors"
	"fmt"
)

// DenialKind identifies why a claim operation was refused.
type DenialKind string

const (
	DenialNotConfigured     DenialKind = "not_configured"
	DenialQuotaExceeded     DenialKind = "quota_exceeded"
	DenialAlreadyClaimed    DenialKind = "already_claimed"
	DenialNotClaimedByActor DenialKind = "not_claimed_by_actor"
	DenialClaimedByOther    DenialKind = "claimed_by_other"
	DenialNotInBypassList   DenialKind = "not_in_bypass_list"
	DenialMissingPermission DenialKind = "missing_permission"
	DenialNotThread         DenialKind = "not_thread"
	DenialNoRecipient       DenialKind = "no_recipient"
)

// DenialError is returned by [ClaimPolicy] when a request is refused.
// The Message is shown to the user as-is.
//
// errors.Is compares denials by Kind, so a denial carrying a
// role-specific message still matches [ErrNotInBypassList].
type DenialError struct {
	Kind    DenialKind `json:"kind"`
	Message string     `json:"message"`
}

func (e *DenialError) Error() string {
	return e.Message
}

func (e *DenialError) Is(target error) bool {
	t, ok := target.(*DenialError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotConfigured = &DenialError{
		Kind:    DenialNotConfigured,
		Message: "Set Limit first. `/claim_limit`",
	}
	ErrQuotaExceeded = &DenialError{
		Kind:    DenialQuotaExceeded,
		Message: "Limit reached, can't claim the thread.",
	}
	ErrAlreadyClaimed = &DenialError{
		Kind:    DenialAlreadyClaimed,
		Message: "Thread is already claimed",
	}
	ErrNotClaimedByActor = &DenialError{
		Kind:    DenialNotClaimedByActor,
		Message: "You have not claimed this thread.",
	}
	ErrClaimedByOther = &DenialError{
		Kind:    DenialClaimedByOther,
		Message: "This thread has been claimed by another user.",
	}
	ErrNotInBypassList = &DenialError{
		Kind:    DenialNotInBypassList,
		Message: "role is not in the bypass list",
	}

	ErrMissingPermission = &DenialError{
		Kind:    DenialMissingPermission,
		Message: "You don't have permission to use this command.",
	}
	ErrNotThread = &DenialError{
		Kind:    DenialNotThread,
		Message: "This command can only be used in a modmail thread.",
	}
	ErrNoRecipient = &DenialError{
		Kind:    DenialNoRecipient,
		Message: "No recipient found for this thread.",
	}

	// ErrRecordNotFound is returned by [ClaimStore] lookups when no
	// record or config exists for the given key.
	ErrRecordNotFound = errors.New("record not found")

	errInvalidLimit   = errors.New("limit must be >= 0")
	errUnknownCommand = errors.New("unknown command")
)

func notInBypassList(roleID string) *DenialError {
	return &DenialError{
		Kind:    DenialNotInBypassList,
		Message: fmt.Sprintf("`%s` is not in the bypass list", roleID),
	}
}

// AsDenial reports whether err is (or wraps) a [DenialError].
func AsDenial(err error) (*DenialError, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
