package models

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an unknown session, meeting or user.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError indicates a duplicate active call for an initiator or a
// duplicate accept racing against one that already won.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// InvalidTransitionError indicates an event that is not valid for the
// session's current status.
type InvalidTransitionError struct {
	SessionID string
	Status    SessionStatus
	Event     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: event %q not valid in status %q", e.SessionID, e.Event, e.Status)
}

// UnauthorizedError indicates a user acting on a session they are not a
// participant of.
type UnauthorizedError struct {
	UserID    string
	SessionID string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s is not a participant of session %s", e.UserID, e.SessionID)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}
