package notifications

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrMalformedPayload marks a notification whose detail cannot be read.
	// The notification is skipped for the current run and stays standalone.
	ErrMalformedPayload = errors.New("malformed notification payload")
	// ErrLinkConflict marks a notification already attached to another live parent.
	ErrLinkConflict = errors.New("notification linked to another live parent")
	// ErrStoreUnavailable marks a failed read or write against the store.
	ErrStoreUnavailable = errors.New("notification store unavailable")
	// ErrUnknownProfile marks a recipient kind with no aggregation profile.
	ErrUnknownProfile = errors.New("no aggregation profile for recipient kind")
	// ErrInvalidShape marks a row that breaks the parent/child shape rules.
	ErrInvalidShape = errors.New("invalid notification shape")
	// ErrEmptyGroup is returned when composing a summary with no children.
	ErrEmptyGroup = errors.New("no active children to compose")
)

func malformed(id uuid.UUID, format string, args ...any) error {
	return fmt.Errorf("%w: notification %s: %s", ErrMalformedPayload, id, fmt.Sprintf(format, args...))
}

// StoreError wraps an infrastructure failure for op so callers can match
// ErrStoreUnavailable while keeping the driver error.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// CheckShape enforces the fixed one-level hierarchy on a single row.
func CheckShape(n *Notification) error {
	if n == nil {
		return nil
	}
	switch n.Role {
	case RoleParent:
		if n.ParentRef != nil {
			return fmt.Errorf("%w: parent %s has a parent_ref", ErrInvalidShape, n.ID)
		}
		if !n.Visible {
			return fmt.Errorf("%w: parent %s is hidden", ErrInvalidShape, n.ID)
		}
	case RoleChild:
		if n.ParentRef == nil || *n.ParentRef == uuid.Nil {
			return fmt.Errorf("%w: child %s has no parent_ref", ErrInvalidShape, n.ID)
		}
		if n.Visible {
			return fmt.Errorf("%w: child %s is visible", ErrInvalidShape, n.ID)
		}
	case RoleStandalone:
		if n.ParentRef != nil {
			return fmt.Errorf("%w: standalone %s has a parent_ref", ErrInvalidShape, n.ID)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidShape, n.Role)
	}
	return nil
}
