package pointers

import "github.com/google/uuid"

func String(v string) *string { return &v }

// UUID returns nil for uuid.Nil so optional references stay NULL.
func UUID(v uuid.UUID) *uuid.UUID {
	if v == uuid.Nil {
		return nil
	}
	return &v
}
