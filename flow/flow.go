// Package flow carries flow identifiers through a context. A flow groups the transactions and
// background work triggered by one logical unit of work, so that their log lines can be correlated.
package flow

import (
	"context"

	"github.com/google/uuid"
)

type ID = uuid.UUID

type key struct{}

// New returns a time-sortable flow identifier.
func New() ID {
	return uuid.Must(uuid.NewV7())
}

func With(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, key{}, id)
}

func From(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(key{}).(ID)
	return id, ok
}

// Ensure returns ctx unchanged if it already carries a flow, otherwise a child context with a new one.
func Ensure(ctx context.Context) (context.Context, ID) {
	if id, ok := From(ctx); ok {
		return ctx, id
	}
	id := New()
	return With(ctx, id), id
}
