package core

import (
	"context"

	"github.com/dkeye/Televisit/internal/domain"
)

// Bookkeeper persists the session outcome. It is called exactly once per
// session, at teardown.
type Bookkeeper interface {
	Complete(ctx context.Context, summary domain.SessionSummary) error
}
