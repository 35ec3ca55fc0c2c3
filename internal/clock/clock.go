// Package clock abstracts wall-clock access so fiscal timestamps are
// deterministic under test.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock yields the current UTC time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns a Clock backed by time.Now.
func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
