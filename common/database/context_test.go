package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeouts(t *testing.T) {
	tests := []struct {
		name     string
		timeouts Timeouts
		ctxFn    func(Timeouts, context.Context) (context.Context, context.CancelFunc)
		want     time.Duration
	}{
		{"query default", Timeouts{}, Timeouts.QueryContext, DefaultQueryTimeout},
		{"write default", Timeouts{}, Timeouts.WriteContext, DefaultWriteTimeout},
		{"bulk default", Timeouts{}, Timeouts.BulkContext, DefaultBulkTimeout},
		{"query override", Timeouts{Query: time.Second}, Timeouts.QueryContext, time.Second},
		{"write override", Timeouts{Write: 2 * time.Second}, Timeouts.WriteContext, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := tt.ctxFn(tt.timeouts, context.Background())
			defer cancel()

			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			remaining := time.Until(deadline)
			assert.LessOrEqual(t, remaining, tt.want)
			assert.Greater(t, remaining, tt.want-time.Second)
		})
	}
}

func TestTimeoutsKeepShorterParentDeadline(t *testing.T) {
	parent, cancelParent := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelParent()

	ctx, cancel := DefaultTimeouts().BulkContext(parent)
	defer cancel()

	parentDeadline, _ := parent.Deadline()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, parentDeadline, deadline)
}
