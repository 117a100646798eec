package cli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRejectsUnknownJob(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := NewJobsCLI(srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Trigger(context.Background(), "consol:refresh")
	assert.ErrorContains(t, err, "unsupported job")
}

func TestUnconfiguredCLI(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), "sweep")
	assert.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	assert.Error(t, err)
	_, err = c.ListScheduled(context.Background(), 0)
	assert.Error(t, err)
}
