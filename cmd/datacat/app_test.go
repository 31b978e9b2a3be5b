package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func kindsCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("klines", false, "")
	cmd.Flags().Bool("metrics", false, "")
	cmd.Flags().Bool("all", false, "")
	return cmd
}

func TestBackfillKinds(t *testing.T) {
	cmd := kindsCmd()
	k, m := backfillKinds(cmd)
	assert.True(t, k)
	assert.True(t, m)

	cmd = kindsCmd()
	cmd.Flags().Set("klines", "true")
	k, m = backfillKinds(cmd)
	assert.True(t, k)
	assert.False(t, m)

	cmd = kindsCmd()
	cmd.Flags().Set("metrics", "true")
	k, m = backfillKinds(cmd)
	assert.False(t, k)
	assert.True(t, m)

	cmd = kindsCmd()
	cmd.Flags().Set("klines", "true")
	cmd.Flags().Set("all", "true")
	k, m = backfillKinds(cmd)
	assert.True(t, k)
	assert.True(t, m)
}

func TestUntilNextGrid(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 3, 10, 0, time.UTC)
	wait := untilNextGrid(now, 5*time.Minute)
	// next bucket at 12:05:00, plus the publish offset
	assert.Equal(t, time.Minute+50*time.Second+5*time.Second, wait)

	onGrid := time.Date(2026, 8, 25, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Minute+5*time.Second, untilNextGrid(onGrid, 5*time.Minute))
}
