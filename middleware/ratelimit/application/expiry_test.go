package application

import (
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpirySweeper_Schedule(t *testing.T) {
	c := cron.New()
	s := &ExpirySweeper{}

	id, err := s.Schedule(c, "")
	require.NoError(t, err)
	assert.Equal(t, id, c.Entry(id).ID)

	_, err = s.Schedule(c, "not a schedule")
	assert.Error(t, err)
	assert.Len(t, c.Entries(), 1)
}
