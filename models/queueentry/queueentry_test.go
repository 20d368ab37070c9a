package queueentry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSnapshot(t *testing.T) {
	e := &Entry{
		ID:       "q1",
		Status:   StatusWaiting,
		Position: 3,
	}

	snap := e.ToSnapshot(10, 45)

	assert.Equal(t, "q1", snap.ID)
	assert.Equal(t, string(StatusWaiting), snap.Status)
	assert.Equal(t, 3, snap.Position)
	assert.Equal(t, 10, snap.TotalInQueue)
	assert.Equal(t, 45, snap.EstimatedWaitSeconds)
}

func TestToSnapshot_ReadyCarriesSessionAndPort(t *testing.T) {
	e := &Entry{ID: "q2", Status: StatusReady, SessionID: "s1", Port: 4002}
	snap := e.ToSnapshot(0, 0)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, 4002, snap.Port)
}
