package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToSnapshot(t *testing.T) {
	c := &Container{
		ID:        "c1",
		NativeID:  "docker-abc",
		Port:      4001,
		Status:    StatusWarm,
		SessionID: "",
		CreatedAt: time.Now(),
	}

	snap := c.ToSnapshot()

	assert.Equal(t, c.ID, snap.ID)
	assert.Equal(t, c.Port, snap.Port)
	assert.Equal(t, string(StatusWarm), snap.Status)
	assert.Empty(t, snap.SessionID)
	assert.Equal(t, c.CreatedAt, snap.CreatedAt)
}

func TestToSnapshot_CarriesSessionRef(t *testing.T) {
	c := &Container{ID: "c2", Status: StatusActive, SessionID: "s1"}
	snap := c.ToSnapshot()
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, string(StatusActive), snap.Status)
}
