package containerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbrowser/controlplane/config"
	"github.com/cloudbrowser/controlplane/models/container"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return New(cfg, nil)
}

func TestPolicyMounts_BindsReadOnlySubdirsWhenAssetsDirSet(t *testing.T) {
	p := newTestPool(t)
	p.cfg.AssetsDir = "/srv/assets"

	mounts := p.policyMounts()

	require.Len(t, mounts, 3)
	for _, m := range mounts {
		assert.True(t, m.ReadOnly)
	}
	assert.Equal(t, "/srv/assets/policy", mounts[0].Source)
	assert.Equal(t, "/opt/policy", mounts[0].Target)
}

func TestPolicyMounts_EmptyAssetsDirReturnsNil(t *testing.T) {
	p := newTestPool(t)
	p.cfg.AssetsDir = ""

	assert.Nil(t, p.policyMounts())
}

func TestNew_DegradedModeHasNilDocker(t *testing.T) {
	p := newTestPool(t)
	assert.Nil(t, p.docker)
	assert.Equal(t, p.cfg.PoolSize, p.targetSnapshot())
}

func TestAcquire_ReturnsFirstWarmContainer(t *testing.T) {
	p := newTestPool(t)
	p.containers["c1"] = &container.Container{ID: "c1", Port: 4001, Status: container.StatusWarm}
	p.containers["c2"] = &container.Container{ID: "c2", Port: 4002, Status: container.StatusBooting}

	id, port, ok := p.Acquire("session-1")

	require.True(t, ok)
	assert.Equal(t, "c1", id)
	assert.Equal(t, 4001, port)
	assert.Equal(t, container.StatusActive, p.containers["c1"].Status)
	assert.Equal(t, "session-1", p.containers["c1"].SessionID)
}

func TestAcquire_NoneWarmReturnsFalse(t *testing.T) {
	p := newTestPool(t)
	p.containers["c1"] = &container.Container{ID: "c1", Status: container.StatusBooting}

	_, _, ok := p.Acquire("session-1")

	assert.False(t, ok)
}

func TestRelease_RemovesFromRegistryAndFreesPort(t *testing.T) {
	p := newTestPool(t)
	p.containers["c1"] = &container.Container{ID: "c1", NativeID: "native-1", Port: 4001, Status: container.StatusActive}
	p.usedPorts[4001] = true

	p.Release("c1")

	_, exists := p.containers["c1"]
	assert.False(t, exists)
	assert.False(t, p.usedPorts[4001])
}

func TestRelease_UnknownIDIsNoop(t *testing.T) {
	p := newTestPool(t)
	assert.NotPanics(t, func() { p.Release("missing") })
}

func TestWarmCount(t *testing.T) {
	p := newTestPool(t)
	p.containers["c1"] = &container.Container{ID: "c1", Status: container.StatusWarm}
	p.containers["c2"] = &container.Container{ID: "c2", Status: container.StatusActive}
	p.containers["c3"] = &container.Container{ID: "c3", Status: container.StatusWarm}

	assert.Equal(t, 2, p.WarmCount())
}

func TestStatus_ReturnsSortedSnapshots(t *testing.T) {
	p := newTestPool(t)
	p.containers["b"] = &container.Container{ID: "b", Status: container.StatusWarm, CreatedAt: time.Now()}
	p.containers["a"] = &container.Container{ID: "a", Status: container.StatusWarm, CreatedAt: time.Now()}

	snaps := p.Status()

	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, "b", snaps[1].ID)
}

func TestSetPoolSize(t *testing.T) {
	p := newTestPool(t)
	p.SetPoolSize(7)
	assert.Equal(t, 7, p.targetSnapshot())
}

func TestLowestFreePort_SkipsUsed(t *testing.T) {
	p := newTestPool(t)
	p.usedPorts[p.cfg.PortRangeStart] = true

	port := p.lowestFreePort()

	assert.Equal(t, p.cfg.PortRangeStart+1, port)
}

func TestLowestFreePort_ExhaustedReturnsZero(t *testing.T) {
	p := newTestPool(t)
	for port := p.cfg.PortRangeStart; port <= p.cfg.PortRangeEnd; port++ {
		p.usedPorts[port] = true
	}

	assert.Equal(t, 0, p.lowestFreePort())
}

func TestCreateWarm_NilDockerReturnsCapacityExhausted(t *testing.T) {
	p := newTestPool(t)
	err := p.createWarm()
	assert.Error(t, err)
}

func TestRestart_OnlyDestroysWarmContainers(t *testing.T) {
	p := newTestPool(t)
	p.containers["warm"] = &container.Container{ID: "warm", NativeID: "n1", Port: 4001, Status: container.StatusWarm}
	p.containers["active"] = &container.Container{ID: "active", NativeID: "n2", Port: 4002, Status: container.StatusActive}
	p.SetPoolSize(0)

	p.Restart()

	_, warmStillPresent := p.containers["warm"]
	_, activeStillPresent := p.containers["active"]
	assert.False(t, warmStillPresent)
	assert.True(t, activeStillPresent)
}
