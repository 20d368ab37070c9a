// Package containerpool implements C1, the warm container pool: it
// maintains N pre-provisioned sandboxed browser containers, allocates
// and releases them against sessions, and self-heals on a background
// health loop.
package containerpool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cloudbrowser/controlplane/config"
	cperrors "github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/logger"
	"github.com/cloudbrowser/controlplane/models/container"
)

const (
	namePrefix      = "session-"
	probeInterval   = 2 * time.Second
	probeCeiling    = 120 * time.Second
	stopGrace       = 5 * time.Second
	healthInterval  = 5 * time.Second
	streamingPort   = "9222/tcp"
)

// Pool is C1. pool and usedPorts are the two collections the
// concurrency model names explicitly; both are serialized by mu. Only
// state mutation happens under the lock — create/destroy/probe calls
// into the docker client are launched outside it.
type Pool struct {
	cfg    *config.Config
	docker *client.Client

	mu         sync.Mutex
	containers map[string]*container.Container
	usedPorts  map[int]bool
	targetSize int

	networkID string
	breaker   *gobreaker.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool bound to an already-connected docker client. A
// nil docker client is accepted so the process can still serve queue/
// session endpoints in degraded mode when the daemon is unreachable;
// every docker-touching method becomes a no-op/CapacityExhausted path.
func New(cfg *config.Config, docker *client.Client) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		docker:     docker,
		containers: make(map[string]*container.Container),
		usedPorts:  make(map[int]bool),
		targetSize: cfg.PoolSize,
		ctx:        ctx,
		cancel:     cancel,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "container-create",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return p
}

// Start ensures the isolated network exists, removes orphaned containers
// left by a prior crash, and fills the pool to its target size.
func (p *Pool) Start(ctx context.Context) error {
	if p.docker == nil {
		logger.Warn("container pool starting in degraded mode: docker unavailable")
		return nil
	}

	if err := p.ensureNetwork(ctx); err != nil {
		return cperrors.RuntimeFailure("ensuring isolated network", err)
	}

	if err := p.recoverOrphans(ctx); err != nil {
		logger.Warn("orphan recovery scan failed", zap.Error(err))
	}

	p.fillToTarget()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()

	return nil
}

// ensureNetwork creates the bridge-type isolated network if it doesn't
// already exist. A newly created network has inter-container traffic
// disabled through the bridge driver's enable_icc option; outbound
// traffic is permitted, since the network is not marked "internal". An
// existing network with the configured name is reused as it is.
func (p *Pool) ensureNetwork(ctx context.Context) error {
	networks, err := p.docker.NetworkList(ctx, dockernetwork.ListOptions{})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name == p.cfg.DockerNetworkName {
			p.networkID = n.ID
			return nil
		}
	}
	resp, err := p.docker.NetworkCreate(ctx, p.cfg.DockerNetworkName, dockernetwork.CreateOptions{
		Driver:  "bridge",
		Options: map[string]string{"com.docker.network.bridge.enable_icc": "false"},
	})
	if err != nil {
		return err
	}
	p.networkID = resp.ID
	return nil
}

// recoverOrphans destroys any pre-existing container whose name matches
// the pool's naming pattern, left behind by a crash of a prior process.
func (p *Pool) recoverOrphans(ctx context.Context) error {
	list, err := p.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true})
	if err != nil {
		return err
	}
	for _, c := range list {
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), namePrefix) {
				logger.Info("removing orphaned container from prior run", zap.String("name", name))
				_ = p.docker.ContainerStop(ctx, c.ID, dockercontainer.StopOptions{})
				_ = p.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
				break
			}
		}
	}
	return nil
}

func (p *Pool) fillToTarget() {
	p.mu.Lock()
	shortfall := p.targetSize - len(p.containers)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < shortfall; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.createWarm(); err != nil {
				logger.Error("failed to create warm container", zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// Acquire performs a linear scan for the first warm container, flips it
// to active under the lock, and returns its id and port. ok is false if
// none is warm - the caller (C3) is expected to retry.
func (p *Pool) Acquire(sessionID string) (containerID string, port int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic scan order for reproducible tests

	for _, id := range ids {
		c := p.containers[id]
		if c.Status == container.StatusWarm {
			c.Status = container.StatusActive
			c.SessionID = sessionID
			return c.ID, c.Port, true
		}
	}
	return "", 0, false
}

// Release marks the container destroying, frees its port and removes it
// from the registry under the lock, then asynchronously stops/removes it
// and kicks off a replacement so steady-state pool size is preserved.
// Idempotent: releasing an id no longer in the registry is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	c, ok := p.containers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	c.Status = container.StatusDestroying
	delete(p.usedPorts, c.Port)
	delete(p.containers, id)
	p.mu.Unlock()

	go p.destroy(c.NativeID)
	go func() {
		if err := p.createWarm(); err != nil {
			logger.Error("failed to create replacement container", zap.Error(err))
		}
	}()
}

// LaunchApp execs the streaming layer's app-launch command inside the
// container with the normalized URL. Fire-and-forget: failure is logged
// only, never surfaced to the session.
func (p *Pool) LaunchApp(containerID, url string) {
	if p.docker == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p.mu.Lock()
		c, ok := p.containers[containerID]
		p.mu.Unlock()
		if !ok {
			return
		}

		exec, err := p.docker.ContainerExecCreate(ctx, c.NativeID, dockercontainer.ExecOptions{
			Cmd: []string{"launch-app", url},
		})
		if err != nil {
			logger.Warn("launchApp exec create failed", zap.String("container", containerID), zap.Error(err))
			return
		}
		if err := p.docker.ContainerExecStart(ctx, exec.ID, dockercontainer.ExecStartOptions{}); err != nil {
			logger.Warn("launchApp exec start failed", zap.String("container", containerID), zap.Error(err))
		}
	}()
}

// Status returns a defensive-copy snapshot of every container currently
// in the registry.
func (p *Pool) Status() []container.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]container.Snapshot, 0, len(p.containers))
	for _, c := range p.containers {
		out = append(out, c.ToSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WarmCount returns the number of containers currently warm, used by C3
// to decide whether to advance the worker and by the estimated-wait
// calculation.
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.containers {
		if c.Status == container.StatusWarm {
			n++
		}
	}
	return n
}

// SetPoolSize updates the target; the health loop grows the pool on its
// next tick. Shrinking is passive - warm containers above target are
// never forcibly destroyed here.
func (p *Pool) SetPoolSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetSize = n
}

func (p *Pool) targetSnapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetSize
}

// Restart destroys only warm containers (never active ones) and
// re-fills to the current target size.
func (p *Pool) Restart() {
	p.mu.Lock()
	var toDestroy []*container.Container
	for id, c := range p.containers {
		if c.Status == container.StatusWarm {
			c.Status = container.StatusDestroying
			delete(p.usedPorts, c.Port)
			delete(p.containers, id)
			toDestroy = append(toDestroy, c)
		}
	}
	p.mu.Unlock()

	for _, c := range toDestroy {
		go p.destroy(c.NativeID)
	}
	p.fillToTarget()
}

// Shutdown stops the health loop and destroys every container in the
// registry, used by the process-wide shutdown coordinator.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	p.mu.Lock()
	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		p.mu.Lock()
		c := p.containers[id]
		p.mu.Unlock()
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(nativeID string) {
			defer wg.Done()
			p.destroy(nativeID)
		}(c.NativeID)
	}
	wg.Wait()
	p.wg.Wait()
	return nil
}

func allocateID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (p *Pool) containerName(id string) string {
	return namePrefix + id
}

// lowestFreePort returns the lowest unused port in the configured range,
// or 0 if the range is exhausted.
func (p *Pool) lowestFreePort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.cfg.PortRangeStart; port <= p.cfg.PortRangeEnd; port++ {
		if !p.usedPorts[port] {
			p.usedPorts[port] = true
			return port
		}
	}
	return 0
}

func (p *Pool) releasePort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.usedPorts, port)
}

// createWarm allocates a port, creates and starts a container, registers
// it as booting, and launches a background liveness probe. Creation
// itself runs through the circuit breaker so a run of daemon failures
// backs off instead of retrying tightly.
func (p *Pool) createWarm() error {
	if p.docker == nil {
		return cperrors.CapacityExhausted()
	}

	port := p.lowestFreePort()
	if port == 0 {
		return cperrors.E(cperrors.KindCapacityExhausted, "no free ports in configured range", nil)
	}

	id := allocateID()
	name := p.containerName(id)

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.dockerCreateAndStart(name, port)
	})
	if err != nil {
		p.releasePort(port)
		return cperrors.RuntimeFailure("creating container", err)
	}
	nativeID := result.(string)

	c := &container.Container{
		ID:        id,
		NativeID:  nativeID,
		Port:      port,
		Status:    container.StatusBooting,
		CreatedAt: time.Now(),
	}
	p.mu.Lock()
	p.containers[id] = c
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.probeUntilWarm(c)
	}()

	return nil
}

func (p *Pool) dockerCreateAndStart(name string, hostPort int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	portStr := nat.Port(streamingPort)
	hostPortStr := fmt.Sprintf("%d", hostPort)

	cfg := &dockercontainer.Config{
		Image: p.cfg.ContainerImage,
		ExposedPorts: nat.PortSet{
			portStr: {},
		},
		Env: []string{
			fmt.Sprintf("STREAM_PORT=%s", portStr.Port()),
		},
	}

	resources := dockercontainer.Resources{
		Memory:   2 * 1024 * 1024 * 1024,
		NanoCPUs: 1_000_000_000,
	}
	// GPU_DEVICE_PATH opts a deployment into hardware-accelerated encoding;
	// left unset, containers fall back to the (slower) software encoder.
	if p.cfg.GPUDevicePath != "" {
		resources.Devices = []dockercontainer.DeviceMapping{
			{
				PathOnHost:        p.cfg.GPUDevicePath,
				PathInContainer:   p.cfg.GPUDevicePath,
				CgroupPermissions: "rwm",
			},
		}
	}

	hostCfg := &dockercontainer.HostConfig{
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"SYS_ADMIN"}, // required by the sandboxed browser for its own namespace setup
		ShmSize:     p.cfg.ContainerShmSizeMB * 1024 * 1024,
		NetworkMode: dockercontainer.NetworkMode(p.cfg.DockerNetworkName),
		RestartPolicy: dockercontainer.RestartPolicy{
			Name: "no",
		},
		Resources: resources,
		PortBindings: nat.PortMap{
			portStr: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPortStr}},
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,size=256m",
		},
		Mounts: p.policyMounts(),
	}

	resp, err := p.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}

	if err := p.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = p.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", err
	}

	return resp.ID, nil
}

// policyMounts binds ASSETS_DIR's policy/scripts/assets subdirectories
// into the container read-only, per section 4.1. Nothing is written
// through these paths from inside the sandbox.
func (p *Pool) policyMounts() []mount.Mount {
	if p.cfg.AssetsDir == "" {
		return nil
	}
	sub := []string{"policy", "scripts", "assets"}
	mounts := make([]mount.Mount, 0, len(sub))
	for _, name := range sub {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   filepath.Join(p.cfg.AssetsDir, name),
			Target:   "/opt/" + name,
			ReadOnly: true,
		})
	}
	return mounts
}

// probeUntilWarm polls the container's mapped streaming port every
// probeInterval up to probeCeiling. The first successful response flips
// the container to warm; on timeout the container is left booting for
// the health loop to eventually recycle.
func (p *Pool) probeUntilWarm(c *container.Container) {
	deadline := time.Now().Add(probeCeiling)
	url := fmt.Sprintf("http://localhost:%d/", c.Port)
	client := &http.Client{Timeout: probeInterval}

	for time.Now().Before(deadline) {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(probeInterval):
		}

		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				p.mu.Lock()
				if c.Status == container.StatusBooting {
					c.Status = container.StatusWarm
				}
				p.mu.Unlock()
				return
			}
		}
	}
	logger.Warn("container failed readiness probe within ceiling, left booting", zap.String("id", c.ID))
}

func (p *Pool) destroy(nativeID string) {
	if p.docker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace+5*time.Second)
	defer cancel()

	timeoutSecs := int(stopGrace.Seconds())
	_ = p.docker.ContainerStop(ctx, nativeID, dockercontainer.StopOptions{Timeout: &timeoutSecs})
	_ = p.docker.ContainerRemove(ctx, nativeID, dockercontainer.RemoveOptions{Force: true})
}

// healthLoop runs every healthInterval: inspects every non-destroying
// container's native state, evicts and replaces dead ones, then tops the
// pool up to its current target size.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range ids {
		p.mu.Lock()
		c, ok := p.containers[id]
		p.mu.Unlock()
		if !ok {
			continue
		}

		inspect, err := p.docker.ContainerInspect(ctx, c.NativeID)
		if err != nil || !inspect.State.Running {
			p.mu.Lock()
			delete(p.containers, id)
			delete(p.usedPorts, c.Port)
			p.mu.Unlock()
			go p.destroy(c.NativeID)
			logger.Warn("evicted unhealthy container", zap.String("id", id))
		}
	}

	p.mu.Lock()
	shortfall := p.targetSize - len(p.containers)
	p.mu.Unlock()

	for i := 0; i < shortfall; i++ {
		if err := p.createWarm(); err != nil {
			logger.Error("health loop failed to create replacement", zap.Error(err))
		}
	}
}
