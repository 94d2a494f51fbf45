package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/network"

	"github.com/rcarmo/guerite/internal/docker"
)

// mockEngine implements docker.ContainerEngine for engine tests.
type mockEngine struct {
	mu sync.Mutex

	summaries   []container.Summary
	listErr     error
	inspects    map[string]container.InspectResponse // by id and by name
	inspectErr  map[string]error
	healthSeq   map[string][]string // id -> successive health statuses
	healthIndex map[string]int

	createResult string
	createErr    error
	createCalls  []string // names
	createCfgs   map[string]*container.Config

	startCalls   []string
	startErr     map[string]error
	stopCalls    []string
	stopErr      map[string]error
	restartCalls []string
	restartErr   map[string]error
	renameCalls  []string // "id->name"
	renameErr    map[string]error
	removeCalls  []string
	removeErr    map[string]error

	connectCalls    []string // "network/id"
	connectErr      map[string]error
	disconnectCalls []string

	pullCalls []string
	pullErr   error
	imageIDs  map[string]string // ref -> id after pull
	imageErr  map[string]error

	removeImageCalls []string
	removeImageErr   map[string]error

	pruneCalls  int
	pruneReport docker.PruneReport
	pruneErr    error

	execCalls []string
	execCode  int
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		inspects:    map[string]container.InspectResponse{},
		inspectErr:  map[string]error{},
		healthSeq:   map[string][]string{},
		healthIndex: map[string]int{},
		createCfgs:  map[string]*container.Config{},
		startErr:    map[string]error{},
		stopErr:     map[string]error{},
		restartErr:  map[string]error{},
		renameErr:   map[string]error{},
		removeErr:   map[string]error{},
		connectErr:  map[string]error{},
		imageIDs:    map[string]string{},
		imageErr:    map[string]error{},

		removeImageErr: map[string]error{},
		createResult:   "new0000000000000000",
	}
}

func (m *mockEngine) ListByLabel(_ context.Context, label string) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []container.Summary
	for _, s := range m.summaries {
		if _, ok := s.Labels[label]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockEngine) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.inspectErr[id]; ok && err != nil {
		return container.InspectResponse{}, err
	}
	resp, ok := m.inspects[id]
	if !ok {
		if _, gated := m.healthSeq[id]; !gated {
			return container.InspectResponse{}, fmt.Errorf("no such container: %s", id)
		}
		resp = container.InspectResponse{ID: id}
	}
	if seq, ok := m.healthSeq[id]; ok && len(seq) > 0 {
		i := m.healthIndex[id]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		m.healthIndex[id] = i + 1
		resp.State = &container.State{
			Running: true,
			Health:  &container.Health{Status: container.HealthStatus(seq[i])},
		}
	}
	return resp, nil
}

func (m *mockEngine) CreateContainer(_ context.Context, name string, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, name)
	m.createCfgs[name] = cfg
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.createResult, nil
}

func (m *mockEngine) StartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, id)
	return m.startErr[id]
}

func (m *mockEngine) StopContainer(_ context.Context, id string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls = append(m.stopCalls, id)
	return m.stopErr[id]
}

func (m *mockEngine) RestartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartCalls = append(m.restartCalls, id)
	return m.restartErr[id]
}

func (m *mockEngine) RenameContainer(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameCalls = append(m.renameCalls, id+"->"+name)
	return m.renameErr[id]
}

func (m *mockEngine) RemoveContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
	return m.removeErr[id]
}

func (m *mockEngine) ConnectNetwork(_ context.Context, networkID, containerID string, _ *network.EndpointSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls = append(m.connectCalls, networkID+"/"+containerID)
	return m.connectErr[networkID]
}

func (m *mockEngine) DisconnectNetwork(_ context.Context, networkID, containerID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls = append(m.disconnectCalls, networkID+"/"+containerID)
	return nil
}

func (m *mockEngine) PullImage(_ context.Context, refStr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullCalls = append(m.pullCalls, refStr)
	return m.pullErr
}

func (m *mockEngine) ImageID(_ context.Context, imageRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.imageErr[imageRef]; ok && err != nil {
		return "", err
	}
	id, ok := m.imageIDs[imageRef]
	if !ok {
		return "", fmt.Errorf("no such image: %s", imageRef)
	}
	return id, nil
}

func (m *mockEngine) RemoveImage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeImageCalls = append(m.removeImageCalls, id)
	return m.removeImageErr[id]
}

func (m *mockEngine) PruneImages(_ context.Context) (docker.PruneReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneCalls++
	if m.pruneErr != nil {
		return docker.PruneReport{}, m.pruneErr
	}
	return m.pruneReport, nil
}

func (m *mockEngine) ExecContainer(_ context.Context, id string, cmd []string, _ int) (int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCalls = append(m.execCalls, id+":"+cmd[len(cmd)-1])
	return m.execCode, "", nil
}

func (m *mockEngine) Events(_ context.Context) (<-chan events.Message, <-chan error) {
	msgs := make(chan events.Message)
	errs := make(chan error)
	close(msgs)
	close(errs)
	return msgs, errs
}

func (m *mockEngine) Close() error { return nil }
