package control

import (
	"context"
	"strings"
	"sync"

	"github.com/labos-labs/labos-go/internal/domain"
)

// Simulator is the built-in adapter used when a planned run executes in
// simulate mode or no bridge is configured for the platform. Dispatched
// runs report running once, then completed.
type Simulator struct {
	mu     sync.Mutex
	polled map[string]bool
}

func NewSimulator() *Simulator {
	return &Simulator{polled: make(map[string]bool)}
}

func (s *Simulator) AdapterID() string { return "simulator" }

func (s *Simulator) Dispatch(ctx context.Context, task Task) (DispatchResult, error) {
	return DispatchResult{
		ContractVersion: ContractVersion,
		ExternalRunID:   "sim-" + task.ExecutionRunID,
		Status:          string(domain.RunRunning),
	}, nil
}

func (s *Simulator) Status(ctx context.Context, externalRunID string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.polled[externalRunID] {
		s.polled[externalRunID] = true
		return StatusResult{ContractVersion: ContractVersion, Status: string(domain.RunRunning)}, nil
	}
	return StatusResult{ContractVersion: ContractVersion, Status: string(domain.RunCompleted)}, nil
}

func (s *Simulator) Cancel(ctx context.Context, externalRunID string) error {
	if !strings.HasPrefix(externalRunID, "sim-") {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.polled, externalRunID)
	return nil
}
