package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/labos-labs/labos-go/internal/execution/execerr"
)

// SidecarConfig describes a local adapter process. The sidecar reads one
// JSON request on stdin and writes one JSON response on stdout.
type SidecarConfig struct {
	AdapterID string
	Command   string
	Args      []string
	Timeout   time.Duration
	Strict    bool
}

// Sidecar runs a device adapter as a short-lived subprocess per request.
type Sidecar struct {
	cfg SidecarConfig
}

func NewSidecar(cfg SidecarConfig) (*Sidecar, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("sidecar %s: command is required", cfg.AdapterID)
	}
	if strings.TrimSpace(cfg.AdapterID) == "" {
		return nil, fmt.Errorf("sidecar adapter id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Sidecar{cfg: cfg}, nil
}

func (s *Sidecar) AdapterID() string { return s.cfg.AdapterID }

type sidecarRequest struct {
	ContractVersion string `json:"contractVersion"`
	Op              string `json:"op"` // dispatch | status | cancel
	Task            *Task  `json:"task,omitempty"`
	ExternalRunID   string `json:"externalRunId,omitempty"`
}

type sidecarResponse struct {
	ContractVersion string `json:"contractVersion"`
	ExternalRunID   string `json:"externalRunId,omitempty"`
	Status          string `json:"status,omitempty"`
	Message         string `json:"message,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s *Sidecar) Dispatch(ctx context.Context, task Task) (DispatchResult, error) {
	resp, err := s.invoke(ctx, sidecarRequest{ContractVersion: ContractVersion, Op: "dispatch", Task: &task})
	if err != nil {
		return DispatchResult{}, err
	}
	if strings.TrimSpace(resp.ExternalRunID) == "" {
		return DispatchResult{}, execerr.BadSidecarResponse(nil, "sidecar %s returned no external run id", s.cfg.AdapterID)
	}
	return DispatchResult{
		ContractVersion: resp.ContractVersion,
		ExternalRunID:   resp.ExternalRunID,
		Status:          resp.Status,
	}, nil
}

func (s *Sidecar) Status(ctx context.Context, externalRunID string) (StatusResult, error) {
	resp, err := s.invoke(ctx, sidecarRequest{ContractVersion: ContractVersion, Op: "status", ExternalRunID: externalRunID})
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		ContractVersion: resp.ContractVersion,
		Status:          resp.Status,
		Message:         resp.Message,
	}, nil
}

func (s *Sidecar) Cancel(ctx context.Context, externalRunID string) error {
	_, err := s.invoke(ctx, sidecarRequest{ContractVersion: ContractVersion, Op: "cancel", ExternalRunID: externalRunID})
	return err
}

func (s *Sidecar) invoke(ctx context.Context, req sidecarRequest) (sidecarResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return sidecarResponse{}, fmt.Errorf("sidecar %s: encode request: %w", s.cfg.AdapterID, err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return sidecarResponse{}, execerr.External(err, "sidecar %s %s: %v (stderr: %s)",
			s.cfg.AdapterID, req.Op, err, strings.TrimSpace(stderr.String()))
	}

	var resp sidecarResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return sidecarResponse{}, execerr.BadSidecarResponse(err, "sidecar %s %s: stdout is not valid JSON", s.cfg.AdapterID, req.Op)
	}
	if err := checkContract(resp.ContractVersion, s.cfg.Strict); err != nil {
		return sidecarResponse{}, execerr.BadSidecarResponse(err, "sidecar %s %s: %v", s.cfg.AdapterID, req.Op, err)
	}
	if resp.Error != "" {
		return sidecarResponse{}, execerr.External(nil, "sidecar %s %s: %s", s.cfg.AdapterID, req.Op, resp.Error)
	}
	return resp, nil
}
