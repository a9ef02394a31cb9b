package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func bridgeServer(t *testing.T, contractVersion string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer bridge-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var task Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(DispatchResult{
			ContractVersion: contractVersion,
			ExternalRunID:   "ot2-" + task.TaskID,
			Status:          "running",
		})
	})
	mux.HandleFunc("GET /status/{runId}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResult{
			ContractVersion: contractVersion,
			Status:          "succeeded",
		})
	})
	mux.HandleFunc("POST /runs/{runId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return httptest.NewServer(mux)
}

func TestHTTPBridgeRoundTrip(t *testing.T) {
	server := bridgeServer(t, ContractVersion)
	defer server.Close()

	bridge, err := NewHTTPBridge(BridgeConfig{
		AdapterID:         "ot2-bridge",
		BaseURL:           server.URL,
		Token:             "bridge-token",
		StatusURLTemplate: server.URL + "/status/{runId}",
		Strict:            true,
	})
	if err != nil {
		t.Fatalf("NewHTTPBridge: %v", err)
	}

	result, err := bridge.Dispatch(context.Background(), Task{ContractVersion: ContractVersion, TaskID: "task-1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.ExternalRunID != "ot2-task-1" {
		t.Fatalf("external run id = %s", result.ExternalRunID)
	}

	status, err := bridge.Status(context.Background(), result.ExternalRunID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != "succeeded" {
		t.Fatalf("status = %s", status.Status)
	}

	if err := bridge.Cancel(context.Background(), result.ExternalRunID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestHTTPBridgeContractStrictness(t *testing.T) {
	server := bridgeServer(t, "")
	defer server.Close()

	strict, err := NewHTTPBridge(BridgeConfig{AdapterID: "ot2-bridge", BaseURL: server.URL, Token: "bridge-token", Strict: true})
	if err != nil {
		t.Fatalf("NewHTTPBridge: %v", err)
	}
	if _, err := strict.Dispatch(context.Background(), Task{TaskID: "task-1"}); err == nil {
		t.Fatal("strict mode must reject a versionless response")
	} else if !strings.Contains(err.Error(), "contract version") {
		t.Fatalf("error = %v", err)
	}

	legacy, err := NewHTTPBridge(BridgeConfig{AdapterID: "ot2-bridge", BaseURL: server.URL, Token: "bridge-token"})
	if err != nil {
		t.Fatalf("NewHTTPBridge: %v", err)
	}
	if _, err := legacy.Dispatch(context.Background(), Task{TaskID: "task-1"}); err != nil {
		t.Fatalf("legacy mode must accept a versionless response: %v", err)
	}
}

func TestHTTPBridgeRejectsConflictingContract(t *testing.T) {
	server := bridgeServer(t, "execution-task/v9")
	defer server.Close()

	bridge, err := NewHTTPBridge(BridgeConfig{AdapterID: "ot2-bridge", BaseURL: server.URL, Token: "bridge-token"})
	if err != nil {
		t.Fatalf("NewHTTPBridge: %v", err)
	}
	if _, err := bridge.Dispatch(context.Background(), Task{TaskID: "task-1"}); err == nil {
		t.Fatal("conflicting contract version must be rejected even in legacy mode")
	}
}

func TestHTTPBridgeConfigValidation(t *testing.T) {
	if _, err := NewHTTPBridge(BridgeConfig{AdapterID: "x"}); err == nil {
		t.Fatal("missing base url must be rejected")
	}
	if _, err := NewHTTPBridge(BridgeConfig{BaseURL: "http://localhost:1"}); err == nil {
		t.Fatal("missing adapter id must be rejected")
	}
}
