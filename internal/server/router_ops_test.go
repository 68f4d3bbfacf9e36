package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/naturenet/naturenet-node/internal/propagation"
	"github.com/naturenet/naturenet-node/internal/users"
)

type stubMaintenance struct {
	sweeps  int
	repairs int
	err     error
}

func (s *stubMaintenance) SweepInactive(context.Context) (propagation.SweepReport, error) {
	s.sweeps++
	return propagation.SweepReport{Scanned: 3, Deactivated: 1}, s.err
}

func (s *stubMaintenance) Repair(context.Context) (propagation.RepairReport, error) {
	s.repairs++
	return propagation.RepairReport{BacklinksRepaired: 2}, s.err
}

type stubAccounts struct {
	known map[string]users.Account
}

func (s *stubAccounts) Provision(_ context.Context, request users.ProvisionRequest) (users.Account, bool, error) {
	if account, ok := s.known[request.UserID]; ok {
		return account, false, nil
	}
	account := users.Account{UserID: request.UserID, Email: request.Email, Provider: "password", CreatedAt: time.Now()}
	s.known[request.UserID] = account
	return account, true, nil
}

type stubDispatcher struct {
	running bool
}

func (s stubDispatcher) IsRunning() bool { return s.running }
func (s stubDispatcher) Pending() int64  { return 4 }

func newOpsRouter(t *testing.T, maintenance *stubMaintenance, dispatcher DispatcherStatus) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:      stubTokenValidator{subject: "ops@nature-net.org"},
		Maintenance: maintenance,
		Accounts:    &stubAccounts{known: map[string]users.Account{}},
		Dispatcher:  dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target, body string, authorized bool) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		request.Header.Set("Authorization", "Bearer operator-token")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}}); !errors.Is(err, errMissingMaintenance) {
		t.Fatalf("expected missing maintenance error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}, Maintenance: &stubMaintenance{}}); !errors.Is(err, errMissingAccounts) {
		t.Fatalf("expected missing accounts error, got %v", err)
	}
}

func TestHealthReportsDispatcherState(t *testing.T) {
	running := serve(newOpsRouter(t, &stubMaintenance{}, stubDispatcher{running: true}), http.MethodGet, "/healthz", "", false)
	if running.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", running.Code)
	}
	var payload healthResponsePayload
	if err := json.Unmarshal(running.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid health payload: %v", err)
	}
	if !payload.DispatcherRunning || payload.PendingDeliveries != 4 {
		t.Fatalf("unexpected health payload %+v", payload)
	}

	starting := serve(newOpsRouter(t, &stubMaintenance{}, stubDispatcher{}), http.MethodGet, "/healthz", "", false)
	if starting.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the dispatcher is down, got %d", starting.Code)
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	recorder := serve(newOpsRouter(t, &stubMaintenance{}, nil), http.MethodGet, "/metrics", "", false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition output")
	}
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	maintenance := &stubMaintenance{}
	router := newOpsRouter(t, maintenance, nil)

	if recorder := serve(router, http.MethodPost, "/ops/sweeps/inactive", "", false); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if maintenance.sweeps != 0 {
		t.Fatalf("sweep must not run without a token")
	}

	sweep := serve(router, http.MethodPost, "/ops/sweeps/inactive", "", true)
	if sweep.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", sweep.Code)
	}
	var report propagation.SweepReport
	if err := json.Unmarshal(sweep.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid sweep payload: %v", err)
	}
	if report.Scanned != 3 || report.Deactivated != 1 {
		t.Fatalf("unexpected sweep report %+v", report)
	}

	repair := serve(router, http.MethodPost, "/ops/repair", "", true)
	if repair.Code != http.StatusOK || !strings.Contains(repair.Body.String(), `"backlinks_repaired":2`) {
		t.Fatalf("unexpected repair response %d %s", repair.Code, repair.Body.String())
	}
}

func TestSweepFailureReturnsServerError(t *testing.T) {
	router := newOpsRouter(t, &stubMaintenance{err: errors.New("store offline")}, nil)
	if recorder := serve(router, http.MethodPost, "/ops/sweeps/inactive", "", true); recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestProvisionAccount(t *testing.T) {
	router := newOpsRouter(t, &stubMaintenance{}, nil)
	body := `{"user_id":"u1","email":"ada@example.org"}`

	first := serve(router, http.MethodPost, "/ops/accounts", body, true)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a new account, got %d", first.Code)
	}
	var payload provisionResponsePayload
	if err := json.Unmarshal(first.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid provision payload: %v", err)
	}
	if !payload.Created || payload.UserID != "u1" {
		t.Fatalf("unexpected provision payload %+v", payload)
	}

	if again := serve(router, http.MethodPost, "/ops/accounts", body, true); again.Code != http.StatusOK {
		t.Fatalf("expected 200 for a known account, got %d", again.Code)
	}
	if invalid := serve(router, http.MethodPost, "/ops/accounts", `{"user_id":"u2","email":"not-an-address"}`, true); invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid address, got %d", invalid.Code)
	}
}
