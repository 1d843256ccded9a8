package server

import (
	"testing"

	"google.golang.org/grpc"

	healthhandler "timepulse/backend/internal/health/handler"
	identityhandler "timepulse/backend/internal/identity/handler"
	timerhandler "timepulse/backend/internal/timer/handler"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices_WithHealth(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	RegisterServices(mockReg, Deps{Health: healthhandler.NewServer(nil, nil, nil)})

	want := []string{timerhandler.ServiceName, identityhandler.ServiceName, "grpc.health.v1.Health"}
	if len(mockReg.services) != len(want) {
		t.Fatalf("registered %v, want %v", mockReg.services, want)
	}
	for i := range want {
		if mockReg.services[i] != want[i] {
			t.Errorf("services[%d] = %q, want %q", i, mockReg.services[i], want[i])
		}
	}
}

func TestRegisterServices_HealthNotRegisteredWhenNil(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	RegisterServices(mockReg, Deps{})

	want := []string{timerhandler.ServiceName, identityhandler.ServiceName}
	if len(mockReg.services) != len(want) || mockReg.services[0] != want[0] || mockReg.services[1] != want[1] {
		t.Errorf("registered %v, want %v", mockReg.services, want)
	}
}

func TestNewGRPCServer_RegistersServices(t *testing.T) {
	s := NewGRPCServer(Deps{Health: healthhandler.NewServer(nil, nil, nil)})
	defer s.Stop()

	info := s.GetServiceInfo()
	if _, ok := info[timerhandler.ServiceName]; !ok {
		t.Errorf("TimerService not registered: %v", info)
	}
	if _, ok := info[identityhandler.ServiceName]; !ok {
		t.Errorf("AuthService not registered: %v", info)
	}
	if _, ok := info["grpc.health.v1.Health"]; !ok {
		t.Errorf("health service not registered: %v", info)
	}
}

func TestPublicMethods_OnlyLoginAndRefreshOfAuthService(t *testing.T) {
	for _, m := range []string{identityhandler.MethodLogin, identityhandler.MethodRefresh} {
		if !publicMethods[m] {
			t.Errorf("%s should not require a bearer token", m)
		}
	}
	for _, m := range []string{identityhandler.MethodLogout, identityhandler.MethodTerminateUser} {
		if publicMethods[m] {
			t.Errorf("%s must require a bearer token", m)
		}
	}
}
