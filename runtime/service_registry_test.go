package runtime

import (
	"errors"
	"testing"

	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
)

type mockService struct {
	status  error
	stopped bool
}
type secondMockService struct {
	status error
}

func (_ *mockService) Start() {
}

func (m *mockService) Stop() error {
	m.stopped = true
	return nil
}

func (m *mockService) Status() error {
	return m.status
}

func (_ *secondMockService) Start() {
}

func (_ *secondMockService) Stop() error {
	return nil
}

func (s *secondMockService) Status() error {
	return s.status
}

func TestRegisterService_Twice(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m), "Failed to register first service")

	// Checks if first service was indeed registered.
	require.Equal(t, 1, len(registry.names))
	assert.ErrorContains(t, "service already exists", registry.RegisterService(m))
}

func TestRegisterService_Different(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(m), "Failed to register first service")
	require.NoError(t, registry.RegisterService(s), "Failed to register second service")

	require.Equal(t, 2, len(registry.names))
	assert.Equal(t, "runtime.mockService", registry.names[0])
	assert.Equal(t, "runtime.secondMockService", registry.names[1])

	_, exists := registry.services["runtime.mockService"]
	assert.Equal(t, true, exists, "first service not registered")
	_, exists = registry.services["runtime.secondMockService"]
	assert.Equal(t, true, exists, "second service not registered")
}

func TestStopAll_StopsRegisteredServices(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))

	registry.StopAll()
	assert.Equal(t, true, m.stopped)
}

func TestServiceStatus_OK(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m), "Failed to register first service")
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(s), "Failed to register second service")

	m.status = errors.New("something bad has happened")
	s.status = errors.New("woah, horsee")

	statuses := registry.Statuses()
	assert.Equal(t, m.status, statuses["runtime.mockService"])
	assert.Equal(t, s.status, statuses["runtime.secondMockService"])
}
