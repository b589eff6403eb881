// Package runtime provides the service lifecycle plumbing shared by the
// blob proxy's long-running components.
package runtime

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Service is a long-running component with a managed lifecycle. Start must
// not block; Stop blocks until the service's goroutines have terminated.
type Service interface {
	Start()
	// Stop terminates all goroutines belonging to the service,
	// blocking until they are all terminated.
	Stop() error
	// Status returns an error if the service is not considered healthy.
	Status() error
}

// ServiceRegistry holds the registered services of one process in start
// order. Services are started in registration order and stopped in reverse.
type ServiceRegistry struct {
	names    []string
	services map[string]Service
}

// NewServiceRegistry starts a registry instance for convenience.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]Service),
	}
}

// serviceName derives a stable name from the service's concrete type,
// e.g. "queue.Service".
func serviceName(service Service) string {
	return strings.TrimPrefix(reflect.TypeOf(service).String(), "*")
}

// RegisterService appends a service to the registry. Registering two
// services of the same concrete type is an error.
func (s *ServiceRegistry) RegisterService(service Service) error {
	name := serviceName(service)
	if _, exists := s.services[name]; exists {
		return errors.Errorf("service already exists: %s", name)
	}
	s.services[name] = service
	s.names = append(s.names, name)
	return nil
}

// StartAll starts each service in order of registration.
func (s *ServiceRegistry) StartAll() {
	log.Debugf("Starting %d services: %v", len(s.names), s.names)
	for _, name := range s.names {
		log.WithField("service", name).Debug("Starting service")
		go s.services[name].Start()
	}
}

// StopAll ends every service in reverse order of registration, logging an
// error if any of them fail to stop.
func (s *ServiceRegistry) StopAll() {
	for i := len(s.names) - 1; i >= 0; i-- {
		name := s.names[i]
		if err := s.services[name].Stop(); err != nil {
			log.WithError(err).Errorf("Could not stop service %s", name)
		}
	}
}

// Statuses returns the result of Status for every registered service, keyed
// by service name.
func (s *ServiceRegistry) Statuses() map[string]error {
	m := make(map[string]error, len(s.names))
	for _, name := range s.names {
		m[name] = s.services[name].Status()
	}
	return m
}
