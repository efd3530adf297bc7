package descriptor

import "fmt"

// Library is the set of services known to one client or server.
type Library struct {
	services []*Service
	byID     map[uint32]*Service
	byName   map[string]*Service
}

func NewLibrary(services ...*Service) (*Library, error) {
	lib := &Library{
		byID:   make(map[uint32]*Service, len(services)),
		byName: make(map[string]*Service, len(services)),
	}
	for _, s := range services {
		if _, ok := lib.byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: service %s (0x%08x)", ErrDuplicateID, s.Name, s.ID)
		}
		lib.services = append(lib.services, s)
		lib.byID[s.ID] = s
		lib.byName[s.Name] = s
	}
	return lib, nil
}

func (l *Library) Services() []*Service {
	return l.services
}

func (l *Library) Service(id uint32) (*Service, bool) {
	s, ok := l.byID[id]
	return s, ok
}

// Lookup resolves a method by wire ids.
func (l *Library) Lookup(serviceID, methodID uint32) (*Method, error) {
	s, ok := l.byID[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownService, serviceID)
	}
	m, ok := s.MethodByID(methodID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/0x%08x", ErrUnknownMethod, s.Name, methodID)
	}
	return m, nil
}

// Method resolves a method by names.
func (l *Library) Method(service, method string) (*Method, error) {
	s, ok := l.byName[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	m, ok := s.MethodByName(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, service, method)
	}
	return m, nil
}
