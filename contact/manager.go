package contact

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/onionchat/limits"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrContactExists indicates the hostname is already a contact.
	ErrContactExists = errors.New("contact already exists")

	// ErrContactNotFound indicates the hostname is not a contact.
	ErrContactNotFound = errors.New("contact not found")

	// ErrSelfContact indicates an attempt to add the local identity.
	ErrSelfContact = errors.New("cannot add yourself as a contact")

	// ErrEmptyHostname indicates a missing hostname.
	ErrEmptyHostname = errors.New("empty hostname")
)

// Manager is the contact list of one local identity, keyed by normalized
// hostname.
type Manager struct {
	localHostname string

	mu              sync.RWMutex
	contacts        map[string]*Contact
	addedHandlers   []func(*Contact)
	removedHandlers []func(*Contact)
}

// NewManager creates an empty contact list for the identity localHostname.
func NewManager(localHostname string) *Manager {
	logrus.WithFields(logrus.Fields{
		"function":       "contact.NewManager",
		"local_hostname": transport.NormalizeHostname(localHostname),
	}).Info("Creating contact manager")

	return &Manager{
		localHostname: transport.NormalizeHostname(localHostname),
		contacts:      make(map[string]*Contact),
	}
}

// LocalHostname returns the normalized hostname of the local identity.
func (m *Manager) LocalHostname() string { return m.localHostname }

// IsSelf reports whether hostname is the local identity.
func (m *Manager) IsSelf(hostname string) bool {
	return transport.NormalizeHostname(hostname) == m.localHostname
}

// Add creates a contact.
func (m *Manager) Add(hostname, nickname string) (*Contact, error) {
	key := transport.NormalizeHostname(hostname)
	if key == "" {
		return nil, ErrEmptyHostname
	}
	if key == m.localHostname {
		return nil, ErrSelfContact
	}
	if err := limits.ValidateNickname(nickname); err != nil {
		return nil, fmt.Errorf("nickname: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.contacts[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrContactExists, key)
	}
	c := newContact(key, m.localHostname, nickname)
	m.contacts[key] = c
	handlers := append([]func(*Contact){}, m.addedHandlers...)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "contact.Manager.Add",
		"hostname": key,
		"nickname": nickname,
	}).Info("Added contact")

	for _, fn := range handlers {
		fn(c)
	}
	return c, nil
}

// Remove deletes a contact and closes its connection.
func (m *Manager) Remove(hostname string) error {
	key := transport.NormalizeHostname(hostname)

	m.mu.Lock()
	c, exists := m.contacts[key]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContactNotFound, key)
	}
	delete(m.contacts, key)
	handlers := append([]func(*Contact){}, m.removedHandlers...)
	m.mu.Unlock()

	c.Disconnect()
	logrus.WithFields(logrus.Fields{
		"function": "contact.Manager.Remove",
		"hostname": key,
	}).Info("Removed contact")

	for _, fn := range handlers {
		fn(c)
	}
	return nil
}

// Lookup returns the contact for hostname, or nil.
func (m *Manager) Lookup(hostname string) *Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contacts[transport.NormalizeHostname(hostname)]
}

// IsKnown reports whether hostname is a contact.
func (m *Manager) IsKnown(hostname string) bool {
	return m.Lookup(hostname) != nil
}

// All returns every contact ordered by hostname.
func (m *Manager) All() []*Contact {
	m.mu.RLock()
	out := make([]*Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].hostname < out[j].hostname })
	return out
}

// OnContactAdded registers a callback for new contacts.
func (m *Manager) OnContactAdded(fn func(*Contact)) {
	m.mu.Lock()
	m.addedHandlers = append(m.addedHandlers, fn)
	m.mu.Unlock()
}

// OnContactRemoved registers a callback for removed contacts.
func (m *Manager) OnContactRemoved(fn func(*Contact)) {
	m.mu.Lock()
	m.removedHandlers = append(m.removedHandlers, fn)
	m.mu.Unlock()
}
