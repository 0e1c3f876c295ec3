package service

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
)

const agentUUID = "5f0c6f0e-3a43-4b8e-9d0f-4c1d7b0d7a11"

type memStore struct {
	mu      sync.Mutex
	agents  map[int64]domain.Agent
	devices map[int64]domain.Device
	events  []domain.DeviceEvent
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{
		agents:  map[int64]domain.Agent{1: {ID: 1, UserID: 7, UUID: agentUUID, Name: "garage"}},
		devices: map[int64]domain.Device{},
		nextID:  100,
	}
}

// inTx snapshots the devices and events and restores them when fn fails.
func (m *memStore) inTx(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	devices := maps.Clone(m.devices)
	evs := append([]domain.DeviceEvent(nil), m.events...)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.devices, m.events = devices, evs
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) AgentForUser(_ context.Context, agentID, userID int64) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (m *memStore) AgentByUUID(_ context.Context, uuid string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.UUID == uuid {
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) ListDevicesForUser(_ context.Context, userID int64) ([]domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) DeviceForUser(_ context.Context, deviceID, userID int64) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m *memStore) InsertDevice(_ context.Context, d *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.devices {
		if other.AgentID == d.AgentID && other.DeviceNumber == d.DeviceNumber {
			return repository.ErrConflict
		}
	}
	m.nextID++
	d.ID = m.nextID
	d.LastUpdate = time.Now()
	m.devices[d.ID] = *d
	return nil
}

func (m *memStore) UpdateDevice(_ context.Context, d *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; !ok {
		return repository.ErrNotFound
	}
	m.devices[d.ID] = *d
	return nil
}

func (m *memStore) SetManualState(_ context.Context, deviceID, userID int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UserID != userID {
		return repository.ErrNotFound
	}
	d.IsOn = on
	d.ManualState.Bool, d.ManualState.Valid = on, true
	m.devices[deviceID] = d
	return nil
}

func (m *memStore) SetDeviceIsOn(_ context.Context, deviceID, agentID int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.AgentID != agentID {
		return repository.ErrNotFound
	}
	d.IsOn = on
	m.devices[deviceID] = d
	return nil
}

func (m *memStore) DeleteDevice(_ context.Context, deviceID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UserID != userID {
		return repository.ErrNotFound
	}
	delete(m.devices, deviceID)
	return nil
}

func (m *memStore) InsertDeviceEvent(_ context.Context, ev *domain.DeviceEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.DeviceID == ev.DeviceID && e.Timestamp.Equal(ev.Timestamp) && e.PinState == ev.PinState {
			return false, nil
		}
	}
	m.nextID++
	ev.ID = m.nextID
	m.events = append(m.events, *ev)
	return true, nil
}

func (m *memStore) ListDeviceEvents(_ context.Context, deviceID int64, _ int) ([]domain.DeviceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeviceEvent
	for _, e := range m.events {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) device(id int64) (domain.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok
}

type command struct {
	agentUUID string
	deviceID  int64
	envelope  events.Envelope
	timeout   time.Duration
}

// fakeCommander answers every command with ack/err and records what it got.
type fakeCommander struct {
	ack  events.Ack
	err  error
	sent []command
}

func (f *fakeCommander) SendDeviceCommand(_ context.Context, agentUUID string, deviceID int64, msg events.Message, timeout time.Duration) (events.Ack, error) {
	env, err := events.Build(msg)
	if err != nil {
		return events.Ack{}, err
	}
	f.sent = append(f.sent, command{agentUUID: agentUUID, deviceID: deviceID, envelope: env, timeout: timeout})
	return f.ack, f.err
}

func (c command) payload() map[string]any {
	var out map[string]any
	_ = json.Unmarshal(c.envelope.Payload, &out)
	return out
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
