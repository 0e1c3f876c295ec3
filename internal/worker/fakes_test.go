package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/fusionsolar"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore orders "latest" by timestamp then id, like the SQL store.
type memStore struct {
	mu     sync.Mutex
	rows   []domain.PowerReading
	nextID int64
}

func (m *memStore) LatestPowerReading(_ context.Context, inverterID int64) (*domain.PowerReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *domain.PowerReading
	for i := range m.rows {
		r := m.rows[i]
		if r.InverterID != inverterID {
			continue
		}
		if latest == nil || r.Timestamp.After(latest.Timestamp) || (r.Timestamp.Equal(latest.Timestamp) && r.ID > latest.ID) {
			latest = &r
		}
	}
	return latest, nil
}

func (m *memStore) InsertPowerReading(_ context.Context, inverterID int64, value decimal.NullDecimal, ts time.Time) (*domain.PowerReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	r := domain.PowerReading{ID: m.nextID, InverterID: inverterID, ActivePower: value, Timestamp: ts}
	m.rows = append(m.rows, r)
	return &r, nil
}

// series renders rows as value@minutes-since-base.
func (m *memStore) series(inverterID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, r := range m.rows {
		if r.InverterID != inverterID {
			continue
		}
		v := "null"
		if r.ActivePower.Valid {
			v = r.ActivePower.Decimal.StringFixed(2)
		}
		out = append(out, fmt.Sprintf("%s@%d", v, int(r.Timestamp.Sub(base)/time.Minute)))
	}
	return out
}

type failingStore struct{ memStore }

func (f *failingStore) LatestPowerReading(context.Context, int64) (*domain.PowerReading, error) {
	return nil, errors.New("db gone")
}

// step is one scripted upstream answer.
type step struct {
	power *float64
	err   error
	empty bool
	panic bool
}

func value(v float64) step { return step{power: &v} }

type scriptedAdapter struct {
	mu    sync.Mutex
	steps map[string][]step
}

func (a *scriptedAdapter) GetProduction(_ context.Context, serial string) ([]fusionsolar.ProductionItem, error) {
	a.mu.Lock()
	s := a.steps[serial][0]
	a.steps[serial] = a.steps[serial][1:]
	a.mu.Unlock()

	switch {
	case s.panic:
		panic("adapter exploded")
	case s.err != nil:
		return nil, s.err
	case s.empty:
		return []fusionsolar.ProductionItem{{}}, nil
	}

	item := fusionsolar.ProductionItem{}
	item.DataItemMap.ActivePower = s.power
	return []fusionsolar.ProductionItem{item}, nil
}

type staticUsers []domain.User

func (u staticUsers) UsersWithInverters(context.Context) ([]domain.User, error) { return u, nil }

type adapterSource struct {
	adapter fusionsolar.Adapter
	failFor map[int64]bool
}

func (s adapterSource) Get(u domain.User) (fusionsolar.Adapter, error) {
	if s.failFor[u.ID] {
		return nil, errors.New("cannot decrypt credentials")
	}
	return s.adapter, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []events.InverterReading
}

func (p *recordingPublisher) PublishReading(_ context.Context, r events.InverterReading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, r)
	return nil
}

func (p *recordingPublisher) statuses() []events.InverterStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]events.InverterStatus, 0, len(p.sent))
	for _, r := range p.sent {
		out = append(out, r.Status)
	}
	return out
}

type recordingNotifier struct {
	down, up []string
}

func (n *recordingNotifier) InverterUnavailable(_ context.Context, inv domain.Inverter, reason string) error {
	n.down = append(n.down, inv.SerialNumber+": "+reason)
	return nil
}

func (n *recordingNotifier) InverterRecovered(_ context.Context, inv domain.Inverter, power decimal.Decimal) error {
	n.up = append(n.up, inv.SerialNumber+": "+power.StringFixed(2))
	return nil
}
