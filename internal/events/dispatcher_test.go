package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
)

type sent struct {
	subject    string
	ackSubject string
	body       []byte
	match      bus.Correlation
	timeout    time.Duration
}

type fakeTransport struct {
	calls []sent
	reply bus.Reply
	err   error
}

func (f *fakeTransport) Publish(_ context.Context, subject string, payload any) (*jetstream.PubAck, error) {
	b, _ := json.Marshal(payload)
	f.calls = append(f.calls, sent{subject: subject, body: b})
	if f.err != nil {
		return nil, f.err
	}
	return &jetstream.PubAck{Stream: bus.StreamName, Sequence: uint64(len(f.calls))}, nil
}

func (f *fakeTransport) PublishAndWaitForAck(_ context.Context, subject, ackSubject string, message any, match bus.Correlation, timeout time.Duration) (bus.Reply, error) {
	b, _ := json.Marshal(message)
	f.calls = append(f.calls, sent{subject: subject, ackSubject: ackSubject, body: b, match: match, timeout: timeout})
	return f.reply, f.err
}

func TestDispatcherRejectsInvalidBeforeTransport(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	d := NewDispatcher(tr, zerolog.Nop())

	_, err := d.Publish(context.Background(), "subj", Of(DeviceCreatedEvent, nil))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = d.PublishAndWaitForAck(context.Background(), "subj", "subj.ack", Message{}, bus.Correlation{}, time.Second)
	require.ErrorIs(t, err, ErrInvalidEvent)

	assert.Empty(t, tr.calls)
}

func TestSendDeviceCommand(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{reply: bus.Reply{Subject: "x", Data: []byte(`{"device_id":5,"ok":true}`)}}
	d := NewDispatcher(tr, zerolog.Nop())

	ack, err := d.SendDeviceCommand(context.Background(), "agent-1", 5,
		Of(DeviceCommandEvent, DeviceCommand{DeviceID: 5, Command: CommandSetState, IsOn: true}), 4*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Ack{DeviceID: 5, OK: true}, ack)

	require.Len(t, tr.calls, 1)
	call := tr.calls[0]
	assert.Equal(t, "device_communication.raspberry.agent-1.events", call.subject)
	assert.Equal(t, "device_communication.raspberry.agent-1.events.ack", call.ackSubject)
	assert.Equal(t, bus.CorrelateBy("device_id", int64(5)), call.match)
	assert.Equal(t, 4*time.Second, call.timeout)
	assert.JSONEq(t, `{"event_type":"DEVICE_COMMAND","payload":{"device_id":5,"command":"SET_STATE","is_on":true}}`, string(call.body))
}

func TestSendDeviceCommandPassesTimeoutThrough(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{err: bus.ErrAckTimeout}
	d := NewDispatcher(tr, zerolog.Nop())

	_, err := d.SendDeviceCommand(context.Background(), "a", 1, Of(DeviceDeletedEvent, DeviceDeleted{DeviceID: 1}), time.Second)
	require.ErrorIs(t, err, bus.ErrAckTimeout)
}

func TestPublishReading(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	d := NewDispatcher(tr, zerolog.Nop())
	power := 7.2
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, d.PublishReading(context.Background(), InverterReading{
		InverterID: 3, SerialNumber: "SN3", ActivePower: &power, Status: StatusUpdated, Timestamp: ts,
	}))

	require.Len(t, tr.calls, 1)
	assert.Equal(t, "device_communication.inverter.SN3.production.update", tr.calls[0].subject)
	assert.JSONEq(t, `{"event_type":"POWER_READING","payload":{"inverter_id":3,"serial_number":"SN3","active_power":7.2,"status":"updated","timestamp":"2025-06-01T12:00:00Z","error_message":null}}`,
		string(tr.calls[0].body))
}

func TestPublishReadingReturnsTransportError(t *testing.T) {
	t.Parallel()

	errDown := errors.New("down")
	d := NewDispatcher(&fakeTransport{err: errDown}, zerolog.Nop())

	err := d.PublishReading(context.Background(), InverterReading{SerialNumber: "S", Status: StatusFailed})
	require.ErrorIs(t, err, errDown)
}
