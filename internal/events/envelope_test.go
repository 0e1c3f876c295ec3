package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Message
		want    string
		wantErr bool
	}{
		{
			name: "type and payload",
			msg:  Of(DeviceDeletedEvent, DeviceDeleted{DeviceID: 4}),
			want: `{"event_type":"DEVICE_DELETED","payload":{"device_id":4}}`,
		},
		{
			name: "prebuilt envelope",
			msg:  FromEnvelope(Envelope{EventType: DeviceCommandEvent, Payload: json.RawMessage(`{"device_id":1,"command":"SET_STATE","is_on":true}`)}),
			want: `{"event_type":"DEVICE_COMMAND","payload":{"device_id":1,"command":"SET_STATE","is_on":true}}`,
		},
		{
			name: "decoded map",
			msg:  FromMap(map[string]any{"event_type": "DEVICE_DELETED", "payload": map[string]any{"device_id": 9}}),
			want: `{"event_type":"DEVICE_DELETED","payload":{"device_id":9}}`,
		},
		{
			name: "raw payload",
			msg:  Of(DeviceOnEvent, json.RawMessage(`{"device_id":2}`)),
			want: `{"event_type":"DEVICE_ON","payload":{"device_id":2}}`,
		},
		{name: "zero message", msg: Message{}, wantErr: true},
		{name: "missing payload", msg: Of(DeviceCreatedEvent, nil), wantErr: true},
		{name: "missing type", msg: Of("", DeviceDeleted{DeviceID: 1}), wantErr: true},
		{name: "scalar payload", msg: Of(DeviceDeletedEvent, 42), wantErr: true},
		{name: "envelope without type", msg: FromEnvelope(Envelope{Payload: json.RawMessage(`{}`)}), wantErr: true},
		{name: "envelope without payload", msg: FromEnvelope(Envelope{EventType: DeviceCreatedEvent}), wantErr: true},
		{name: "map without payload", msg: FromMap(map[string]any{"event_type": "DEVICE_DELETED"}), wantErr: true},
		{name: "unencodable payload", msg: Of(DeviceCreatedEvent, map[string]any{"c": make(chan int)}), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env, err := Build(tc.msg)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidEvent)
				return
			}
			require.NoError(t, err)

			b, err := json.Marshal(env)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(b))
		})
	}
}

func TestAckMissingOKIsRejection(t *testing.T) {
	t.Parallel()

	var ack Ack
	require.NoError(t, json.Unmarshal([]byte(`{"device_id":3}`), &ack))
	assert.False(t, ack.OK)
	assert.Equal(t, int64(3), ack.DeviceID)
}

func TestInverterReadingFailedShape(t *testing.T) {
	t.Parallel()

	msg := "Huawei API rate limit exceeded"
	b, err := json.Marshal(InverterReading{InverterID: 1, SerialNumber: "S1", Status: StatusFailed, ErrorMessage: &msg})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Nil(t, got["active_power"])
	assert.Contains(t, got, "active_power")
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, msg, got["error_message"])
}
