package ws

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
)

func TestDecodeFrame(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	evt, err := DecodeFrame("s-1", []byte(`{"id":"e-1","kind":" Generic_Message ","seq":7,"payload":{"item":"EUR="}}`), now)
	require.NoError(t, err)
	require.Equal(t, "e-1", evt.ID)
	require.Equal(t, schema.EventKindGeneric, evt.Kind)
	require.Equal(t, "s-1", evt.SessionID)
	require.Equal(t, uint64(7), evt.Seq)
	require.JSONEq(t, `{"item":"EUR="}`, string(evt.Payload))
	require.Equal(t, now.UTC(), evt.ReceivedAt)
}

func TestDecodeFrameAssignsMissingID(t *testing.T) {
	first, err := DecodeFrame("s-1", []byte(`{"kind":"channel_event","channel":"READY"}`), time.Now())
	require.NoError(t, err)
	second, err := DecodeFrame("s-1", []byte(`{"kind":"channel_event","channel":"ready"}`), time.Now())
	require.NoError(t, err)

	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
	require.True(t, first.IsChannel(schema.ChannelReady))
}

func TestDecodeFrameRejectsInvalidInput(t *testing.T) {
	cases := map[string]string{
		"malformed":       `{"kind":`,
		"missing kind":    `{"id":"e-1"}`,
		"channel no type": `{"kind":"channel_event"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame("s-1", []byte(raw), time.Now())
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalid), "unexpected error: %v", err)
		})
	}
}

func TestDecodeFramePassesUnknownKinds(t *testing.T) {
	evt, err := DecodeFrame("s-1", []byte(`{"kind":"heartbeat"}`), time.Now())
	require.NoError(t, err)
	require.Equal(t, schema.EventKind("heartbeat"), evt.Kind)
}

func TestEncodeFrame(t *testing.T) {
	raw := []byte(`{"kind":"login_message"}`)
	data, err := EncodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, raw, data)

	data, err = EncodeFrame(json.RawMessage(raw))
	require.NoError(t, err)
	require.Equal(t, raw, data)

	data, err = EncodeFrame(Frame{Kind: schema.EventKindLogin, Payload: json.RawMessage(`{"state":"ok"}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"login_message","payload":{"state":"ok"}}`, string(data))

	_, err = EncodeFrame(nil)
	require.Error(t, err)

	_, err = EncodeFrame(make(chan int))
	require.Error(t, err)
}
