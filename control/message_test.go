package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommands(t *testing.T) {
	m, err := Decode([]byte(`{"type":"CACHE_URLS","data":{"urls":["/a","/b"]}}`))
	require.NoError(t, err)
	assert.Equal(t, CacheURLs, m.Type)

	var d CacheURLsData
	require.NoError(t, m.Bind(&d))
	assert.Equal(t, []string{"/a", "/b"}, d.URLs)

	m, err = Decode([]byte(`{"type":"SKIP_WAITING"}`))
	require.NoError(t, err)
	assert.Equal(t, SkipWaiting, m.Type)
	assert.NoError(t, m.Bind(&d), "missing data binds nothing")

	_, err = Decode([]byte(`{"type":"CLEAR_CACHE","data":null}`))
	assert.NoError(t, err)
}

func TestDecodeRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"unknown":      `{"type":"REBOOT"}`,
		"notification": `{"type":"UPDATE_AVAILABLE"}`,
		"missing type": `{"data":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrUnknownType)
		})
	}

	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownType)
}

func TestNewMessage(t *testing.T) {
	m, err := New(StateChange, StateChangeData{Version: "v2", State: "activated"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"v2","state":"activated"}`, string(m.Data))

	m, err = New(SkipWaiting, nil)
	require.NoError(t, err)
	assert.Empty(t, m.Data)

	_, err = New(Navigate, make(chan int))
	assert.Error(t, err)
}

func TestBindTypeMismatch(t *testing.T) {
	m := Message{Type: CacheURLs, Data: []byte(`{"urls":"/a"}`)}
	var d CacheURLsData
	assert.Error(t, m.Bind(&d))
}
