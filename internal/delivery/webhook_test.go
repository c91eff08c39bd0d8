package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hara602/usbSentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookClientPost(t *testing.T) {
	var got map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := model.NewActivityEvent(model.UsbBlocked, model.High, "USB device blocked: Cruzer",
		map[string]string{"DeviceID": `USB\VID_0781&PID_5567`, "Blocked": "true"})
	err := NewWebhookClient(srv.URL, time.Second).Post(context.Background(), model.NewPayload(ev, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "UsbBlocked", got["type"])
	assert.Equal(t, "High", got["severity"])
	assert.Equal(t, ev.Timestamp.Format("2006-01-02 15:04:05"), got["timestamp"])
	assert.Equal(t, "true", got["details"].(map[string]any)["Blocked"])
	assert.NotContains(t, got, "deviceInfo")
}

func TestWebhookClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookClient(srv.URL, time.Second).Post(context.Background(), model.Payload{})
	assert.ErrorIs(t, err, ErrHTTPStatus)
}

func TestWebhookClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhookClient(url, time.Second).Post(context.Background(), model.Payload{})
	assert.Error(t, err)
}
