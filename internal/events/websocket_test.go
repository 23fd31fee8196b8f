package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

func TestWebSocketHubStreamsEvents(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	bus := NewBus(10, nil)
	bus.Subscribe(hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(context.Background(), &AnomaliesDetected{
		Alerts: []*models.AnomalyAlert{{ID: "alert-1", Severity: models.SeverityHigh}},
		At:     time.Now().UTC(),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Kind    string `json:"kind"`
		Payload struct {
			Alerts []models.AnomalyAlert `json:"alerts"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "anomalies_detected", env.Kind)
	require.Len(t, env.Payload.Alerts, 1)
	assert.Equal(t, "alert-1", env.Payload.Alerts[0].ID)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHubRejectsUnknownOrigin(t *testing.T) {
	hub := NewWebSocketHub([]string{"http://localhost:3000"}, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
