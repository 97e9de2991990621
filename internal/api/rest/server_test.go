package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/api/websocket"
	"github.com/KevinKickass/OpenDAC/internal/auth"
	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/KevinKickass/OpenDAC/internal/interfaces"
	"github.com/KevinKickass/OpenDAC/internal/storage"
	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   map[string]types.ChannelDefinition
	deleted []string
}

func (f *fakeStore) SaveChannel(_ context.Context, id uuid.UUID, def types.ChannelDefinition) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[def.Name] = def
	return id, nil
}

func (f *fakeStore) DeleteChannel(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeStore) RecentOutputEvents(_ context.Context, name string, limit int) ([]storage.OutputEvent, error) {
	return []storage.OutputEvent{{Name: name, Event: channels.EventSet, Voltage: 1.5}}, nil
}

type fakeLifecycle struct {
	cfg      *config.Config
	store    *fakeStore
	manager  *channels.Manager
	loader   *channels.DefinitionLoader
	shutdown chan struct{}
}

func (f *fakeLifecycle) Config() *config.Config            { return f.cfg }
func (f *fakeLifecycle) ChannelManager() *channels.Manager { return f.manager }
func (f *fakeLifecycle) DefinitionLoader() *channels.DefinitionLoader {
	return f.loader
}

func (f *fakeLifecycle) ChannelStore() interfaces.ChannelStore {
	if f.store == nil {
		return nil
	}
	return f.store
}

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	running, total := f.manager.RunningCount()
	return interfaces.SystemStatus{State: "RUNNING", ChannelCount: total, RunningChannels: running}
}

func (f *fakeLifecycle) Shutdown(context.Context) error {
	close(f.shutdown)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeLifecycle) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Server: config.ServerConfig{HTTPPort: 0, Mode: gin.TestMode}}
	logger := zap.NewNop()

	loader, err := channels.NewDefinitionLoader(nil)
	if err != nil {
		t.Fatal(err)
	}
	lm := &fakeLifecycle{
		cfg:      cfg,
		store:    &fakeStore{saved: map[string]types.ChannelDefinition{}},
		manager:  channels.NewManager(channels.NewDriverFactory("", nil, logger), channels.RetryPolicy{}, logger),
		loader:   loader,
		shutdown: make(chan struct{}),
	}

	authService, err := auth.NewAuthService(config.AuthConfig{Enabled: false}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(cfg, lm, logger, websocket.NewHub(logger, authService), authService), lm
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func createHeater(t *testing.T, s *Server) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/channels", map[string]interface{}{
		"name":   "heater",
		"driver": "sim",
		"options": map[string]interface{}{
			"vref":                 4.096,
			"state_shutdown":       "value",
			"state_shutdown_value": 0,
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	if w := do(t, s, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestChannelLifecycle(t *testing.T) {
	s, lm := newTestServer(t)
	createHeater(t, s)

	if _, ok := lm.store.saved["heater"]; !ok {
		t.Error("created channel not persisted")
	}

	var list struct {
		Count    int                 `json:"count"`
		Channels []types.ChannelInfo `json:"channels"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/v1/channels", nil), &list)
	if list.Count != 1 || !list.Channels[0].Status.Setup {
		t.Fatalf("list = %+v", list)
	}

	w := do(t, s, http.MethodPost, "/api/v1/channels/heater/state", map[string]interface{}{"state": "on", "voltage": 2.048})
	if w.Code != http.StatusOK {
		t.Fatalf("set state: %d %s", w.Code, w.Body.String())
	}
	var info types.ChannelInfo
	decode(t, w, &info)
	if info.Status.LastCode != 32768 || !info.Status.On {
		t.Errorf("after on(2.048): %+v", info.Status)
	}

	var state struct {
		On   bool   `json:"on"`
		Code uint16 `json:"code"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/v1/channels/"+info.ID.String()+"/state", nil), &state)
	if !state.On || state.Code != 32768 {
		t.Errorf("state by id = %+v", state)
	}

	w = do(t, s, http.MethodPost, "/api/v1/channels/heater/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", w.Code, w.Body.String())
	}
	decode(t, w, &info)
	if info.Status.LastCode != 0 || info.Status.Setup {
		t.Errorf("after stop: %+v", info.Status)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/channels/heater/stop", nil); w.Code != http.StatusConflict {
		t.Errorf("second stop: status %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/channels/heater/state", map[string]interface{}{"state": "off"}); w.Code != http.StatusConflict {
		t.Errorf("set after stop: status %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/channels/heater/initialize", nil); w.Code != http.StatusOK {
		t.Errorf("initialize: status %d", w.Code)
	}

	if w := do(t, s, http.MethodDelete, "/api/v1/channels/heater", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	if len(lm.store.deleted) != 1 || lm.store.deleted[0] != "heater" {
		t.Errorf("deleted = %v", lm.store.deleted)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/channels/heater", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", w.Code)
	}
}

func TestSetStateRejects(t *testing.T) {
	s, _ := newTestServer(t)
	createHeater(t, s)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"negative voltage", map[string]interface{}{"state": "on", "voltage": -1}, http.StatusBadRequest},
		{"missing voltage", map[string]interface{}{"state": "on"}, http.StatusBadRequest},
		{"unknown state", map[string]interface{}{"state": "dim"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, s, http.MethodPost, "/api/v1/channels/heater/state", tt.body); w.Code != tt.want {
				t.Errorf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if w := do(t, s, http.MethodPost, "/api/v1/channels/nope/state", map[string]interface{}{"state": "off"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown channel: status %d", w.Code)
	}
}

func TestCreateChannelRejects(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{"schema", map[string]interface{}{"name": "x", "driver": "spi"}, "CHANNEL_SCHEMA"},
		{"unsupported gain", map[string]interface{}{"name": "x", "driver": "sim", "options": map[string]interface{}{"gain": 3}}, "CHANNEL_CONFIG"},
		{"zero vref", map[string]interface{}{"name": "x", "driver": "sim", "options": map[string]interface{}{"vref": 0}}, "CHANNEL_CONFIG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/v1/channels", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", w.Code, w.Body.String())
			}
			var resp types.ErrorResponse
			decode(t, w, &resp)
			if resp.Error.Code != tt.code {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.code)
			}
		})
	}

	createHeater(t, s)
	w := do(t, s, http.MethodPost, "/api/v1/channels", map[string]interface{}{"name": "heater", "driver": "sim"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: status %d", w.Code)
	}
}

func TestSystemEndpoints(t *testing.T) {
	s, lm := newTestServer(t)
	createHeater(t, s)

	var status interfaces.SystemStatus
	decode(t, do(t, s, http.MethodGet, "/api/v1/system/status", nil), &status)
	if status.ChannelCount != 1 || status.RunningChannels != 1 {
		t.Errorf("status = %+v", status)
	}

	var events struct {
		Count int `json:"count"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/v1/channels/heater/events?limit=5", nil), &events)
	if events.Count != 1 {
		t.Errorf("events count = %d", events.Count)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/system/shutdown", nil); w.Code != http.StatusAccepted {
		t.Fatalf("shutdown: status %d", w.Code)
	}
	select {
	case <-lm.shutdown:
	case <-time.After(2 * time.Second):
		t.Error("shutdown not triggered")
	}
}
