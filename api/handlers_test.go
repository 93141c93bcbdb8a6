package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"mobileproxy/adb"
	"mobileproxy/adb/adbtest"
	"mobileproxy/config"
	"mobileproxy/models"
	"mobileproxy/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSerial = "R5CR20ABCDE"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testServer struct {
	bridge *adbtest.FakeBridge
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := config.OpenDatabase(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bridge := adbtest.NewFakeBridge(models.DeviceInfo{Serial: testSerial, Model: "SM-A525F", AndroidVersion: "13"})
	registry := service.NewRegistry(db)
	hub := NewWebSocketHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	dm := service.NewDeviceManager(bridge, registry, hub)
	controller := service.NewController(bridge, registry, hub, 4)
	sequencer := service.NewRotationSequencer(bridge, time.Millisecond)
	dispatcher := service.NewJobDispatcher(context.Background(), controller, sequencer, hub, 1, 10)
	t.Cleanup(dispatcher.Close)
	prober := service.NewProber(time.Second, nil)

	router := gin.New()
	SetupRoutes(router, NewHandler(dm, controller, dispatcher, prober), hub)

	_, err = dm.ScanDevices(context.Background())
	require.NoError(t, err)

	return &testServer{bridge: bridge, router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (s *testServer) createConnection(t *testing.T, localPort, remotePort int) models.Connection {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/connections", gin.H{
		"serial": testSerial, "local_port": localPort, "remote_port": remotePort,
	})
	require.Equal(t, http.StatusCreated, code, env.Error)

	var conn models.Connection
	require.NoError(t, json.Unmarshal(env.Data, &conn))
	return conn
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestGetDevicesAfterScan(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, code)

	var devices []models.Device
	require.NoError(t, json.Unmarshal(env.Data, &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, testSerial, devices[0].Serial)
	assert.Equal(t, models.DeviceConnected, devices[0].Status)
}

func TestCreateConnectionPortConflict(t *testing.T) {
	s := newTestServer(t)
	s.createConnection(t, 9090, 8080)

	code, env := s.do(t, http.MethodPost, "/api/connections", gin.H{
		"serial": testSerial, "local_port": 9090, "remote_port": 8081,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "port_conflict", env.Code)
}

func TestCreateConnectionValidation(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/connections", gin.H{"serial": testSerial})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := s.do(t, http.MethodPost, "/api/connections", gin.H{
		"serial": testSerial, "local_port": 70000, "remote_port": 8080,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_port", env.Code)

	code, _ = s.do(t, http.MethodPost, "/api/connections", gin.H{
		"serial": "missing", "local_port": 9091, "remote_port": 8080,
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartAndStopConnection(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)
	path := "/api/connections/" + itoa(conn.ID)

	code, env := s.do(t, http.MethodPost, path+"/start", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var started models.Connection
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, models.ConnectionActive, started.Status)
	assert.True(t, adb.HasForward(s.bridge.Forwards(), 9090))

	code, env = s.do(t, http.MethodPost, path+"/stop", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var stopped models.Connection
	require.NoError(t, json.Unmarshal(env.Data, &stopped))
	assert.Equal(t, models.ConnectionStopped, stopped.Status)
	assert.False(t, adb.HasForward(s.bridge.Forwards(), 9090))
}

func TestStartConnectionBridgeFailure(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)
	s.bridge.SetFailCreate(9090, true)

	code, env := s.do(t, http.MethodPost, "/api/connections/"+itoa(conn.ID)+"/start", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "operation_failed", env.Code)

	s.bridge.SetUnavailable(true)
	code, env = s.do(t, http.MethodPost, "/api/connections/"+itoa(conn.ID)+"/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "bridge_unavailable", env.Code)
}

func TestConnectionIDValidation(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/connections/abc/start", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := s.do(t, http.MethodPost, "/api/connections/42/start", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Code)
}

func TestStartAllPartialFailure(t *testing.T) {
	s := newTestServer(t)
	s.createConnection(t, 9090, 8080)
	s.createConnection(t, 9091, 8080)
	s.bridge.SetFailCreate(9091, true)

	code, env := s.do(t, http.MethodPost, "/api/connections/start-all", nil)
	assert.Equal(t, http.StatusMultiStatus, code)

	var result models.BulkResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestDeleteConnection(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)
	path := "/api/connections/" + itoa(conn.ID)

	code, _ := s.do(t, http.MethodPost, path+"/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, s.bridge.Forwards())

	code, env := s.do(t, http.MethodGet, "/api/connections", nil)
	require.Equal(t, http.StatusOK, code)
	var conns []models.Connection
	require.NoError(t, json.Unmarshal(env.Data, &conns))
	assert.Empty(t, conns)
}

func TestCheckIP(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)
	s.bridge.SetIP(testSerial, "100.64.0.7")

	code, env := s.do(t, http.MethodPost, "/api/connections/"+itoa(conn.ID)+"/check-ip", nil)
	require.Equal(t, http.StatusOK, code)

	var got struct {
		IP    string `json:"ip"`
		Found bool   `json:"found"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.True(t, got.Found)
	assert.Equal(t, "100.64.0.7", got.IP)
}

func TestRotateDeviceCreatesJob(t *testing.T) {
	s := newTestServer(t)
	s.createConnection(t, 9090, 8080)
	s.bridge.SetIP(testSerial, "100.64.0.9")

	code, env := s.do(t, http.MethodPost, "/api/devices/"+testSerial+"/rotate", nil)
	require.Equal(t, http.StatusAccepted, code, env.Error)

	var job models.Job
	require.NoError(t, json.Unmarshal(env.Data, &job))
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		code, env := s.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
		if code != http.StatusOK {
			return false
		}
		var current models.Job
		if err := json.Unmarshal(env.Data, &current); err != nil {
			return false
		}
		return current.Status == models.JobDone
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, s.bridge.AirplaneMode(testSerial))
}

func TestRotateUnknownDevice(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodPost, "/api/devices/unknown/rotate", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeleteDeviceRemovesConnections(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)
	code, _ := s.do(t, http.MethodPost, "/api/connections/"+itoa(conn.ID)+"/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodDelete, "/api/devices/"+testSerial, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, s.bridge.Forwards())

	code, _ = s.do(t, http.MethodGet, "/api/connections/"+itoa(conn.ID)+"/probe", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetDeviceDetails(t *testing.T) {
	s := newTestServer(t)
	s.createConnection(t, 9090, 8080)
	s.bridge.SetIP(testSerial, "100.64.0.5")

	code, env := s.do(t, http.MethodGet, "/api/devices/"+testSerial, nil)
	require.Equal(t, http.StatusOK, code, env.Error)

	var details models.DeviceDetails
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, testSerial, details.Device.Serial)
	require.Len(t, details.Connections, 1)
	assert.Equal(t, 9090, details.Connections[0].LocalPort)
	assert.True(t, details.IPFound)
	assert.Equal(t, "100.64.0.5", details.IP)

	code, _ = s.do(t, http.MethodGet, "/api/devices/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetConnection(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)

	code, env := s.do(t, http.MethodGet, "/api/connections/"+itoa(conn.ID), nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var got models.Connection
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, models.ConnectionStopped, got.Status)

	code, _ = s.do(t, http.MethodGet, "/api/connections/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSystemStatus(t *testing.T) {
	s := newTestServer(t)
	conn := s.createConnection(t, 9090, 8080)
	s.createConnection(t, 9091, 8080)
	code, _ := s.do(t, http.MethodPost, "/api/connections/"+itoa(conn.ID)+"/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, code)

	var status models.SystemStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, models.SystemStatus{
		BridgeAvailable:    true,
		Devices:            1,
		ConnectedDevices:   1,
		Connections:        2,
		ActiveConnections:  1,
		StoppedConnections: 1,
	}, status)
}
