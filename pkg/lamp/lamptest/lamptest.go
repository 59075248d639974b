// Package lamptest provides an in-process fake of the lamp external API for
// tests.
package lamptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Status is the telemetry the fake returns for a device.
type Status struct {
	SolarPanelPower float64
	LEDPower        float64
	Timestamp       int64
	BatteryPercent  float64
}

// Server is a fake lamp API. Configure it before issuing requests; the
// counters are safe to read concurrently.
type Server struct {
	*httptest.Server

	Username string
	Password string
	Token    string

	mu sync.Mutex
	// Devices lists serials in the order the device list returns them.
	Devices []string
	// Statuses holds the telemetry returned per serial. A serial without a
	// status answers success:false.
	Statuses map[string]Status
	// FailStatus makes the next N status calls for a serial fail.
	FailStatus map[string]int
	// FailList makes the next N device list calls fail.
	FailList int
	// FailAuth makes the next N token calls fail.
	FailAuth int
	// FailHeartbeat makes every heartbeat for a serial answer success:false.
	FailHeartbeat map[string]bool

	calls map[string]int
	// Log records every call as "endpoint" or "endpoint:serial" in order.
	log []string
}

// NewServer starts a fake API with the given credentials.
func NewServer(username, password string) *Server {
	s := &Server{
		Username:      username,
		Password:      password,
		Token:         "tok-1",
		Statuses:      make(map[string]Status),
		FailStatus:    make(map[string]int),
		FailHeartbeat: make(map[string]bool),
		calls:         make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddDevice registers a device that answers with st.
func (s *Server) AddDevice(serial string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Devices = append(s.Devices, serial)
	s.Statuses[serial] = st
}

// SetFailStatus makes the next n status calls for serial fail.
func (s *Server) SetFailStatus(serial string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailStatus[serial] = n
}

// SetFailList makes the next n device list calls fail.
func (s *Server) SetFailList(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailList = n
}

// SetFailAuth makes the next n token calls fail.
func (s *Server) SetFailAuth(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailAuth = n
}

// Calls returns how many times key was called. Keys are an endpoint name, or
// "endpoint:serial" for the per device endpoints.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Log returns the per serial call log, for example
// ["deviceStatus:DEV1", "updateStatus:DEV1"].
func (s *Server) Log(serial string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.log {
		if strings.HasSuffix(l, ":"+serial) {
			out = append(out, l)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]any{"success": false, "msg": msg})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	endpoint := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	serial := r.Form.Get("serial")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[endpoint]++
	if serial != "" {
		key := endpoint + ":" + serial
		s.calls[key]++
		s.log = append(s.log, key)
	}

	if endpoint != "accessToken" && r.Form.Get("accessToken") != s.Token {
		fail(w, "invalid accessToken")
		return
	}

	switch endpoint {
	case "accessToken":
		if s.FailAuth > 0 {
			s.FailAuth--
			fail(w, "service unavailable")
			return
		}
		if r.Form.Get("username") != s.Username || r.Form.Get("password") != s.Password {
			fail(w, "wrong username or password")
			return
		}
		writeJSON(w, map[string]any{"success": true, "data": s.Token})
	case "deviceList":
		if s.FailList > 0 {
			s.FailList--
			fail(w, "list unavailable")
			return
		}
		page, _ := strconv.Atoi(r.Form.Get("pageNumber"))
		size, _ := strconv.Atoi(r.Form.Get("pageSize"))
		if page < 1 || size < 1 {
			fail(w, "bad paging")
			return
		}
		list := []map[string]any{}
		for i := (page - 1) * size; i < len(s.Devices) && i < page*size; i++ {
			list = append(list, map[string]any{"serial": s.Devices[i]})
		}
		writeJSON(w, map[string]any{
			"success": true,
			"data":    map[string]any{"list": list, "total": len(s.Devices)},
		})
	case "deviceStatus":
		if s.FailStatus[serial] > 0 {
			s.FailStatus[serial]--
			fail(w, "device offline")
			return
		}
		st, ok := s.Statuses[serial]
		if !ok {
			fail(w, "unknown device")
			return
		}
		writeJSON(w, map[string]any{
			"success": true,
			"data": map[string]any{
				"solar_panel_power": st.SolarPanelPower,
				"led_power":         st.LEDPower,
				// the real API sends the timestamp as a string
				"timestamp":       strconv.FormatInt(st.Timestamp, 10),
				"battery_percent": st.BatteryPercent,
			},
		})
	case "updateStatus":
		if s.FailHeartbeat[serial] {
			fail(w, "update refused")
			return
		}
		writeJSON(w, map[string]any{"success": true})
	default:
		http.Error(w, "not found: "+r.URL.Path, http.StatusNotFound)
	}
}
