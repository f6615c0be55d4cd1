package monitoring

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"

	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/livestate"
	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/location/source/framed"
	"nuha.dev/livesync/internal/stream"
	"nuha.dev/livesync/internal/util"
)

type StreamStatus interface {
	Status() stream.Status
}

type LocationStatus interface {
	Snapshot() location.Snapshot
}

type StateStatus interface {
	Snapshot() livestate.Snapshot
}

type DeviceLister interface {
	Devices() []framed.DeviceInfo
}

// Sources groups what the monitoring endpoints report on. Nil members
// answer 404.
type Sources struct {
	Stream   StreamStatus
	Location LocationStatus
	State    StateStatus
	Devices  DeviceLister
	Zones    []geo.Zone
}

type MonitoringConfig struct {
	ListenAddr string
}

type MonitoringServer struct {
	src    Sources
	router chi.Router
	server *http.Server
	log    log.Logger
}

func NewMonApi(src Sources, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{src: src}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/healthz", m.health)
	r.Get("/stream", m.stream)
	r.Get("/location", m.location)
	r.Get("/state", m.state)
	r.Get("/devices", m.devices)
	r.Get("/zones", m.zones)
	m.router = r
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Run() error {
	m.log.Info().Str("addr", m.server.Addr).Msg("monitoring listening")
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *MonitoringServer) Close() error {
	return m.server.Close()
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.router
}

func (m *MonitoringServer) health(w http.ResponseWriter, r *http.Request) {
	res := map[string]interface{}{"ok": true}
	if m.src.Stream != nil {
		res["stream"] = m.src.Stream.Status().State
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) stream(w http.ResponseWriter, r *http.Request) {
	if m.src.Stream == nil {
		http.NotFound(w, r)
		return
	}
	util.JsonWrite(w, m.src.Stream.Status())
}

func (m *MonitoringServer) location(w http.ResponseWriter, r *http.Request) {
	if m.src.Location == nil {
		http.NotFound(w, r)
		return
	}
	util.JsonWrite(w, m.src.Location.Snapshot())
}

func (m *MonitoringServer) state(w http.ResponseWriter, r *http.Request) {
	if m.src.State == nil {
		http.NotFound(w, r)
		return
	}
	util.JsonWrite(w, m.src.State.Snapshot())
}

func (m *MonitoringServer) devices(w http.ResponseWriter, r *http.Request) {
	if m.src.Devices == nil {
		http.NotFound(w, r)
		return
	}
	util.JsonWrite(w, m.src.Devices.Devices())
}

type zoneView struct {
	Name   string      `json:"name"`
	Level  string      `json:"level,omitempty"`
	Type   string      `json:"type"`
	Center []float64   `json:"center,omitempty"`
	Radius float64     `json:"radius_km,omitempty"`
	Coords [][]float64 `json:"coordinates,omitempty"`
}

func (m *MonitoringServer) zones(w http.ResponseWriter, r *http.Request) {
	res := make([]zoneView, 0, len(m.src.Zones))
	for _, z := range m.src.Zones {
		v := zoneView{Name: z.Name, Level: z.Level}
		switch f := z.Fence.(type) {
		case geo.Circle:
			v.Type = geo.ZoneCircle
			v.Center = []float64{f.Center.Latitude, f.Center.Longitude}
			v.Radius = f.RadiusKm
		case geo.Polygon:
			v.Type = geo.ZonePolygon
			for _, p := range f.Vertices {
				v.Coords = append(v.Coords, []float64{p.Latitude, p.Longitude})
			}
		}
		res = append(res, v)
	}
	util.JsonWrite(w, res)
}
