package eventstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nuha.dev/livesync/internal/livestate"
	"nuha.dev/livesync/internal/stream"
)

var mockTourists = []livestate.Tourist{
	{ID: "tourist1", Name: "John Doe", Location: []float64{40.7589, -73.9851}},
	{ID: "tourist2", Name: "Jane Smith", Location: []float64{40.7614, -73.9776}},
	{ID: "tourist3", Name: "Mike Johnson", Location: []float64{40.7505, -73.9934}},
}

var mockStatuses = []struct {
	score  int
	status string
}{
	{92, "safe"},
	{74, "caution"},
	{45, "danger"},
	{81, "safe"},
}

// Mock produces a deterministic rotation of envelopes: the authority
// channel alternates alerts and tourist updates, every subscribed tourist
// channel gets a safety update and every third round an alert.
type Mock struct {
	srv *Server
	seq int
	now func() time.Time
}

func NewMock(srv *Server) *Mock {
	return &Mock{srv: srv, now: time.Now}
}

func (m *Mock) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := m.Tick(); err != nil {
				m.srv.logger.Err(err).Msg("mock tick")
			}
		}
	}
}

func (m *Mock) Tick() error {
	m.seq++
	now := m.now().UTC()
	ts := now.Format(time.RFC3339)
	tr := mockTourists[m.seq%len(mockTourists)]

	var kind string
	var payload interface{}
	if m.seq%2 == 1 {
		kind = stream.TypeNewAlert
		payload = livestate.Alert{
			ID:          livestate.ID(fmt.Sprint(m.seq)),
			Type:        "panic",
			Title:       "Emergency Alert",
			Message:     fmt.Sprintf("%s triggered an emergency alert", tr.Name),
			Severity:    "danger",
			TouristName: tr.Name,
			Location:    fmt.Sprintf("%.4f, %.4f", tr.Location[0], tr.Location[1]),
			Timestamp:   ts,
		}
	} else {
		st := mockStatuses[m.seq%len(mockStatuses)]
		tr.SafetyScore = st.score
		tr.Status = st.status
		tr.LastSeen = ts
		kind = stream.TypeTouristUpdate
		payload = tr
	}
	if err := m.send(AuthorityChannel, kind, payload, now); err != nil {
		return err
	}

	for _, ch := range m.srv.Channels() {
		if !strings.HasPrefix(ch, TouristChannel("")) {
			continue
		}
		st := mockStatuses[m.seq%len(mockStatuses)]
		if err := m.send(ch, stream.TypeSafetyUpdate, livestate.Safety{Score: st.score, Status: st.status, LastUpdated: ts}, now); err != nil {
			return err
		}
		if m.seq%3 == 0 {
			alert := livestate.Alert{
				ID:        livestate.ID(fmt.Sprintf("%s-%d", strings.TrimPrefix(ch, TouristChannel("")), m.seq)),
				Type:      "geofence",
				Title:     "Restricted area nearby",
				Message:   "You are approaching a restricted area",
				Severity:  "warning",
				Timestamp: ts,
			}
			if err := m.send(ch, stream.TypeNewAlert, alert, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mock) send(ch, kind string, payload interface{}, now time.Time) error {
	data, err := stream.EncodeEnvelope(kind, payload, now)
	if err != nil {
		return err
	}
	m.srv.Publish(ch, data)
	return nil
}
