// Package alerts fans staff notifications out to the rooms that should see
// them. Delivery is best effort: an alert nobody is connected to receive
// is not queued.
package alerts

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carebridge/internal/rooms"
	"carebridge/pkg/types"
)

// Route is one event name sent to the members of a set of rooms.
type Route struct {
	Event    string
	Rooms    []string
	Severity types.Severity
}

// Delivery summarizes one emission.
type Delivery struct {
	AlertID   string   `json:"alertId"`
	Targets   []string `json:"targets"`
	Delivered int      `json:"delivered"`
}

var criticalRooms = []string{types.RoomCrisisAlerts, types.RoomAdmins}

// Routes resolves an alert to its routes. Routes with the same event name
// are merged so each connection gets each event once.
func Routes(a *types.Alert) ([]Route, error) {
	var routes []Route
	switch a.Type {
	case types.AlertCrisis:
		routes = append(routes, Route{Event: a.Type.Event(), Rooms: criticalRooms})
	case types.AlertModeration:
		routes = append(routes, Route{Event: a.Type.Event(), Rooms: []string{types.RoomModerators, types.RoomAdmins}})
		if a.SelfHarm {
			routes = append(routes, Route{
				Event:    types.AlertCrisis.Event(),
				Rooms:    []string{types.RoomCrisisAlerts},
				Severity: types.SeverityCritical,
			})
		}
	case types.AlertAppointment:
		if len(a.Recipients) == 0 {
			return nil, ErrMissingRecipients
		}
		personal := make([]string, 0, len(a.Recipients))
		for _, identity := range a.Recipients {
			personal = append(personal, types.PersonalRoom(identity))
		}
		routes = append(routes, Route{Event: a.Type.Event(), Rooms: personal})
	case types.AlertSystemAnnouncement:
		targets := make([]string, 0, len(a.TargetRoles))
		for _, role := range a.TargetRoles {
			if role == types.RoleStudent {
				targets = append(targets, types.RoomBroadcastAll)
				continue
			}
			if role == types.RoleAnonymous {
				continue
			}
			targets = append(targets, types.RoleRoom(role))
		}
		routes = append(routes, Route{Event: a.Type.Event(), Rooms: targets})
	default:
		return nil, ErrUnknownAlertType
	}

	if a.Severity == types.SeverityCritical {
		routes[0].Rooms = append(append([]string(nil), routes[0].Rooms...), criticalRooms...)
	}
	return mergeRoutes(routes), nil
}

func mergeRoutes(routes []Route) []Route {
	var out []Route
	index := make(map[string]int)
	for _, r := range routes {
		i, ok := index[r.Event]
		if !ok {
			index[r.Event] = len(out)
			out = append(out, Route{Event: r.Event, Rooms: uniqueSorted(r.Rooms), Severity: r.Severity})
			continue
		}
		out[i].Rooms = uniqueSorted(append(out[i].Rooms, r.Rooms...))
		if r.Severity != "" {
			out[i].Severity = r.Severity
		}
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Broadcaster publishes alerts to the currently connected members of the
// target rooms.
type Broadcaster struct {
	rooms *rooms.Manager
	now   func() time.Time
	log   zerolog.Logger
}

// NewBroadcaster creates a broadcaster over the room manager.
func NewBroadcaster(roomManager *rooms.Manager, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms: roomManager,
		now:   time.Now,
		log:   logger.With().Str("component", "alerts").Logger(),
	}
}

// Emit routes and delivers an alert. Missing ids and timestamps are filled
// in. It never retries.
func (b *Broadcaster) Emit(a *types.Alert) (*Delivery, error) {
	if err := Prepare(a, b.now); err != nil {
		return nil, err
	}
	routes, err := Routes(a)
	if err != nil {
		return nil, err
	}

	var targets []string
	for _, r := range routes {
		targets = append(targets, r.Rooms...)
	}
	a.Targets = uniqueSorted(targets)

	delivered := 0
	for _, r := range routes {
		payload := *a
		if r.Severity != "" {
			payload.Severity = r.Severity
		}
		env := types.NewEnvelope(r.Event, &payload)
		for _, conn := range b.rooms.Recipients(r.Rooms) {
			if err := conn.Send(env); err != nil {
				b.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("alert_id", a.ID).Msg("alert send failed")
				continue
			}
			delivered++
		}
	}

	evt := b.log.Info()
	if delivered == 0 {
		evt = b.log.Warn()
	}
	evt.Str("alert_id", a.ID).
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Strs("targets", a.Targets).
		Int("delivered", delivered).
		Msg("alert emitted")

	return &Delivery{AlertID: a.ID, Targets: a.Targets, Delivered: delivered}, nil
}

var defaultSource = map[types.AlertType]types.Source{
	types.AlertCrisis:             types.SourceScreening,
	types.AlertModeration:         types.SourceForum,
	types.AlertAppointment:        types.SourceAppointment,
	types.AlertSystemAnnouncement: types.SourceSystem,
}

// Prepare validates an alert and fills in its id, severity, source and
// timestamp.
func Prepare(a *types.Alert, now func() time.Time) error {
	switch a.Type {
	case types.AlertCrisis, types.AlertModeration, types.AlertAppointment, types.AlertSystemAnnouncement:
	default:
		return ErrUnknownAlertType
	}
	switch a.Severity {
	case "":
		a.Severity = types.SeverityInfo
	case types.SeverityInfo, types.SeverityHigh, types.SeverityCritical:
	default:
		return ErrUnknownSeverity
	}
	switch a.Source {
	case "":
		a.Source = defaultSource[a.Type]
	case types.SourceScreening, types.SourceChat, types.SourceForum, types.SourceAppointment, types.SourceSystem:
	default:
		return ErrUnknownSource
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now()
	}
	return nil
}
