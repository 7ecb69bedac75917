package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// Emitter delivers a prepared alert. The hub implements it so emission is
// ordered with socket events; Broadcaster implements it directly.
type Emitter interface {
	Emit(a *types.Alert) (*Delivery, error)
}

// Resources are the helplines attached to every crisis alert.
type Resources struct {
	CrisisHotline string `json:"crisis_hotline"`
	Emergency     string `json:"emergency"`
	CrisisText    string `json:"crisis_text"`
}

// CrisisResources is the default helpline set.
var CrisisResources = Resources{CrisisHotline: "988", Emergency: "911", CrisisText: "741741"}

// CrisisInput is raised by screening, chat or forum analysis.
type CrisisInput struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName,omitempty"`
	Message  string          `json:"message,omitempty"`
	Source   types.Source    `json:"source,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ModerationInput describes a flagged forum post.
type ModerationInput struct {
	PostID       string          `json:"postId"`
	AuthorID     string          `json:"authorId,omitempty"`
	Title        string          `json:"title"`
	ContentFlags map[string]bool `json:"contentFlags,omitempty"`
}

// SelfHarm reports whether the post was flagged for self-harm.
func (m ModerationInput) SelfHarm() bool { return m.ContentFlags["selfHarm"] }

// AppointmentInput describes a newly scheduled appointment.
type AppointmentInput struct {
	AppointmentID string    `json:"appointmentId"`
	StudentID     string    `json:"studentId"`
	CounsellorID  string    `json:"counsellorId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

// AnnouncementInput is a system-wide announcement.
type AnnouncementInput struct {
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Severity    types.Severity `json:"severity,omitempty"`
	TargetRoles []types.Role   `json:"targetRoles,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
}

type crisisPayload struct {
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	UserID         string          `json:"userId"`
	UserName       string          `json:"userName"`
	RequiresAction bool            `json:"requiresAction"`
	Resources      Resources       `json:"resources"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type moderationPayload struct {
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	PostID       string          `json:"postId"`
	AuthorID     string          `json:"authorId,omitempty"`
	ContentFlags map[string]bool `json:"contentFlags,omitempty"`
}

type appointmentPayload struct {
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	AppointmentID string    `json:"appointmentId"`
	StudentID     string    `json:"studentId"`
	CounsellorID  string    `json:"counsellorId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

type announcementPayload struct {
	Title       string       `json:"title"`
	Message     string       `json:"message"`
	TargetRoles []types.Role `json:"targetRoles"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
}

// Notifier is the in-process API trusted subsystems use to raise alerts.
// Each alert is written to the audit store first when one is configured.
type Notifier struct {
	emitter  Emitter
	recorder interfaces.AlertRecorder
	now      func() time.Time
	log      zerolog.Logger
}

// NewNotifier creates a notifier. recorder may be nil.
func NewNotifier(emitter Emitter, recorder interfaces.AlertRecorder, logger zerolog.Logger) *Notifier {
	return &Notifier{
		emitter:  emitter,
		recorder: recorder,
		now:      time.Now,
		log:      logger.With().Str("component", "notifier").Logger(),
	}
}

// EmitCrisisAlert notifies on-duty crisis staff about a student at risk.
func (n *Notifier) EmitCrisisAlert(ctx context.Context, in CrisisInput) (*Delivery, error) {
	if in.Source == "" {
		in.Source = types.SourceScreening
	}
	message := in.Message
	if message == "" {
		message = "A student may be in crisis and needs immediate support"
	}
	name := in.UserName
	if name == "" {
		name = "Anonymous User"
	}
	return n.emit(ctx, &types.Alert{
		Type:      types.AlertCrisis,
		Severity:  types.SeverityCritical,
		Source:    in.Source,
		SubjectID: in.UserID,
	}, crisisPayload{
		Title:          "Crisis Alert - Immediate Attention Required",
		Message:        message,
		UserID:         in.UserID,
		UserName:       name,
		RequiresAction: true,
		Resources:      CrisisResources,
		Data:           in.Data,
	})
}

// EmitModerationAlert notifies moderators of a flagged post. Self-harm
// flags also reach the crisis room.
func (n *Notifier) EmitModerationAlert(ctx context.Context, in ModerationInput) (*Delivery, error) {
	if in.PostID == "" {
		return nil, ErrMissingSubject
	}
	severity := types.SeverityInfo
	if in.SelfHarm() {
		severity = types.SeverityHigh
	}
	return n.emit(ctx, &types.Alert{
		Type:      types.AlertModeration,
		Severity:  severity,
		Source:    types.SourceForum,
		SubjectID: in.PostID,
		SelfHarm:  in.SelfHarm(),
	}, moderationPayload{
		Title:        "Content Needs Moderation",
		Message:      "Forum post flagged: " + truncate(in.Title, 50),
		PostID:       in.PostID,
		AuthorID:     in.AuthorID,
		ContentFlags: in.ContentFlags,
	})
}

// EmitAppointmentNotification tells both parties about a booking.
func (n *Notifier) EmitAppointmentNotification(ctx context.Context, in AppointmentInput) (*Delivery, error) {
	if !types.IsValidIdentity(in.StudentID) || !types.IsValidIdentity(in.CounsellorID) {
		return nil, ErrMissingRecipients
	}
	return n.emit(ctx, &types.Alert{
		Type:       types.AlertAppointment,
		Severity:   types.SeverityInfo,
		Source:     types.SourceAppointment,
		SubjectID:  in.AppointmentID,
		Recipients: []string{in.StudentID, in.CounsellorID},
	}, appointmentPayload{
		Title:         "New Appointment Scheduled",
		Message:       "Appointment scheduled for " + in.ScheduledAt.Format(time.RFC1123),
		AppointmentID: in.AppointmentID,
		StudentID:     in.StudentID,
		CounsellorID:  in.CounsellorID,
		ScheduledAt:   in.ScheduledAt,
	})
}

// EmitSystemAnnouncement broadcasts to the target roles, students and
// counsellors by default.
func (n *Notifier) EmitSystemAnnouncement(ctx context.Context, in AnnouncementInput) (*Delivery, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, ErrMissingTitle
	}
	roles := in.TargetRoles
	if len(roles) == 0 {
		roles = []types.Role{types.RoleStudent, types.RoleCounsellor}
	}
	return n.emit(ctx, &types.Alert{
		Type:        types.AlertSystemAnnouncement,
		Severity:    in.Severity,
		Source:      types.SourceSystem,
		TargetRoles: roles,
	}, announcementPayload{
		Title:       in.Title,
		Message:     in.Message,
		TargetRoles: roles,
		ExpiresAt:   in.ExpiresAt,
	})
}

// emit writes the alert to the audit store and then delivers it. An audit
// failure is returned but does not stop delivery.
func (n *Notifier) emit(ctx context.Context, a *types.Alert, payload any) (*Delivery, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode alert payload: %w", err)
	}
	a.Payload = raw
	if err := Prepare(a, n.now); err != nil {
		return nil, err
	}

	var auditErr error
	if n.recorder != nil {
		if err := n.recorder.RecordAlert(ctx, a); err != nil {
			n.log.Error().Err(err).Str("alert_id", a.ID).Str("type", string(a.Type)).Msg("failed to audit alert")
			auditErr = fmt.Errorf("%w: %v", ErrAuditFailed, err)
		}
	}

	delivery, err := n.emitter.Emit(a)
	if err != nil {
		return nil, err
	}
	return delivery, auditErr
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
