package realm

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

// mirrorToAudit turns every bus event into an audit row. It runs on the
// dispatcher goroutine and must stay cheap: Enqueue never blocks.
func (r *Realm) mirrorToAudit(e event.Event) {
	row := storage.AuditEvent{
		EventType: string(e.Type),
		Timestamp: e.Time,
		ActorID:   e.UserID,
		ActorType: actorFor(e),
		TargetID:  e.UserID,
		Result:    resultFor(e.Type),
		Metadata:  metadataFor(e),
	}
	if e.Type == event.TokenReplayDetected {
		r.reportReplay(e)
	}
	r.audit.Enqueue(row)
}

func actorFor(e event.Event) storage.ActorType {
	if e.UserID == uuid.Nil {
		return storage.ActorAnonymous
	}
	switch e.Type {
	case event.AccountLocked, event.AccountUnlocked, event.SessionRevokedEvt,
		event.SessionAnomaly, event.TokenReplayDetected:
		// Raised by engines, not by the user acting.
		return storage.ActorSystem
	default:
		return storage.ActorUser
	}
}

func resultFor(t event.Type) storage.AuditResult {
	switch t {
	case event.LoginFailed, event.MFAVerifyFailed, event.TokenReplayDetected:
		return storage.ResultFailure
	default:
		return storage.ResultSuccess
	}
}

// metadataFor flattens the typed event payload into the sanitizer's input
// shape. Only operationally useful fields cross over; secrets never do.
func metadataFor(e event.Event) map[string]any {
	md := map[string]any{}
	switch d := e.Data.(type) {
	case event.LoginData:
		md["identifier"] = d.Identifier
		if d.Device.IP != "" {
			md["ip"] = d.Device.IP
			md["userAgent"] = d.Device.UserAgent
		}
		if d.Reason != "" {
			md["reason"] = d.Reason
		}
	case event.TokenIssuedData:
		md["tokenFamily"] = d.TokenFamily.String()
		if d.Device.IP != "" {
			md["ip"] = d.Device.IP
		}
	case event.TokenRefreshedData:
		md["tokenFamily"] = d.TokenFamily.String()
	case event.TokenRevokedData:
		md["tokenFamily"] = d.TokenFamily.String()
		md["reason"] = d.Reason
	case event.TokenReplayData:
		md["tokenFamily"] = d.TokenFamily.String()
		md["originalTokenId"] = d.OriginalTokenID.String()
	case event.AccountLockData:
		md["reason"] = d.Reason
		if d.LockedUntil != nil {
			md["lockedUntil"] = d.LockedUntil.UTC().Format(time.RFC3339)
		}
	case event.UserData:
		md["email"] = d.Email
	case event.MFAData:
		md["methodId"] = d.MethodID.String()
		md["methodType"] = d.MethodType
		if d.Reason != "" {
			md["reason"] = d.Reason
		}
	case event.SessionAnomalyData:
		md["sessionId"] = d.SessionID.String()
		md["kind"] = d.Kind
		if d.DistanceKm > 0 {
			md["distanceKm"] = d.DistanceKm
		}
	case event.SessionRevokedData:
		md["sessionId"] = d.SessionID.String()
		md["reason"] = d.Reason
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// reportReplay raises replay detections to sentry when a hub is configured.
// Replay is the one signal that means an attacker holds a stolen token.
func (r *Realm) reportReplay(e event.Event) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	d, ok := e.Data.(event.TokenReplayData)
	if !ok {
		return
	}
	sentry.CaptureMessage(fmt.Sprintf("refresh token replay detected: realm=%s family=%s", r.name, d.TokenFamily))
}
