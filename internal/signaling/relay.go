// Package signaling relays WebRTC call signaling between two users. It never
// touches media: payloads are checked for shape and forwarded verbatim.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/Tyrowin/nexus-relay/internal/fanout"
	"github.com/Tyrowin/nexus-relay/internal/protocol"
	"github.com/Tyrowin/nexus-relay/internal/push"
	"github.com/Tyrowin/nexus-relay/internal/registry"
)

// ErrInvalidPayload is returned for signaling payloads that do not parse.
var ErrInvalidPayload = errors.New("invalid signaling payload")

// Reason sent to the callee when the caller's connection goes away.
const ReasonCallerDisconnected = "caller_disconnected"

// Call statuses broadcast to a chat room.
const (
	StatusEnded    = "ended"
	StatusRejected = "rejected"
)

// Signal is one signaling message from From to To.
type Signal struct {
	// Kind is the inbound frame type (init_call, call_offer, ...).
	Kind      string
	SessionID string
	From      protocol.ID
	To        protocol.ID
	ChatID    protocol.ID
	CallType  string
	Reason    string
	Payload   json.RawMessage
}

// Result reports how a signal was delivered.
type Result struct {
	Delivered int
}

// Offline reports whether no connection of the callee received the signal.
func (r Result) Offline() bool { return r.Delivered == 0 }

// Relay forwards signals to every live connection of the callee. It keeps
// no session state beyond the registry's record of which connection opened
// which call. Used on the event loop only.
type Relay struct {
	reg    *registry.Registry
	fan    *fanout.Engine
	push   push.Notifier
	logger *slog.Logger
}

// NewRelay creates a relay. notifier may be nil.
func NewRelay(reg *registry.Registry, fan *fanout.Engine, notifier push.Notifier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{reg: reg, fan: fan, push: notifier, logger: logger}
}

// Relay forwards sig from the caller's connection and applies the call
// lifecycle rules:
//   - init_call to an offline user answers user_offline and sends one push;
//     delivered, it answers call_initiated and remembers the session on from.
//   - other kinds to an offline user are dropped.
//   - call_ended and call_reject forget the session and, with a chat id,
//     emit call_status to that room.
func (r *Relay) Relay(ctx context.Context, from *registry.Conn, sig Signal) (Result, error) {
	res, err := r.Forward(sig)
	if err != nil {
		return res, err
	}

	switch sig.Kind {
	case protocol.TypeInitCall:
		if res.Offline() {
			r.fan.Send(from, protocol.NewEvent(protocol.TypeUserOffline, protocol.UserOffline{SessionID: sig.SessionID, To: sig.To}))
			r.notifyOffline(ctx, sig)
			return res, nil
		}
		r.reg.TrackCall(from, sig.SessionID, sig.To)
		r.fan.Send(from, protocol.NewEvent(protocol.TypeCallInitiated, protocol.CallInitiated{
			SessionID: sig.SessionID,
			To:        sig.To,
			Delivered: res.Delivered,
		}))
	case protocol.TypeCallEnded, protocol.TypeCallReject:
		r.reg.UntrackCall(sig.From, sig.SessionID)
		r.reg.UntrackCall(sig.To, sig.SessionID)
		if !sig.ChatID.IsZero() {
			status := StatusEnded
			if sig.Kind == protocol.TypeCallReject {
				status = StatusRejected
			}
			r.fan.Emit(sig.ChatID, protocol.NewEvent(protocol.TypeCallStatus, protocol.CallStatus{
				SessionID: sig.SessionID,
				ChatID:    sig.ChatID,
				Status:    status,
				From:      sig.From,
			}), nil)
		}
		if res.Offline() {
			r.logger.Debug("call peer offline", "session", sig.SessionID, "type", sig.Kind, "to", sig.To)
		}
	default:
		if res.Offline() {
			r.logger.Info("dropping signal for offline user", "session", sig.SessionID, "type", sig.Kind, "to", sig.To)
		}
	}
	return res, nil
}

func (r *Relay) notifyOffline(ctx context.Context, sig Signal) {
	if r.push == nil {
		return
	}
	data := map[string]any{
		"type":       protocol.TypeIncomingCall,
		"session_id": sig.SessionID,
		"from":       sig.From,
	}
	if sig.CallType != "" {
		data["call_type"] = sig.CallType
	}
	if err := r.push.Notify(ctx, sig.To, "Incoming call", data); err != nil {
		r.logger.Warn("push for offline callee failed", "session", sig.SessionID, "to", sig.To, "error", err)
	}
}

// outboundType maps an inbound signaling type to the type the callee sees.
func outboundType(kind string) (string, bool) {
	switch kind {
	case protocol.TypeInitCall:
		return protocol.TypeIncomingCall, true
	case protocol.TypeCallOffer, protocol.TypeCallAnswer, protocol.TypeCallCandidate, protocol.TypeCallEnded:
		return kind, true
	case protocol.TypeCallReject:
		return protocol.TypeCallRejected, true
	default:
		return "", false
	}
}

// Forward validates sig and delivers it to the callee's connections.
func (r *Relay) Forward(sig Signal) (Result, error) {
	outType, ok := outboundType(sig.Kind)
	if !ok {
		return Result{}, fmt.Errorf("not a signaling type: %q", sig.Kind)
	}
	if err := Validate(sig.Kind, sig.Payload); err != nil {
		return Result{}, err
	}

	ev := protocol.NewEvent(outType, protocol.CallSignal{
		SessionID: sig.SessionID,
		From:      sig.From,
		To:        sig.To,
		ChatID:    sig.ChatID,
		CallType:  sig.CallType,
		Reason:    sig.Reason,
		Payload:   sig.Payload,
	})
	res := Result{Delivered: r.fan.EmitToUser(sig.To, ev)}
	r.logger.Debug("signal relayed", "session", sig.SessionID, "type", sig.Kind, "from", sig.From, "to", sig.To, "delivered", res.Delivered)
	return res, nil
}

// Abandon ends every call the removed connection initiated, telling each
// callee the caller disconnected. It returns the number of calls ended.
func (r *Relay) Abandon(rem registry.Removal) int {
	if rem.UserID.IsZero() {
		return 0
	}
	for session, peer := range rem.Calls {
		_, err := r.Forward(Signal{
			Kind:      protocol.TypeCallEnded,
			SessionID: session,
			From:      rem.UserID,
			To:        peer,
			Reason:    ReasonCallerDisconnected,
		})
		if err != nil {
			r.logger.Warn("failed to end abandoned call", "session", session, "error", err)
		}
	}
	return len(rem.Calls)
}

// Validate checks the payload shape for a signaling type. Offers and answers
// must carry a parseable SDP, candidates an ICE candidate object. Payloads of
// other types are optional but must be JSON objects when present.
func Validate(kind string, payload json.RawMessage) error {
	switch kind {
	case protocol.TypeCallOffer:
		return validateDescription(payload, webrtc.SDPTypeOffer)
	case protocol.TypeCallAnswer:
		return validateDescription(payload, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer)
	case protocol.TypeCallCandidate:
		return validateCandidate(payload)
	default:
		if !present(payload) {
			return nil
		}
		if trimmed := bytes.TrimSpace(payload); trimmed[0] != '{' || !json.Valid(trimmed) {
			return fmt.Errorf("%w: payload must be an object", ErrInvalidPayload)
		}
		return nil
	}
}

func present(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func validateDescription(payload json.RawMessage, allowed ...webrtc.SDPType) error {
	if !present(payload) {
		return fmt.Errorf("%w: missing session description", ErrInvalidPayload)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if desc.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidPayload)
	}
	if desc.Type != webrtc.SDPTypeUnknown && !typeAllowed(desc.Type, allowed) {
		return fmt.Errorf("%w: unexpected description type %s", ErrInvalidPayload, desc.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: malformed sdp: %v", ErrInvalidPayload, err)
	}
	return nil
}

func typeAllowed(t webrtc.SDPType, allowed []webrtc.SDPType) bool {
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

func validateCandidate(payload json.RawMessage) error {
	if !present(payload) {
		return fmt.Errorf("%w: missing candidate", ErrInvalidPayload)
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	// An empty candidate string signals end-of-candidates.
	if cand.Candidate != "" && cand.SDPMid == nil && cand.SDPMLineIndex == nil {
		return fmt.Errorf("%w: candidate needs sdpMid or sdpMLineIndex", ErrInvalidPayload)
	}
	return nil
}
