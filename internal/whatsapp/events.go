package whatsapp

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/session"
)

var (
	errPairingTimeout = errors.New("pairing code expired without a scan")
	errStreamReplaced = errors.New("session opened on another client")
)

// translate maps a whatsmeow event onto session events. self is the paired
// account's user part, empty before pairing.
func translate(evt any, self string) []session.Event {
	switch e := evt.(type) {
	case *events.Connected:
		// Pre-key uploads happen on connect, so retention runs after it.
		return []session.Event{
			session.Opened(self, waVersion()),
			session.CredentialsUpdated(),
		}
	case *events.PairSuccess:
		return []session.Event{session.CredentialsUpdated()}
	case *events.Disconnected:
		return []session.Event{session.Closed(domain.ReasonConnectionLost, nil)}
	case *events.LoggedOut:
		return []session.Event{
			session.Closed(domain.ReasonLoggedOut, fmt.Errorf("logged out: %s", e.Reason)),
		}
	case *events.StreamReplaced:
		return []session.Event{session.Closed(domain.ReasonConnectionReplaced, errStreamReplaced)}
	case *events.ClientOutdated:
		return []session.Event{session.Closed(domain.ReasonClientOutdated, errors.New("client outdated"))}
	case *events.TemporaryBan:
		return []session.Event{session.Closed(domain.ReasonForbidden, fmt.Errorf("temporary ban: %s", e))}
	case *events.ConnectFailure:
		return []session.Event{session.Closed(failureReason(e.Reason), fmt.Errorf("connect failure %d: %s", int(e.Reason), e.Message))}
	case *events.Message:
		return []session.Event{session.Received(inboundMessage(e))}
	}
	return nil
}

func failureReason(r events.ConnectFailureReason) domain.DisconnectReason {
	switch {
	case r.IsLoggedOut():
		return domain.ReasonLoggedOut
	case r == events.ConnectFailureClientOutdated:
		return domain.ReasonClientOutdated
	case r == events.ConnectFailureTempBanned:
		return domain.ReasonForbidden
	case int(r) >= 500:
		return domain.ReasonBadSession
	default:
		return domain.ReasonConnectionClosed
	}
}

// translateQR maps a pairing channel item. Code items become challenges;
// expiry and errors close the session since whatsmeow disconnects itself.
func translateQR(item whatsmeow.QRChannelItem) (session.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return session.PairingChallenge(item.Code), true
	case whatsmeow.QRChannelTimeout.Event:
		return session.Closed(domain.ReasonConnectionLost, errPairingTimeout), true
	case whatsmeow.QRChannelClientOutdated.Event:
		return session.Closed(domain.ReasonClientOutdated, errors.New("client outdated")), true
	case whatsmeow.QRChannelEventError:
		return session.Closed(domain.ReasonConnectionClosed, fmt.Errorf("pairing failed: %w", item.Error)), true
	}
	return session.Event{}, false
}

// senderJID prefers the phone-number JID when the message is addressed by
// LID, so the backend always receives a phone number.
func senderJID(info types.MessageInfo) types.JID {
	sender := info.Sender
	if sender.Server == types.HiddenUserServer && !info.SenderAlt.IsEmpty() {
		sender = info.SenderAlt
	}
	return sender.ToNonAD()
}

func inboundMessage(e *events.Message) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:         e.Info.ID,
		SenderID:   senderJID(e.Info).String(),
		Timestamp:  e.Info.Timestamp,
		Kind:       domain.PayloadOther,
		FromMe:     e.Info.IsFromMe,
		HasPayload: e.Message != nil,
	}
	if audio := e.Message.GetAudioMessage(); audio != nil {
		msg.Kind = domain.PayloadAudio
		msg.Media = audio
	}
	return msg
}
