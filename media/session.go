// Package media defines the boundary between SIP signaling and RTP media.
// CallSession is an interface only: the core never touches RTP bytes.
// Wiring an actual RTP stack behind it is left to the application.
package media

import (
	"context"

	"github.com/coredial/sipua/sdp"
)

// AudioHandler receives decoded PCM audio alongside its RTP timestamp.
type AudioHandler func(pcm []byte, timestamp uint32)

// DTMFHandler receives a detected DTMF digit and its duration, per RFC 4733.
type DTMFHandler func(digit string, durationMS int)

// CallSession manages one call's RTP session alongside its SIP dialog. A
// CallSession is constructed from a local address and an SDP offer, and
// immediately produces the negotiated answer to place in the 200 OK; the
// underlying transport isn't started until Start is called.
type CallSession interface {
	// AnswerSDP returns the SDP answer negotiated at construction time.
	AnswerSDP() []byte

	// Start binds the RTP session and begins forwarding audio/DTMF to the
	// handlers set with OnAudio/OnDTMF.
	Start(ctx context.Context) error

	// Stop releases the RTP session's resources. Safe to call more than
	// once.
	Stop(ctx context.Context) error

	// OnAudio registers the callback invoked for each decoded audio
	// frame.
	OnAudio(handler AudioHandler)

	// OnDTMF registers the callback invoked for each detected DTMF
	// digit.
	OnDTMF(handler DTMFHandler)

	// SendAudio encodes and sends a raw PCM audio frame.
	SendAudio(pcm []byte, timestamp uint32)

	// SendDTMF sends a DTMF digit via RTP telephone-event.
	SendDTMF(digit string, durationMS int)

	// UpdateRemote redirects the RTP session's remote endpoint, e.g.
	// after a re-INVITE changes the offered connection address.
	UpdateRemote(host string, port int)
}

// Factory builds a CallSession from a local RTP endpoint and the remote
// party's SDP offer, negotiating and returning the answer eagerly.
type Factory func(localIP string, localPort int, offer *sdp.Session) (CallSession, error)
