package media

import (
	"context"

	"github.com/coredial/sipua/sdp"
)

// NullSession is a no-op CallSession, useful for tests and for
// applications that only need SIP signaling without RTP, mirroring the
// Noop variant shipped alongside other callback-style interfaces
// (internal/log's Noop logger).
type NullSession struct {
	answer []byte
}

var _ CallSession = (*NullSession)(nil)

// NewNullSession negotiates nothing: it ignores offer and returns a minimal
// sendrecv SDP answer (PCMU only) built from localIP and localPort, so
// callers exercising the UAS accept path have something to send.
func NewNullSession(localIP string, localPort int, offer *sdp.Session) (CallSession, error) {
	answer := sdp.BuildOffer(localIP, localPort, []int{0}, false, sdp.SendRecv)
	return &NullSession{answer: sdp.Build(answer)}, nil
}

// AnswerSDP returns the placeholder SDP answer.
func (s *NullSession) AnswerSDP() []byte { return s.answer }

// Start does nothing.
func (s *NullSession) Start(context.Context) error { return nil }

// Stop does nothing.
func (s *NullSession) Stop(context.Context) error { return nil }

// OnAudio discards the handler; NullSession never produces audio.
func (s *NullSession) OnAudio(AudioHandler) {}

// OnDTMF discards the handler; NullSession never produces DTMF events.
func (s *NullSession) OnDTMF(DTMFHandler) {}

// SendAudio does nothing.
func (s *NullSession) SendAudio([]byte, uint32) {}

// SendDTMF does nothing.
func (s *NullSession) SendDTMF(string, int) {}

// UpdateRemote does nothing.
func (s *NullSession) UpdateRemote(string, int) {}
