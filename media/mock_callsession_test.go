// Code roughly matching what `mockgen -source=session.go` would produce,
// hand-written since code generation isn't run here.
package media_test

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/coredial/sipua/media"
)

// MockCallSession is a gomock-style mock of media.CallSession.
type MockCallSession struct {
	ctrl     *gomock.Controller
	recorder *MockCallSessionRecorder
}

type MockCallSessionRecorder struct {
	mock *MockCallSession
}

func NewMockCallSession(ctrl *gomock.Controller) *MockCallSession {
	m := &MockCallSession{ctrl: ctrl}
	m.recorder = &MockCallSessionRecorder{m}
	return m
}

func (m *MockCallSession) EXPECT() *MockCallSessionRecorder { return m.recorder }

func (m *MockCallSession) AnswerSDP() []byte {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AnswerSDP")
	sdp, _ := ret[0].([]byte)
	return sdp
}

func (mr *MockCallSessionRecorder) AnswerSDP() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AnswerSDP", reflect.TypeOf((*MockCallSession)(nil).AnswerSDP))
}

func (m *MockCallSession) Start(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Start", ctx)
	err, _ := ret[0].(error)
	return err
}

func (mr *MockCallSessionRecorder) Start(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Start", reflect.TypeOf((*MockCallSession)(nil).Start), ctx)
}

func (m *MockCallSession) Stop(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Stop", ctx)
	err, _ := ret[0].(error)
	return err
}

func (mr *MockCallSessionRecorder) Stop(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Stop", reflect.TypeOf((*MockCallSession)(nil).Stop), ctx)
}

func (m *MockCallSession) OnAudio(handler media.AudioHandler) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "OnAudio", handler)
}

func (mr *MockCallSessionRecorder) OnAudio(handler any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "OnAudio", reflect.TypeOf((*MockCallSession)(nil).OnAudio), handler)
}

func (m *MockCallSession) OnDTMF(handler media.DTMFHandler) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "OnDTMF", handler)
}

func (mr *MockCallSessionRecorder) OnDTMF(handler any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "OnDTMF", reflect.TypeOf((*MockCallSession)(nil).OnDTMF), handler)
}

func (m *MockCallSession) SendAudio(pcm []byte, timestamp uint32) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "SendAudio", pcm, timestamp)
}

func (mr *MockCallSessionRecorder) SendAudio(pcm, timestamp any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendAudio", reflect.TypeOf((*MockCallSession)(nil).SendAudio), pcm, timestamp)
}

func (m *MockCallSession) SendDTMF(digit string, durationMS int) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "SendDTMF", digit, durationMS)
}

func (mr *MockCallSessionRecorder) SendDTMF(digit, durationMS any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendDTMF", reflect.TypeOf((*MockCallSession)(nil).SendDTMF), digit, durationMS)
}

func (m *MockCallSession) UpdateRemote(host string, port int) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "UpdateRemote", host, port)
}

func (mr *MockCallSessionRecorder) UpdateRemote(host, port any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "UpdateRemote", reflect.TypeOf((*MockCallSession)(nil).UpdateRemote), host, port)
}

var _ media.CallSession = (*MockCallSession)(nil)
