package media

import (
	"encoding/json"
	"sync"

	webrtc "github.com/pion/webrtc/v3"
)

// PeerTransport is one leg of a pairwise media session. Payloads are the
// opaque JSON bodies carried by signaling messages; the transport layer
// owns their meaning.
type PeerTransport interface {
	CreateOffer() (json.RawMessage, error)
	HandleOffer(payload json.RawMessage) (answer json.RawMessage, err error)
	HandleAnswer(payload json.RawMessage) error
	AddICECandidate(payload json.RawMessage) error
	OnICECandidate(fn func(payload json.RawMessage))
	// EnsureTrack attaches a sending track of the kind; adding the same
	// kind twice is a no-op.
	EnsureTrack(kind CaptureKind, trackID string) error
	DropTrack(kind CaptureKind) error
	Close() error
}

type TransportFactory interface {
	NewPeerTransport() (PeerTransport, error)
}

// WebrtcTransportFactory builds transports from the shared pion API
// configured in pkg/service.
type WebrtcTransportFactory struct {
	api *webrtc.API
}

func NewWebrtcTransportFactory(api *webrtc.API) *WebrtcTransportFactory {
	return &WebrtcTransportFactory{api: api}
}

// NewTransportFactory is the wiring-friendly constructor.
func NewTransportFactory(api *webrtc.API) TransportFactory {
	return NewWebrtcTransportFactory(api)
}

func (f *WebrtcTransportFactory) NewPeerTransport() (PeerTransport, error) {
	peerConnection, err := f.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	return &webrtcTransport{
		peerConnection: peerConnection,
		senders:        make(map[CaptureKind]*webrtc.RTPSender),
	}, nil
}

type webrtcTransport struct {
	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	senders        map[CaptureKind]*webrtc.RTPSender
}

func (t *webrtcTransport) CreateOffer() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	offer, err := t.peerConnection.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err = t.peerConnection.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (t *webrtcTransport) HandleOffer(payload json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return nil, err
	}
	if err := t.peerConnection.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.peerConnection.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = t.peerConnection.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (t *webrtcTransport) HandleAnswer(payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return err
	}
	return t.peerConnection.SetRemoteDescription(answer)
}

func (t *webrtcTransport) AddICECandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return err
	}
	return t.peerConnection.AddICECandidate(candidate)
}

func (t *webrtcTransport) OnICECandidate(fn func(payload json.RawMessage)) {
	t.peerConnection.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(payload)
	})
}

func codecTypeOf(kind CaptureKind) webrtc.RTPCodecType {
	if kind == CaptureVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func (t *webrtcTransport) EnsureTrack(kind CaptureKind, trackID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exist := t.senders[kind]; exist {
		return nil
	}
	transceiver, err := t.peerConnection.AddTransceiverFromKind(codecTypeOf(kind), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return err
	}
	t.senders[kind] = transceiver.Sender()
	return nil
}

func (t *webrtcTransport) DropTrack(kind CaptureKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender, exist := t.senders[kind]
	if !exist {
		return nil
	}
	delete(t.senders, kind)
	if err := sender.ReplaceTrack(nil); err != nil {
		return err
	}
	return t.peerConnection.RemoveTrack(sender)
}

func (t *webrtcTransport) Close() error {
	return t.peerConnection.Close()
}

var _ TransportFactory = (*WebrtcTransportFactory)(nil)
