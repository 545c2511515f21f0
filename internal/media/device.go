package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/vibehub/room-server/pkg/protocol"
	"go.uber.org/atomic"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

type CaptureKind string

const (
	CaptureAudio CaptureKind = "audio"
	CaptureVideo CaptureKind = "video"
)

// CaptureDevice is a locally owned microphone or camera. Ownership is
// exclusive to one member's session manager, which releases it
// deterministically on mute-off/leave.
type CaptureDevice interface {
	Kind() CaptureKind
	TrackID() string
	// SetMuted disables the track without releasing the device, so
	// unmuting needs no renegotiation.
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

type DeviceProvider interface {
	Acquire(kind CaptureKind) (CaptureDevice, error)
}

// UserMediaProvider acquires capture devices through pion/mediadevices.
type UserMediaProvider struct{}

func NewUserMediaProvider() *UserMediaProvider { return &UserMediaProvider{} }

// NewDeviceProvider is the wiring-friendly constructor.
func NewDeviceProvider() DeviceProvider { return NewUserMediaProvider() }

func (p *UserMediaProvider) Acquire(kind CaptureKind) (CaptureDevice, error) {
	var constraints mediadevices.MediaStreamConstraints
	switch kind {
	case CaptureAudio:
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	case CaptureVideo:
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	default:
		return nil, fmt.Errorf("%w: unknown capture kind %q", protocol.ErrMediaAcquisitionFailed, kind)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMediaAcquisitionFailed, err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no %s device available", protocol.ErrMediaAcquisitionFailed, kind)
	}

	return &userMediaDevice{kind: kind, track: tracks[0]}, nil
}

type userMediaDevice struct {
	kind  CaptureKind
	track mediadevices.Track
	muted atomic.Bool
}

func (d *userMediaDevice) Kind() CaptureKind    { return d.kind }
func (d *userMediaDevice) TrackID() string      { return d.track.ID() }
func (d *userMediaDevice) SetMuted(muted bool)  { d.muted.Store(muted) }
func (d *userMediaDevice) Muted() bool          { return d.muted.Load() }
func (d *userMediaDevice) Close() error         { return d.track.Close() }

var _ DeviceProvider = (*UserMediaProvider)(nil)
