package service

import (
	"log/slog"

	ice "github.com/pion/ice/v3"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/fx"
)

type webrtcAPI_Params struct {
	fx.In

	Config *Config
	Logger *slog.Logger
}

func webrtcAPI(params webrtcAPI_Params) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterDefaultCodecs()
	if err != nil {
		return nil, err
	}

	mediaSettings := webrtc.SettingEngine{}
	mediaSettings.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
	})

	udpMux, err := ice.NewMultiUDPMuxFromPort(params.Config.WebrtcUDPPort)
	if err != nil {
		return nil, err
	}

	mediaSettings.SetICEUDPMux(udpMux)

	if params.Config.NAT1To1IP != "" {
		mediaSettings.SetNAT1To1IPs([]string{params.Config.NAT1To1IP}, webrtc.ICECandidateTypeHost)
	}

	interceptorRegistry := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	interceptorRegistry.Add(pli)

	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	params.Logger.Debug("webrtc api ready", slog.Int("udpPort", params.Config.WebrtcUDPPort))

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(mediaSettings),
	), nil
}

var WebrtcModule = fx.Module("webrtc", fx.Provide(
	webrtcAPI,
))
