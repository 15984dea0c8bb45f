// Package rtc carries interview audio over a WebRTC peer connection: the
// respondent's Opus track feeds the capture pipeline and the interviewer's
// synthesized speech is paced back on an outbound track.
package rtc

import (
	"errors"
	"log"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/playback"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Peer owns one peer connection for the lifetime of an interview session.
type Peer struct {
	sessionID string
	pc        *webrtc.PeerConnection
	outTrack  *webrtc.TrackLocalStaticSample
	ingress   *Ingress

	onStop       func()
	onDisconnect func()
}

// NewPeer builds the peer connection, its outbound interviewer track, and the
// ingress awaiting the respondent track. onStop fires when the respondent
// requests a stop over the control data channel; onDisconnect fires when the
// connection fails or closes.
func NewPeer(sessionID string, onStop, onDisconnect func()) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"interviewer-audio", "interviewer")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &Peer{
		sessionID:    sessionID,
		pc:           pc,
		outTrack:     outTrack,
		ingress:      NewIngress(),
		onStop:       onStop,
		onDisconnect: onDisconnect,
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] respondent audio track received: codec=%s", sessionID, remote.Codec().MimeType)
		p.ingress.attachTrack(remote)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] control channel opened", sessionID)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop", "end", "cancel":
				log.Printf("[%s] stop requested over control channel", sessionID)
				if p.onStop != nil {
					p.onStop()
				}
			}
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", sessionID, state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", sessionID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			if p.onDisconnect != nil {
				p.onDisconnect()
			}
		}
	})

	return p, nil
}

// Answer applies the respondent's SDP offer and returns the local answer
// after ICE gathering completes.
func (p *Peer) Answer(offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("rtc: invalid offer")
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := p.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("rtc: no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Capture returns the respondent audio source.
func (p *Peer) Capture() *Ingress { return p.ingress }

// CreateSink builds the paced Opus sink for the outbound track. Used as the
// playback queue's lazy sink factory.
func (p *Peer) CreateSink() (playback.Sink, error) {
	return NewEgressSink(p.outTrack)
}

// Close tears down the peer connection.
func (p *Peer) Close() {
	p.ingress.Close()
	_ = p.pc.Close()
}
