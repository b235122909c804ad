package respoke

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// CallConstraints selects what a call negotiates to send and receive.
type CallConstraints struct {
	Audio bool
	Video bool
}

// PeerConnection is the platform primitive a call drives: offer/answer and
// candidate generation, data channels, stats. The default implementation
// wraps pion; tests substitute a scripted fake.
type PeerConnection interface {
	Start(ctx context.Context) error
	// GatherLocalMedia prepares the local side of the session per the
	// constraints and invokes the OnLocalMedia callback when ready.
	GatherLocalMedia(constraints CallConstraints) error
	CreateOffer() (*webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer sets the remote offer and returns a local
	// answer with candidate gathering already complete.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (DataChannel, error)
	Stats() (webrtc.StatsReport, error)
	Close()

	OnLocalMedia(fn func())
	OnRemoteMedia(fn func())
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnDataChannel(fn func(DataChannel))
	OnClosed(fn func())
}

// DataChannel is the transport of a direct connection.
type DataChannel interface {
	Label() string
	Send(payload []byte) error
	SendText(text string) error
	Close() error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(payload []byte, isText bool))
	OnError(fn func(err error))
}

// PeerConnectionFactory builds the peer connection for a new call. cfg
// carries the ICE servers fetched from the service.
type PeerConnectionFactory func(cfg webrtc.Configuration, sessionID string, logger zerolog.Logger) (PeerConnection, error)

// DefaultWebRTCConfig is the fallback used when TURN credentials are not
// fetched.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type pionPeerConnection struct {
	pc     *webrtc.PeerConnection
	sid    string
	logger zerolog.Logger
	cancel context.CancelFunc

	remoteMediaOnce sync.Once

	cbMu          sync.Mutex
	onLocalMedia  func()
	onRemoteMedia func()
	onICE         func(webrtc.ICECandidateInit)
	onDataChannel func(DataChannel)
	onClosed      func()
}

// NewPionPeerConnection is the default PeerConnectionFactory.
func NewPionPeerConnection(cfg webrtc.Configuration, sessionID string, logger zerolog.Logger) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{
		pc:     pc,
		sid:    sessionID,
		logger: logger.With().Str("module", "webrtc").Str("session_id", sessionID).Logger(),
	}, nil
}

func (c *pionPeerConnection) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			// Data-only sessions never see OnTrack; a connected pair is
			// flowing as far as the call lifecycle is concerned.
			c.fireRemoteMedia()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if fn := c.closedCallback(); fn != nil {
				fn()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.cbMu.Lock()
		fn := c.onICE
		c.cbMu.Unlock()
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.fireRemoteMedia()
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.logger.Info().Str("label", dc.Label()).Msg("remote data channel")
		c.cbMu.Lock()
		fn := c.onDataChannel
		c.cbMu.Unlock()
		if fn != nil {
			fn(&pionDataChannel{dc: dc})
		}
	})

	return nil
}

func (c *pionPeerConnection) closedCallback() func() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.onClosed
}

func (c *pionPeerConnection) fireRemoteMedia() {
	c.remoteMediaOnce.Do(func() {
		c.cbMu.Lock()
		fn := c.onRemoteMedia
		c.cbMu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *pionPeerConnection) GatherLocalMedia(constraints CallConstraints) error {
	if constraints.Audio {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}
	if constraints.Video {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	c.cbMu.Lock()
	fn := c.onLocalMedia
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *pionPeerConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	// Candidates trickle through OnICECandidate after this.
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *pionPeerConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *pionPeerConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *pionPeerConnection) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionPeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (c *pionPeerConnection) Stats() (webrtc.StatsReport, error) {
	return c.pc.GetStats(), nil
}

func (c *pionPeerConnection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	}
}

func (c *pionPeerConnection) OnLocalMedia(fn func()) {
	c.cbMu.Lock()
	c.onLocalMedia = fn
	c.cbMu.Unlock()
}

func (c *pionPeerConnection) OnRemoteMedia(fn func()) {
	c.cbMu.Lock()
	c.onRemoteMedia = fn
	c.cbMu.Unlock()
}

func (c *pionPeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.cbMu.Lock()
	c.onICE = fn
	c.cbMu.Unlock()
}

func (c *pionPeerConnection) OnDataChannel(fn func(DataChannel)) {
	c.cbMu.Lock()
	c.onDataChannel = fn
	c.cbMu.Unlock()
}

func (c *pionPeerConnection) OnClosed(fn func()) {
	c.cbMu.Lock()
	c.onClosed = fn
	c.cbMu.Unlock()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string           { return d.dc.Label() }
func (d *pionDataChannel) Send(p []byte) error     { return d.dc.Send(p) }
func (d *pionDataChannel) SendText(s string) error { return d.dc.SendText(s) }
func (d *pionDataChannel) Close() error            { return d.dc.Close() }
func (d *pionDataChannel) OnOpen(fn func())        { d.dc.OnOpen(fn) }
func (d *pionDataChannel) OnClose(fn func())       { d.dc.OnClose(fn) }
func (d *pionDataChannel) OnError(fn func(error))  { d.dc.OnError(fn) }

func (d *pionDataChannel) OnMessage(fn func(payload []byte, isText bool)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data, msg.IsString)
	})
}
