package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/types"
)

// audioLevelExtensionID is the negotiated header extension id for
// urn:ietf:params:rtp-hdrext:ssrc-audio-level.
const audioLevelExtensionID = 1

const silenceLevel = 127 // dBov magnitude for digital silence

// PionConfig carries the network knobs for the in-process engine.
type PionConfig struct {
	STUNServer string // optional, e.g. "stun:stun.l.google.com:19302"
	PublicIP   string // optional NAT 1:1 address for candidates
}

// PionEngine runs the SFU in process on pion. Audio only: the media engine
// registers Opus and nothing else, so video offers are refused at negotiation
// instead of burning bandwidth.
type PionEngine struct {
	cfg PionConfig
}

func NewPionEngine(cfg PionConfig) *PionEngine { return &PionEngine{cfg: cfg} }

func (e *PionEngine) NewWorker(ctx context.Context) (Worker, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level",
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	se := webrtc.SettingEngine{}
	if e.cfg.PublicIP != "" {
		se.SetNAT1To1IPs([]string{e.cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
	)

	var iceServers []webrtc.ICEServer
	if e.cfg.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{e.cfg.STUNServer}})
	}

	return &pionWorker{
		id:         uuid.NewString(),
		api:        api,
		iceServers: iceServers,
		ctx:        ctx,
	}, nil
}

type pionWorker struct {
	id         string
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	ctx        context.Context

	mu      sync.Mutex
	routers map[string]*pionRouter
	died    func()
	closed  bool
}

func (w *pionWorker) ID() string { return w.id }

func (w *pionWorker) NewRouter(roomId string) (Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker closed")
	}
	r := &pionRouter{
		id:        uuid.NewString(),
		roomId:    roomId,
		worker:    w,
		producers: map[string]*pionProducer{},
		consumers: map[string][]*pionConsumer{},
	}
	if w.routers == nil {
		w.routers = map[string]*pionRouter{}
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *pionWorker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *pionWorker) OnDied(fn func()) {
	w.mu.Lock()
	w.died = fn
	w.mu.Unlock()
}

func (w *pionWorker) dropRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *pionWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*pionRouter, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	return nil
}

type pionRouter struct {
	id     string
	roomId string
	worker *pionWorker

	mu         sync.Mutex
	producers  map[string]*pionProducer
	consumers  map[string][]*pionConsumer // keyed by producer id
	transports []*pionTransport
	observers  []*pionAudioObserver
	closed     bool
}

func (r *pionRouter) ID() string { return r.id }

func (r *pionRouter) RtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}],"headerExtensions":[{"uri":"urn:ietf:params:rtp-hdrext:ssrc-audio-level","id":1}]}`)
}

func (r *pionRouter) NewTransport(kind types.TransportKind) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router closed")
	}
	r.mu.Unlock()

	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: r.worker.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &pionTransport{
		id:     uuid.NewString(),
		kind:   kind,
		router: r,
		pc:     pc,
	}

	if kind == types.TransportKindProducer {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add recv transceiver: %w", err)
		}
		pc.OnTrack(t.handleTrack)
	}

	// Non-trickle: candidates are gathered up front so Parameters carries
	// the full offer.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	params, err := json.Marshal(struct {
		Id  string `json:"id"`
		SDP string `json:"sdp"`
	}{Id: t.id, SDP: pc.LocalDescription().SDP})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("marshal transport parameters: %w", err)
	}
	t.params = params

	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *pionRouter) CanConsume(producerId string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	_, ok := r.producers[producerId]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(string(rtpCapabilities)), "opus")
}

func (r *pionRouter) NewAudioObserver(interval time.Duration, threshold, topN int) (AudioObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	obs := &pionAudioObserver{
		router:    r,
		interval:  interval,
		threshold: threshold,
		topN:      topN,
		done:      make(chan struct{}),
	}
	r.observers = append(r.observers, obs)
	go obs.run()
	return obs, nil
}

func (r *pionRouter) addProducer(p *pionProducer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *pionRouter) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	consumers := r.consumers[id]
	delete(r.consumers, id)
	r.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
}

func (r *pionRouter) addConsumer(c *pionConsumer) {
	r.mu.Lock()
	r.consumers[c.producerId] = append(r.consumers[c.producerId], c)
	r.mu.Unlock()
}

func (r *pionRouter) consumersFor(producerId string) []*pionConsumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pionConsumer, len(r.consumers[producerId]))
	copy(out, r.consumers[producerId])
	return out
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	observers := r.observers
	r.transports = nil
	r.observers = nil
	r.mu.Unlock()

	for _, obs := range observers {
		obs.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	r.worker.dropRouter(r.id)
	return nil
}

type pionTransport struct {
	id     string
	kind   types.TransportKind
	router *pionRouter
	pc     *webrtc.PeerConnection
	params json.RawMessage

	mu        sync.Mutex
	connected bool
	closed    bool
	pending   []*pionProducer // producers awaiting their remote track
}

func (t *pionTransport) ID() string                  { return t.id }
func (t *pionTransport) Kind() types.TransportKind   { return t.kind }
func (t *pionTransport) Parameters() json.RawMessage { return t.params }

func (t *pionTransport) Connect(dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	var answer struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(dtlsParameters, &answer); err != nil || answer.SDP == "" {
		return types.E(types.ErrInvalidPayload)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *pionTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// handleTrack binds an arriving remote track to the oldest producer still
// waiting for one.
func (t *pionTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	t.mu.Lock()
	var p *pionProducer
	if len(t.pending) > 0 {
		p = t.pending[0]
		t.pending = t.pending[1:]
	}
	t.mu.Unlock()
	if p == nil {
		logging.Warn(context.Background(), "audio track arrived with no pending producer",
			zap.String("transport_id", t.id))
		return
	}
	go p.readLoop(track)
}

func (t *pionTransport) Produce(kind string, rtpParameters json.RawMessage) (Producer, error) {
	if t.kind != types.TransportKindProducer {
		return nil, fmt.Errorf("produce on a %s transport", t.kind)
	}
	if kind != "audio" {
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	p := &pionProducer{
		id:        uuid.NewString(),
		router:    t.router,
		lastLevel: silenceLevel,
	}
	t.pending = append(t.pending, p)
	t.mu.Unlock()

	t.router.addProducer(p)
	return p, nil
}

func (t *pionTransport) Consume(producerId string, rtpCapabilities json.RawMessage) (Consumer, error) {
	if t.kind != types.TransportKindConsumer {
		return nil, fmt.Errorf("consume on a %s transport", t.kind)
	}
	t.router.mu.Lock()
	_, ok := t.router.producers[producerId]
	t.router.mu.Unlock()
	if !ok {
		return nil, types.E(types.ErrProducerNotFound)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio-"+producerId, "sfu-"+t.router.roomId)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	// Drain sender RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &pionConsumer{
		id:         uuid.NewString(),
		producerId: producerId,
		track:      local,
		sender:     sender,
		pc:         t.pc,
	}
	c.paused.Store(true)
	t.router.addConsumer(c)

	params, err := json.Marshal(struct {
		Id         string `json:"id"`
		ProducerId string `json:"producerId"`
		Kind       string `json:"kind"`
		SDP        string `json:"sdp,omitempty"`
	}{Id: c.id, ProducerId: producerId, Kind: "audio"})
	if err != nil {
		return nil, fmt.Errorf("marshal consumer parameters: %w", err)
	}
	c.params = params
	return c, nil
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

type pionProducer struct {
	id     string
	router *pionRouter

	paused    atomic.Bool
	closed    atomic.Bool
	lastLevel int32 // dBov magnitude, 127 silence
	lastSeen  atomic.Int64
}

func (p *pionProducer) ID() string { return p.id }

func (p *pionProducer) readLoop(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF && !p.closed.Load() {
				logging.Debug(context.Background(), "producer read ended",
					zap.String("producer_id", p.id), zap.Error(err))
			}
			return
		}
		if p.closed.Load() {
			return
		}

		if ext := pkt.GetExtension(audioLevelExtensionID); ext != nil {
			var lvl rtp.AudioLevelExtension
			if err := lvl.Unmarshal(ext); err == nil {
				atomic.StoreInt32(&p.lastLevel, int32(lvl.Level))
				p.lastSeen.Store(time.Now().UnixMilli())
			}
		}

		if p.paused.Load() {
			continue
		}
		for _, c := range p.router.consumersFor(p.id) {
			c.write(pkt)
		}
	}
}

func (p *pionProducer) Pause() error  { p.paused.Store(true); return nil }
func (p *pionProducer) Resume() error { p.paused.Store(false); return nil }
func (p *pionProducer) Paused() bool  { return p.paused.Load() }

func (p *pionProducer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.router.removeProducer(p.id)
	return nil
}

// level returns the most recent dBov magnitude, or silence when no packet has
// arrived within window.
func (p *pionProducer) level(window time.Duration) int {
	if time.Since(time.UnixMilli(p.lastSeen.Load())) > window {
		return silenceLevel
	}
	return int(atomic.LoadInt32(&p.lastLevel))
}

type pionConsumer struct {
	id         string
	producerId string
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	pc         *webrtc.PeerConnection
	params     json.RawMessage

	paused atomic.Bool
	closed atomic.Bool
}

func (c *pionConsumer) ID() string                  { return c.id }
func (c *pionConsumer) ProducerID() string          { return c.producerId }
func (c *pionConsumer) Parameters() json.RawMessage { return c.params }

func (c *pionConsumer) write(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	if err := c.track.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
		logging.Debug(context.Background(), "consumer write failed",
			zap.String("consumer_id", c.id), zap.Error(err))
	}
}

func (c *pionConsumer) Pause() error  { c.paused.Store(true); return nil }
func (c *pionConsumer) Resume() error { c.paused.Store(false); return nil }
func (c *pionConsumer) Paused() bool  { return c.paused.Load() }

func (c *pionConsumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.pc.RemoveTrack(c.sender)
}

type pionAudioObserver struct {
	router    *pionRouter
	interval  time.Duration
	threshold int // negative dBov cutoff, e.g. -50
	topN      int

	mu     sync.Mutex
	fn     func([]VolumeEntry)
	done   chan struct{}
	closed bool
}

func (o *pionAudioObserver) OnVolumes(fn func([]VolumeEntry)) {
	o.mu.Lock()
	o.fn = fn
	o.mu.Unlock()
}

func (o *pionAudioObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.sample()
		}
	}
}

func (o *pionAudioObserver) sample() {
	o.router.mu.Lock()
	producers := make([]*pionProducer, 0, len(o.router.producers))
	for _, p := range o.router.producers {
		producers = append(producers, p)
	}
	o.router.mu.Unlock()

	var entries []VolumeEntry
	for _, p := range producers {
		if p.Paused() {
			continue
		}
		lvl := p.level(o.interval * 2)
		// lvl is a magnitude; -lvl is the dBov value compared against
		// the threshold.
		if -lvl < o.threshold {
			continue
		}
		entries = append(entries, VolumeEntry{ProducerId: p.id, Volume: -lvl})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Volume > entries[j].Volume })
	if o.topN > 0 && len(entries) > o.topN {
		entries = entries[:o.topN]
	}

	o.mu.Lock()
	fn := o.fn
	o.mu.Unlock()
	if fn != nil {
		fn(entries)
	}
}

func (o *pionAudioObserver) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()
	return nil
}
