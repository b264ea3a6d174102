package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"openfms/gateway/internal/adapter"
	"openfms/gateway/internal/config"
	"openfms/gateway/internal/jt808"
	"openfms/gateway/internal/protocol"
)

// TCPServer handles TCP connections from GPS devices
type TCPServer struct {
	config   *config.Config
	redis    *redis.Client
	nats     *nats.Conn
	listener net.Listener
	detector *adapter.JT808Detector
	sessions sync.Map // map[string]*Session
	ctx      context.Context
	cancel   context.CancelFunc
}

// Session represents a device connection
type Session struct {
	ConnID     string
	DeviceID   string
	Conn       net.Conn
	Adapter    protocol.ProtocolAdapter
	Platform   *jt808.PlatformClient
	GatewayID  string
	ClientIP   string
	LastActive time.Time
	mu         sync.RWMutex

	reader  *bufio.Reader
	pending []byte

	readerOnce sync.Once
	frameCh    chan frameMsg // frames routed to the normal service loop
	upgradeCh  chan frameMsg // frames routed to an in-flight UpgradeRequest
	activeCh   atomic.Value  // chan frameMsg: whichever of the above the sole reader goroutine is feeding right now
}

type frameMsg struct {
	frame []byte
	err   error
}

// ensureReader lazily starts the single goroutine that ever touches
// reader/pending, so the service loop and a concurrent upgrade never race
// on the socket. It routes each scanned frame to whichever channel is
// currently "active" (see beginUpgradeRouting/endUpgradeRouting), which is
// what lets an UpgradeRequest own the connection's reads for its duration
// without the service loop also consuming its ack frames.
func (sess *Session) ensureReader() {
	sess.readerOnce.Do(func() {
		sess.frameCh = make(chan frameMsg, 8)
		sess.upgradeCh = make(chan frameMsg, 8)
		sess.activeCh.Store(sess.frameCh)
		go sess.readLoop()
	})
}

func (sess *Session) readLoop() {
	for {
		if frame, rest, ok := jt808.ScanFrame(sess.pending); ok {
			sess.pending = rest
			sess.deliver(frameMsg{frame: frame})
			continue
		}
		buf := make([]byte, 4096)
		n, err := sess.reader.Read(buf)
		if n > 0 {
			sess.pending = append(sess.pending, buf[:n]...)
		}
		if err != nil {
			sess.deliver(frameMsg{err: err})
			return
		}
	}
}

func (sess *Session) deliver(m frameMsg) {
	if m.err != nil {
		// A dead connection matters to whichever side is waiting, active or
		// not, so wake both rather than only the currently-active one.
		for _, ch := range [...]chan frameMsg{sess.frameCh, sess.upgradeCh} {
			select {
			case ch <- m:
			default:
			}
		}
		return
	}
	ch, _ := sess.activeCh.Load().(chan frameMsg)
	ch <- m
}

// beginUpgradeRouting switches the reader goroutine to feed upgradeCh
// instead of frameCh, so an in-flight UpgradeRequest is the only consumer
// of frames until endUpgradeRouting reverts it.
func (sess *Session) beginUpgradeRouting() {
	sess.ensureReader()
	sess.activeCh.Store(sess.upgradeCh)
}

func (sess *Session) endUpgradeRouting() {
	sess.activeCh.Store(sess.frameCh)
}

func (sess *Session) readFrame(deadline time.Duration) ([]byte, error) {
	sess.ensureReader()
	return recvFrame(sess.frameCh, deadline)
}

func (sess *Session) readUpgradeFrame(deadline time.Duration) ([]byte, error) {
	sess.ensureReader()
	return recvFrame(sess.upgradeCh, deadline)
}

func recvFrame(ch chan frameMsg, deadline time.Duration) ([]byte, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m.frame, m.err
	case <-timer.C:
		return nil, fmt.Errorf("jt808: read timed out after %s", deadline)
	}
}

func (sess *Session) writeFrame(frame []byte) error {
	_, err := sess.Conn.Write(frame)
	return err
}

// NewTCPServer creates a new TCP server
func NewTCPServer(cfg *config.Config, redisClient *redis.Client, natsConn *nats.Conn) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:   cfg,
		redis:    redisClient,
		nats:     natsConn,
		detector: adapter.NewJT808Detector(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.GatewayPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	log.Printf("[Gateway] TCP server listening on %s", addr)

	go s.startHTTPServer()
	go s.startDownlinkConsumer()
	go s.acceptLoop()

	return nil
}

// Stop stops the TCP server
func (s *TCPServer) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.sessions.Range(func(key, value interface{}) bool {
		if session, ok := value.(*Session); ok {
			session.Conn.Close()
		}
		return true
	})
}

func (s *TCPServer) acceptLoop() {
	connID := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[Gateway] Accept error: %v", err)
				continue
			}
		}

		connID++
		session := &Session{
			ConnID:     fmt.Sprintf("%s-%d", s.config.GatewayID, connID),
			Conn:       conn,
			GatewayID:  s.config.GatewayID,
			ClientIP:   conn.RemoteAddr().String(),
			LastActive: time.Now(),
			reader:     bufio.NewReader(conn),
		}

		go s.handleConnection(session)
	}
}

func (s *TCPServer) handleConnection(session *Session) {
	defer func() {
		s.cleanupSession(session)
		session.Conn.Close()
	}()

	log.Printf("[Gateway] New connection: %s from %s", session.ConnID, session.ClientIP)

	registerDeadline := time.Duration(s.config.RegisterAuthDeadlineS) * time.Second
	firstFrame, err := session.readFrame(registerDeadline)
	if err != nil {
		log.Printf("[Gateway] No initial frame from %s: %v", session.ConnID, err)
		return
	}

	proto, matched := s.detector.Match(firstFrame)
	if !matched {
		log.Printf("[Gateway] Unknown protocol from %s", session.ConnID)
		return
	}
	session.Adapter = proto

	if err := s.runJT808Session(session, firstFrame); err != nil {
		if err != io.EOF {
			log.Printf("[Gateway] JT808 session ended for %s: %v", session.ConnID, err)
		}
	}
}

// runJT808Session performs the synchronous register/auth handshake and
// then the service loop, dispatching every subsequent frame through the
// platform client built by the handshake.
func (s *TCPServer) runJT808Session(session *Session, firstFrame []byte) error {
	packager := s.detector.Packager()
	parser := s.detector.Parser()
	deadline := time.Duration(s.config.RegisterAuthDeadlineS) * time.Second

	consumedFirst := false
	readFrame := func() ([]byte, error) {
		if !consumedFirst {
			consumedFirst = true
			return firstFrame, nil
		}
		return session.readFrame(deadline)
	}

	client, err := jt808.AcceptHandshake(packager, parser, readFrame, session.writeFrame)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	client.OnLocationReport = func(loc jt808.LocationBasicInfo, ext map[uint8][]byte) {
		s.publishLocation(session, loc, ext)
	}
	client.OnMultimediaUploaded = func(media jt808.MultimediaUpload) {
		log.Printf("[Gateway] Multimedia upload complete from %s: media_id=%d bytes=%d", session.DeviceID, media.MediaID, len(media.Data))
	}

	session.Platform = client
	session.DeviceID = client.PhoneNumber
	s.sessions.Store(session.DeviceID, session)
	s.registerSession(session)

	log.Printf("[Gateway] JT808 terminal authenticated: %s -> %s", session.ConnID, session.DeviceID)

	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		frame, err := session.readFrame(300 * time.Second)
		if err != nil {
			return err
		}
		session.LastActive = time.Now()
		s.updateSessionTTL(session)

		parse, err := parser.Parse(frame)
		if err != nil {
			log.Printf("[Gateway] Parse error from %s: %v", session.ConnID, err)
			continue
		}

		// Belt-and-suspenders: beginUpgradeRouting already keeps frames from
		// ever reaching frameCh while an upgrade is in flight, so this loop
		// should never actually observe IsUpgrading() true here.
		if client.IsUpgrading() {
			continue
		}

		responses, err := client.Dispatch(packager, parse)
		if err != nil {
			log.Printf("[Gateway] Dispatch error from %s: %v", session.ConnID, err)
			continue
		}
		for _, resp := range responses {
			if err := session.writeFrame(resp); err != nil {
				return err
			}
		}
	}
}

func (s *TCPServer) publishLocation(session *Session, loc jt808.LocationBasicInfo, ext map[uint8][]byte) {
	msg := &protocol.StandardMessage{
		DeviceID:  session.DeviceID,
		Type:      protocol.MsgTypeLocation,
		Timestamp: time.Now().Unix(),
		Lat:       float64(loc.LatitudeE6) / 1000000.0,
		Lon:       float64(loc.LongitudeE6) / 1000000.0,
		Speed:     loc.SpeedKMH(),
		Direction: float64(loc.Bearing),
		Extras: map[string]interface{}{
			"alarm_flag": loc.Alarm,
			"status":     loc.Status,
			"gps_time":   loc.Timestamp,
		},
	}

	msgData, _ := json.Marshal(msg)
	subject := fmt.Sprintf("fms.uplink.%s", msg.Type)
	s.nats.Publish(subject, msgData)
	s.nats.Publish("fms.uplink.all", msgData)
	log.Printf("[Gateway] Published %s message from device %s", msg.Type, session.DeviceID)
}

func (s *TCPServer) registerSession(session *Session) {
	key := fmt.Sprintf("fms:sess:%s", session.DeviceID)
	value := fmt.Sprintf("%s:%s:%s", session.GatewayID, session.ConnID, session.ClientIP)

	err := s.redis.Set(s.ctx, key, value, 300*time.Second).Err()
	if err != nil {
		log.Printf("[Gateway] Failed to register session: %v", err)
		return
	}

	log.Printf("[Gateway] Session registered: %s -> %s", session.DeviceID, value)
}

func (s *TCPServer) updateSessionTTL(session *Session) {
	if session.DeviceID == "" {
		return
	}

	key := fmt.Sprintf("fms:sess:%s", session.DeviceID)
	s.redis.Expire(s.ctx, key, 300*time.Second)

	shadowKey := fmt.Sprintf("fms:shadow:%s", session.DeviceID)
	s.redis.HSet(s.ctx, shadowKey, "ts", time.Now().Unix())
	s.redis.Expire(s.ctx, shadowKey, 24*time.Hour)
}

func (s *TCPServer) cleanupSession(session *Session) {
	log.Printf("[Gateway] Connection closed: %s", session.ConnID)

	if session.DeviceID != "" {
		s.sessions.Delete(session.DeviceID)
		key := fmt.Sprintf("fms:sess:%s", session.DeviceID)
		s.redis.Del(s.ctx, key)
	}
}

func (s *TCPServer) startHTTPServer() {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	log.Printf("[Gateway] HTTP server listening on %s", addr)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.newRouter(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Gateway] HTTP server error: %v", err)
		}
	}()

	<-s.ctx.Done()
	httpServer.Shutdown(context.Background())
}

func (s *TCPServer) startDownlinkConsumer() {
	subject := fmt.Sprintf("gateway.downlink.%s", s.config.GatewayID)
	sub, err := s.nats.Subscribe(subject, func(msg *nats.Msg) {
		var cmd struct {
			DeviceID string                 `json:"device_id"`
			Type     string                 `json:"type"`
			Params   map[string]interface{} `json:"params"`
		}

		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("[Gateway] Failed to unmarshal command: %v", err)
			return
		}

		value, ok := s.sessions.Load(cmd.DeviceID)
		if !ok {
			log.Printf("[Gateway] Device not connected: %s", cmd.DeviceID)
			return
		}

		session := value.(*Session)
		if session.Adapter == nil {
			log.Printf("[Gateway] Protocol not determined for: %s", cmd.DeviceID)
			return
		}

		if cmd.Params == nil {
			cmd.Params = make(map[string]interface{})
		}
		cmd.Params["phone"] = session.DeviceID

		data, err := session.Adapter.Encode(protocol.StandardCommand{
			Type:   cmd.Type,
			Params: cmd.Params,
		})
		if err != nil {
			log.Printf("[Gateway] Failed to encode command: %v", err)
			return
		}

		if _, err := session.Conn.Write(data); err != nil {
			log.Printf("[Gateway] Failed to send command: %v", err)
			return
		}

		log.Printf("[Gateway] Command sent to %s: %s", cmd.DeviceID, cmd.Type)
	})

	if err != nil {
		log.Printf("[Gateway] Failed to subscribe to downlink: %v", err)
		return
	}

	<-s.ctx.Done()
	sub.Unsubscribe()
}
