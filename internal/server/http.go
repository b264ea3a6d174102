package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"openfms/gateway/internal/jt808"
	"openfms/gateway/internal/protocol"
)

// jwtAuthMiddleware gates every route but /health behind a bearer token,
// stashing the parsed claims in the gin context the way the sibling
// management API's handlers expect to find them.
func jwtAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// newRouter builds the gin-based management API: the teacher's generic
// health/sessions/send-command routes plus JT808-specific terminal
// parameter, geofence, and upgrade endpoints.
func (s *TCPServer) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway_id": s.config.GatewayID})
	})

	authorized := r.Group("/")
	authorized.Use(jwtAuthMiddleware(s.config.JWTSecret))
	{
		authorized.GET("/sessions", s.ginHandleSessions)
		authorized.POST("/send-command", s.ginHandleSendCommand)
		authorized.GET("/terminals/:phone/params", s.ginGetTerminalParams)
		authorized.POST("/terminals/:phone/params", s.ginSetTerminalParams)
		authorized.POST("/terminals/:phone/areas", s.ginSetPolygonArea)
		authorized.DELETE("/terminals/:phone/areas/:id", s.ginDeletePolygonArea)
		authorized.POST("/terminals/:phone/upgrade", s.ginUpgradeTerminal)
	}

	return r
}

func (s *TCPServer) ginHandleSessions(c *gin.Context) {
	sessions := make([]map[string]interface{}, 0)
	s.sessions.Range(func(key, value interface{}) bool {
		if session, ok := value.(*Session); ok {
			sessions = append(sessions, map[string]interface{}{
				"conn_id":     session.ConnID,
				"device_id":   session.DeviceID,
				"client_ip":   session.ClientIP,
				"protocol":    session.Adapter.Protocol(),
				"last_active": session.LastActive,
			})
		}
		return true
	})
	c.JSON(http.StatusOK, sessions)
}

func (s *TCPServer) ginHandleSendCommand(c *gin.Context) {
	var req struct {
		DeviceID string                 `json:"device_id"`
		Type     string                 `json:"type"`
		Params   map[string]interface{} `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, ok := s.sessionFor(req.DeviceID, c)
	if !ok {
		return
	}

	if req.Params == nil {
		req.Params = make(map[string]interface{})
	}
	req.Params["phone"] = session.DeviceID

	data, err := session.Adapter.Encode(protocol.StandardCommand{Type: req.Type, Params: req.Params})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := session.Conn.Write(data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *TCPServer) sessionFor(phone string, c *gin.Context) (*Session, bool) {
	value, ok := s.sessions.Load(phone)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not connected"})
		return nil, false
	}
	session := value.(*Session)
	if session.Platform == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "terminal not authenticated"})
		return nil, false
	}
	return session, true
}

func (s *TCPServer) ginGetTerminalParams(c *gin.Context) {
	session, ok := s.sessionFor(c.Param("phone"), c)
	if !ok {
		return
	}
	snapshot := session.Platform.Params.Snapshot()
	c.JSON(http.StatusOK, gin.H{"params": snapshot.TerminalParams})
}

func (s *TCPServer) ginSetTerminalParams(c *gin.Context) {
	session, ok := s.sessionFor(c.Param("phone"), c)
	if !ok {
		return
	}

	var req struct {
		Params map[string]string `json:"params"` // hex-encoded values, keyed by decimal param id
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	set := make(map[uint32][]byte, len(req.Params))
	for idStr, hexVal := range req.Params {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid param id: " + idStr})
			return
		}
		val, err := parseHex(hexVal)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid param value for " + idStr})
			return
		}
		set[uint32(id)] = val
	}

	body, err := s.detector.Packager().Package(&jt808.PackageRequest{
		Head:      jt808.MsgHead{MsgID: jt808.MsgSetTerminalParams, PhoneNum: session.DeviceID, FlowNum: session.Platform.Params.NextFlowNum()},
		SetParams: set,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := session.Conn.Write(body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *TCPServer) ginSetPolygonArea(c *gin.Context) {
	session, ok := s.sessionFor(c.Param("phone"), c)
	if !ok {
		return
	}

	var req struct {
		AreaID      uint32  `json:"area_id"`
		MaxSpeedKMH uint16  `json:"max_speed_kmh"`
		Vertices    [][2]float64 `json:"vertices"` // [lat, lon] pairs in degrees
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vertices := make([]jt808.Vertex, 0, len(req.Vertices))
	for _, v := range req.Vertices {
		vertices = append(vertices, jt808.Vertex{
			LatitudeE6:  uint32(int64(v[0] * 1000000)),
			LongitudeE6: uint32(int64(v[1] * 1000000)),
		})
	}

	area := jt808.PolygonArea{AreaID: req.AreaID, MaxSpeedKMH: req.MaxSpeedKMH, Vertices: vertices}
	body, err := s.detector.Packager().Package(&jt808.PackageRequest{
		Head: jt808.MsgHead{MsgID: jt808.MsgSetPolygonArea, PhoneNum: session.DeviceID, FlowNum: session.Platform.Params.NextFlowNum()},
		Area: area,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := session.Conn.Write(body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	session.Platform.Params.Areas.Upsert(area)
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *TCPServer) ginDeletePolygonArea(c *gin.Context) {
	session, ok := s.sessionFor(c.Param("phone"), c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid area id"})
		return
	}

	body, err := s.detector.Packager().Package(&jt808.PackageRequest{
		Head:    jt808.MsgHead{MsgID: jt808.MsgDeletePolygonArea, PhoneNum: session.DeviceID, FlowNum: session.Platform.Params.NextFlowNum()},
		AreaIDs: []uint32{uint32(id)},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := session.Conn.Write(body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	session.Platform.Params.Areas.Delete(uint32(id))
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *TCPServer) ginUpgradeTerminal(c *gin.Context) {
	session, ok := s.sessionFor(c.Param("phone"), c)
	if !ok {
		return
	}
	if session.Platform.IsUpgrading() {
		c.JSON(http.StatusConflict, gin.H{"error": "upgrade already in progress"})
		return
	}

	var req struct {
		Type         uint8  `json:"type"`
		Manufacturer string `json:"manufacturer"`
		Version      string `json:"version"`
		DataHex      string `json:"data_hex"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := parseHex(req.DataHex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid firmware data"})
		return
	}

	go func() {
		// Switch the session's sole reader goroutine to feed this goroutine
		// instead of the service loop for the duration of the push, so the
		// two never race over the same ack frames.
		session.beginUpgradeRouting()
		defer session.endUpgradeRouting()
		err := jt808.UpgradeRequest(
			s.detector.Packager(), s.detector.Parser(), session.Platform,
			req.Type, req.Manufacturer, req.Version, data, s.config.MaxFragmentBytes,
			10*time.Second, session.writeFrame,
			session.readUpgradeFrame,
		)
		if err != nil {
			fmt.Printf("[Gateway] upgrade push to %s failed: %v\n", session.DeviceID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "upgrade started"})
}

func parseHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
