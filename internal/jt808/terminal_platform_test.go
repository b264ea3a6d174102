package jt808

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// platformSide drives the server half of one connection: accept the
// handshake, then dispatch frames until a read fails (the connection
// closes or no frame arrives within 5 s).
func platformSide(t *testing.T, conn net.Conn, got chan<- LocationBasicInfo) {
	t.Helper()
	packager := NewPackager()
	parser := NewParser()
	reader := bufio.NewReader(conn)
	var pending []byte

	readFrame := func() ([]byte, error) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		defer conn.SetReadDeadline(time.Time{})
		for {
			if frame, rest, ok := ScanFrame(pending); ok {
				pending = rest
				return frame, nil
			}
			buf := make([]byte, 4096)
			n, err := reader.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	writeFrame := func(frame []byte) error {
		_, err := conn.Write(frame)
		return err
	}

	client, err := AcceptHandshake(packager, parser, readFrame, writeFrame)
	require.NoError(t, err)

	client.OnLocationReport = func(loc LocationBasicInfo, ext map[uint8][]byte) {
		select {
		case got <- loc:
		default:
		}
	}

	for {
		frame, err := readFrame()
		if err != nil {
			return
		}
		parse, err := parser.Parse(frame)
		if err != nil {
			continue
		}
		responses, err := client.Dispatch(packager, parse)
		if err != nil {
			continue
		}
		for _, resp := range responses {
			writeFrame(resp)
		}
	}
}

func TestTerminalPlatform_RegisterAuthenticateAndReportLocation(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	got := make(chan LocationBasicInfo, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		platformSide(t, conn, got)
	}()

	cfg := TerminalConfig{
		RemoteAddr:            listener.Addr().String(),
		PhoneNumber:           "13395279527",
		Register:              RegisterInfo{Province: 31, City: 115, Manufacturer: "ACME1", Model: "TestUnit", TerminalID: "TID0001", PlateColor: PlateBlue, PlateNumber: "TEST001"},
		ReportIntervalS:       1,
		RegisterAuthDeadlineS: 5,
	}
	session := NewTerminalSession(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	require.NoError(t, session.RegisterAndAuthenticate())
	require.Equal(t, StateAuthenticated, session.State())

	loc := LocationBasicInfo{
		Status:      StatusACCOn | StatusPositioned,
		LatitudeE6:  31_230_000,
		LongitudeE6: 121_470_000,
		Timestamp:   "260730120000",
	}
	session.UpdateLocation(loc)

	go session.Run()
	defer session.Stop()

	select {
	case reported := <-got:
		require.Equal(t, loc.LatitudeE6, reported.LatitudeE6)
		require.Equal(t, loc.LongitudeE6, reported.LongitudeE6)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for location report")
	}
}
