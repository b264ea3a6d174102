package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openfms/gateway/internal/jt808"
)

func main() {
	remoteAddr := flag.String("remote", "127.0.0.1:8080", "platform address (host:port)")
	phone := flag.String("phone", "13395279527", "terminal phone number (up to 12 digits)")
	province := flag.Uint("province", 11, "register province code")
	city := flag.Uint("city", 1, "register city code")
	manufacturer := flag.String("manufacturer", "OFMS0", "5-byte manufacturer id")
	model := flag.String("model", "T808", "20-byte terminal model")
	terminalID := flag.String("terminal-id", "T000001", "7-byte terminal id")
	plate := flag.String("plate", "京A00001", "vehicle plate number")
	reportIntervalS := flag.Int("report-interval", 10, "location report interval in seconds")
	flag.Parse()

	log.Println("[Terminal] Starting JT808 terminal agent...")

	cfg := jt808.TerminalConfig{
		RemoteAddr:      *remoteAddr,
		PhoneNumber:     *phone,
		ReportIntervalS: *reportIntervalS,
		Register: jt808.RegisterInfo{
			Province:     uint16(*province),
			City:         uint16(*city),
			Manufacturer: *manufacturer,
			Model:        *model,
			TerminalID:   *terminalID,
			PlateColor:   jt808.PlateBlue,
			PlateNumber:  *plate,
		},
	}

	session := jt808.NewTerminalSession(cfg)
	session.OnTerminalParameterUpdated = func() {
		log.Println("[Terminal] Terminal parameters updated by platform")
	}
	session.OnPolygonAreaUpdated = func() {
		log.Println("[Terminal] Geofence areas updated by platform")
	}
	session.OnUpgrade = func(upgradeType uint8, data []byte) {
		log.Printf("[Terminal] Firmware upgrade applied: type=%d bytes=%d", upgradeType, len(data))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := session.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("[Terminal] Failed to connect to %s: %v", *remoteAddr, err)
	}
	cancel()
	log.Printf("[Terminal] Connected to %s", *remoteAddr)

	if err := session.RegisterAndAuthenticate(); err != nil {
		log.Fatalf("[Terminal] Register/authenticate failed: %v", err)
	}
	log.Printf("[Terminal] Authenticated as %s", *phone)

	go session.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Terminal] Shutting down...")
	session.Stop()
	log.Println("[Terminal] Stopped")
}
