package jt808

import (
	"fmt"
	"sync/atomic"
	"time"
)

// PlatformClient is the platform-side view of one connected terminal:
// its session parameters, the "upgrading" exclusion flag, and the
// multimedia-upload reassembly state.
type PlatformClient struct {
	PhoneNumber string
	Params      *SessionParams

	upgrading int32 // atomic bool; excludes the client from the service loop's normal dispatch

	mediaBuf      []byte
	mediaFragSize int
	mediaTotalLen int // exact byte count, set once the last fragment is seen
	mediaMeta     MultimediaUpload

	OnLocationReport     func(LocationBasicInfo, map[uint8][]byte)
	OnMultimediaUploaded func(MultimediaUpload)
}

// NewPlatformClient constructs an empty platform-side client record.
func NewPlatformClient(phoneNumber string) *PlatformClient {
	return &PlatformClient{PhoneNumber: phoneNumber, Params: NewSessionParams()}
}

func (c *PlatformClient) IsUpgrading() bool { return atomic.LoadInt32(&c.upgrading) == 1 }
func (c *PlatformClient) setUpgrading(v bool) {
	if v {
		atomic.StoreInt32(&c.upgrading, 1)
	} else {
		atomic.StoreInt32(&c.upgrading, 0)
	}
}

// AcceptHandshake runs the platform's register→auth handshake over an
// already-connected transport, using the supplied read/write primitives
// (kept transport-agnostic so callers can wire their own deadline and
// framing plumbing). readFrame must block until one complete frame is
// available or the deadline passes.
func AcceptHandshake(
	packager *Packager,
	parser *Parser,
	readFrame func() ([]byte, error),
	writeFrame func([]byte) error,
) (*PlatformClient, error) {
	regFrame, err := readFrame()
	if err != nil {
		return nil, fmt.Errorf("jt808: awaiting register: %w", err)
	}
	regParse, err := parser.Parse(regFrame)
	if err != nil || regParse.Head.MsgID != MsgTerminalRegister {
		return nil, fmt.Errorf("jt808: expected 0x0100 register: %v", err)
	}

	client := NewPlatformClient(regParse.Head.PhoneNum)
	client.Params.Register = regParse.Register
	authCode := generateAuthCode()
	client.Params.AuthCode = authCode

	respFrame, err := packager.Package(&PackageRequest{
		Head:           MsgHead{MsgID: MsgRegisterResponse, PhoneNum: client.PhoneNumber, FlowNum: client.Params.NextFlowNum()},
		RespondFlowNum: regParse.Head.FlowNum,
		RegisterResult: RegisterSuccess,
		AuthCode:       authCode,
	})
	if err != nil {
		return nil, err
	}
	if err := writeFrame(respFrame); err != nil {
		return nil, err
	}

	authFrame, err := readFrame()
	if err != nil {
		return nil, fmt.Errorf("jt808: awaiting auth: %w", err)
	}
	authParse, err := parser.Parse(authFrame)
	if err != nil || authParse.Head.MsgID != MsgTerminalAuth || authParse.AuthCode != authCode {
		return nil, fmt.Errorf("jt808: auth code mismatch or parse error: %v", err)
	}

	ackFrame, err := packager.Package(&PackageRequest{
		Head:           MsgHead{MsgID: MsgPlatformGeneralResponse, PhoneNum: client.PhoneNumber, FlowNum: client.Params.NextFlowNum()},
		RespondFlowNum: authParse.Head.FlowNum,
		RespondMsgID:   MsgTerminalAuth,
		RespondResult:  ResultSuccess,
	})
	if err != nil {
		return nil, err
	}
	if err := writeFrame(ackFrame); err != nil {
		return nil, err
	}
	return client, nil
}

// Dispatch applies the platform service loop's per-message rules to one
// decoded inbound frame, returning zero or more response frames to send.
func (c *PlatformClient) Dispatch(packager *Packager, parse *ParseResult) ([][]byte, error) {
	head := parse.Head
	switch head.MsgID {
	case MsgLocationReport:
		c.Params.mu.Lock()
		c.Params.Location, c.Params.Extensions = parse.Location, parse.Extensions
		c.Params.mu.Unlock()
		if c.OnLocationReport != nil {
			c.OnLocationReport(parse.Location, parse.Extensions)
		}
		return c.generalResponse(packager, head, ResultSuccess)
	case MsgGetTerminalParamsResponse:
		c.Params.SetTerminalParams(parse.TerminalParams)
		return nil, nil
	case MsgMultimediaUpload:
		return c.handleMultimediaUpload(packager, head, parse)
	default:
		if IsRespondOnly(head.MsgID) {
			return nil, nil
		}
		return c.generalResponse(packager, head, ResultSuccess)
	}
}

func (c *PlatformClient) generalResponse(packager *Packager, head MsgHead, result GeneralResult) ([][]byte, error) {
	frame, err := packager.Package(&PackageRequest{
		Head:           MsgHead{MsgID: MsgPlatformGeneralResponse, PhoneNum: c.PhoneNumber, FlowNum: c.Params.NextFlowNum()},
		RespondFlowNum: head.FlowNum,
		RespondMsgID:   head.MsgID,
		RespondResult:  result,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (c *PlatformClient) handleMultimediaUpload(packager *Packager, head MsgHead, parse *ParseResult) ([][]byte, error) {
	if !head.BodyAttr.Packet {
		if c.OnMultimediaUploaded != nil {
			c.OnMultimediaUploaded(parse.Media)
		}
		return c.multimediaResponse(packager, parse.Media.MediaID)
	}
	if head.PacketSeq == 1 {
		c.mediaFragSize = len(parse.Media.Data)
		c.mediaBuf = make([]byte, int(head.TotalPackets)*c.mediaFragSize)
		c.mediaMeta = parse.Media
	}
	if c.mediaBuf != nil && c.mediaFragSize > 0 {
		offset := int(head.PacketSeq-1) * c.mediaFragSize
		if offset+len(parse.Media.Data) <= len(c.mediaBuf) {
			copy(c.mediaBuf[offset:], parse.Media.Data)
			if head.PacketSeq == head.TotalPackets {
				c.mediaTotalLen = offset + len(parse.Media.Data)
			}
		}
	}
	if head.PacketSeq != head.TotalPackets {
		return nil, nil
	}
	complete := c.mediaMeta
	complete.Data = c.mediaBuf[:c.mediaTotalLen]
	if c.OnMultimediaUploaded != nil {
		c.OnMultimediaUploaded(complete)
	}
	c.mediaBuf = nil
	c.mediaTotalLen = 0
	return c.multimediaResponse(packager, complete.MediaID)
}

func (c *PlatformClient) multimediaResponse(packager *Packager, mediaID uint32) ([][]byte, error) {
	frame, err := packager.Package(&PackageRequest{
		Head:  MsgHead{MsgID: MsgMultimediaUploadResponse, PhoneNum: c.PhoneNumber, FlowNum: c.Params.NextFlowNum()},
		Media: MultimediaUpload{MediaID: mediaID},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// UpgradeRequest drives the platform→terminal firmware push: if the
// payload exceeds maxFragment bytes it is segmented and each fragment is
// sent and acknowledged in turn (aborting on the first non-success
// result); otherwise it is sent whole. The caller supplies the blocking
// send/await-ack primitives, matching AcceptHandshake's transport-agnostic
// shape. The client is marked "upgrading" for the duration, so the
// server's service loop must skip it until this returns.
func UpgradeRequest(
	packager *Packager,
	parser *Parser,
	client *PlatformClient,
	upgradeType uint8,
	manufacturer string,
	version string,
	file []byte,
	maxFragment int,
	ackDeadline time.Duration,
	writeFrame func([]byte) error,
	readFrameWithin func(time.Duration) ([]byte, error),
) error {
	client.setUpgrading(true)
	defer client.setUpgrading(false)

	if len(file) <= maxFragment {
		frame, err := packager.Package(&PackageRequest{
			Head:        MsgHead{MsgID: MsgTerminalUpgrade, PhoneNum: client.PhoneNumber, FlowNum: client.Params.NextFlowNum()},
			UpgradeInfo: UpgradeInfo{Type: upgradeType, Manufacturer: manufacturer, Version: version, Data: file},
		})
		if err != nil {
			return err
		}
		if err := writeFrame(frame); err != nil {
			return err
		}
		return awaitUpgradeAck(parser, readFrameWithin, ackDeadline)
	}

	total := (len(file) + maxFragment - 1) / maxFragment
	for seq := 1; seq <= total; seq++ {
		start := (seq - 1) * maxFragment
		end := start + maxFragment
		if end > len(file) {
			end = len(file)
		}
		head := MsgHead{
			MsgID:        MsgTerminalUpgrade,
			PhoneNum:     client.PhoneNumber,
			FlowNum:      client.Params.NextFlowNum(),
			TotalPackets: uint16(total),
			PacketSeq:    uint16(seq),
		}
		head.BodyAttr.Packet = true
		frame, err := packager.Package(&PackageRequest{
			Head:        head,
			UpgradeInfo: UpgradeInfo{Type: upgradeType, Manufacturer: manufacturer, Version: version, Data: file[start:end]},
		})
		if err != nil {
			return err
		}
		if err := writeFrame(frame); err != nil {
			return err
		}
		if err := awaitUpgradeAck(parser, readFrameWithin, ackDeadline); err != nil {
			return fmt.Errorf("jt808: upgrade fragment %d/%d not acked: %w", seq, total, err)
		}
	}
	return nil
}

func awaitUpgradeAck(parser *Parser, readFrameWithin func(time.Duration) ([]byte, error), deadline time.Duration) error {
	frame, err := readFrameWithin(deadline)
	if err != nil {
		return err
	}
	parse, err := parser.Parse(frame)
	if err != nil {
		return err
	}
	if parse.Head.MsgID != MsgTerminalGeneralResponse || parse.RespondResult != ResultSuccess {
		return fmt.Errorf("jt808: terminal rejected upgrade fragment: result=%d", parse.RespondResult)
	}
	return nil
}
