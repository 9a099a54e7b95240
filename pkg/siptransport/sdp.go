package siptransport

import (
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// MediaDirection - направление медиа потока в SDP.
type MediaDirection string

const (
	DirectionSendRecv MediaDirection = "sendrecv"
	DirectionSendOnly MediaDirection = "sendonly"
	DirectionRecvOnly MediaDirection = "recvonly"
	DirectionInactive MediaDirection = "inactive"
)

// sdpConfig описывает параметры генерируемых SDP offer/answer.
// Движок не управляет медиа, поэтому offer статичен: один аудио поток
// G.711u с telephone-event для DTMF.
type sdpConfig struct {
	Host            string
	Port            int
	SessionName     string
	PayloadType     uint8
	DTMFPayloadType uint8
}

func defaultSDPConfig(host string, port int) sdpConfig {
	return sdpConfig{
		Host:            host,
		Port:            port,
		SessionName:     "call",
		PayloadType:     0, // PCMU
		DTMFPayloadType: 101,
	}
}

// buildSDP создает SDP с указанным направлением медиа.
// Удержание кодируется направлением: sendonly при постановке,
// sendrecv при снятии.
func buildSDP(cfg sdpConfig, direction MediaDirection) ([]byte, error) {
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cfg.Host,
		},
		SessionName: sdp.SessionName(cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	pt := strconv.Itoa(int(cfg.PayloadType))
	dtmfPT := strconv.Itoa(int(cfg.DTMFPayloadType))

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: cfg.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt, dtmfPT},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.Host},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", pt+" PCMU/8000"),
			sdp.NewAttribute("rtpmap", dtmfPT+" telephone-event/8000"),
			sdp.NewAttribute("fmtp", dtmfPT+" 0-16"),
			sdp.NewAttribute("ptime", "20"),
			sdp.NewPropertyAttribute(string(direction)),
		},
	}

	desc.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}

	raw, err := desc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal sdp")
	}
	return raw, nil
}

// parseDirection извлекает направление медиа из SDP тела.
// Атрибут на уровне медиа имеет приоритет над сессионным; отсутствие
// атрибута означает sendrecv (RFC 3264).
func parseDirection(body []byte) (MediaDirection, error) {
	if len(body) == 0 {
		return DirectionSendRecv, nil
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return DirectionSendRecv, errors.Wrap(err, "unmarshal sdp")
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		if dir, ok := directionFromAttributes(media.Attributes); ok {
			return dir, nil
		}
	}
	if dir, ok := directionFromAttributes(desc.Attributes); ok {
		return dir, nil
	}
	return DirectionSendRecv, nil
}

func directionFromAttributes(attrs []sdp.Attribute) (MediaDirection, bool) {
	for _, attr := range attrs {
		switch MediaDirection(attr.Key) {
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
			return MediaDirection(attr.Key), true
		}
	}
	return "", false
}

// isHold сообщает, кодирует ли направление удержание со стороны
// отправителя SDP.
func (d MediaDirection) isHold() bool {
	return d == DirectionSendOnly || d == DirectionInactive
}
