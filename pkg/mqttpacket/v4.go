package mqttpacket

import (
	"bufio"
	"bytes"
	"io"
)

// MQTT 3.1.1 protocol name and level.
const (
	protocolNameV4  = "MQTT"
	protocolLevelV4 = 4
)

// V4Packet is the interface implemented by every MQTT 3.1.1 packet.
type V4Packet interface {
	PacketType() byte
	Encode() ([]byte, error)
}

// V4Connect represents a CONNECT packet (MQTT 3.1.1).
type V4Connect struct {
	ClientID     string
	Username     string
	Password     []byte
	CleanSession bool
	KeepAlive    uint16
	WillTopic    string
	WillMessage  []byte
	WillQoS      QoS
	WillRetain   bool
}

func (p *V4Connect) PacketType() byte { return Connect }

func (p *V4Connect) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeString(&buf, protocolNameV4); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, protocolLevelV4); err != nil {
		return nil, err
	}

	var flags byte
	if p.CleanSession {
		flags |= 0x02
	}
	if p.WillTopic != "" {
		flags |= 0x04
		flags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if len(p.Password) > 0 {
		flags |= 0x40
	}
	if p.Username != "" {
		flags |= 0x80
	}
	if err := writeByte(&buf, flags); err != nil {
		return nil, err
	}

	if err := writeUint16(&buf, p.KeepAlive); err != nil {
		return nil, err
	}

	if err := writeString(&buf, p.ClientID); err != nil {
		return nil, err
	}
	if p.WillTopic != "" {
		if err := writeString(&buf, p.WillTopic); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, p.WillMessage); err != nil {
			return nil, err
		}
	}
	if p.Username != "" {
		if err := writeString(&buf, p.Username); err != nil {
			return nil, err
		}
	}
	if len(p.Password) > 0 {
		if err := writeBytes(&buf, p.Password); err != nil {
			return nil, err
		}
	}

	return encodePacket(Connect, 0, buf.Bytes()), nil
}

// V4ConnAck represents a CONNACK packet (MQTT 3.1.1).
type V4ConnAck struct {
	SessionPresent bool
	ReturnCode     ConnectReturnCode
}

func (p *V4ConnAck) PacketType() byte { return ConnAck }

func (p *V4ConnAck) Encode() ([]byte, error) {
	var buf bytes.Buffer
	var flags byte
	if p.SessionPresent {
		flags |= 0x01
	}
	if err := writeByte(&buf, flags); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, byte(p.ReturnCode)); err != nil {
		return nil, err
	}
	return encodePacket(ConnAck, 0, buf.Bytes()), nil
}

// V4Publish represents a PUBLISH packet (MQTT 3.1.1).
type V4Publish struct {
	Topic    string
	Payload  []byte
	Retain   bool
	Dup      bool
	QoS      QoS
	PacketID uint16
}

func (p *V4Publish) PacketType() byte { return Publish }

func (p *V4Publish) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeString(&buf, p.Topic); err != nil {
		return nil, err
	}
	if p.QoS > 0 {
		if err := writeUint16(&buf, p.PacketID); err != nil {
			return nil, err
		}
	}
	if _, err := buf.Write(p.Payload); err != nil {
		return nil, err
	}

	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}

	return encodePacket(Publish, flags, buf.Bytes()), nil
}

// v4AckWithID is the shared shape of PUBACK, PUBREC, PUBREL, and PUBCOMP,
// which in MQTT 3.1.1 carry nothing but a packet identifier.
type v4AckWithID struct {
	packetType byte
	flags      byte
	PacketID   uint16
}

func (p *v4AckWithID) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	return encodePacket(p.packetType, p.flags, buf.Bytes()), nil
}

// V4PubAck represents a PUBACK packet (MQTT 3.1.1), acknowledging a QoS 1
// PUBLISH.
type V4PubAck struct{ PacketID uint16 }

func (p *V4PubAck) PacketType() byte { return PubAck }
func (p *V4PubAck) Encode() ([]byte, error) {
	return (&v4AckWithID{packetType: PubAck, PacketID: p.PacketID}).encode()
}

// V4PubRec represents a PUBREC packet (MQTT 3.1.1), the first half of the
// QoS 2 handshake.
type V4PubRec struct{ PacketID uint16 }

func (p *V4PubRec) PacketType() byte { return PubRec }
func (p *V4PubRec) Encode() ([]byte, error) {
	return (&v4AckWithID{packetType: PubRec, PacketID: p.PacketID}).encode()
}

// V4PubRel represents a PUBREL packet (MQTT 3.1.1). PUBREL always has
// fixed flags 0x02.
type V4PubRel struct{ PacketID uint16 }

func (p *V4PubRel) PacketType() byte { return PubRel }
func (p *V4PubRel) Encode() ([]byte, error) {
	return (&v4AckWithID{packetType: PubRel, flags: 0x02, PacketID: p.PacketID}).encode()
}

// V4PubComp represents a PUBCOMP packet (MQTT 3.1.1), completing the QoS 2
// handshake.
type V4PubComp struct{ PacketID uint16 }

func (p *V4PubComp) PacketType() byte { return PubComp }
func (p *V4PubComp) Encode() ([]byte, error) {
	return (&v4AckWithID{packetType: PubComp, PacketID: p.PacketID}).encode()
}

// V4Subscription is a single (topic filter, requested QoS) pair within a
// SUBSCRIBE packet.
type V4Subscription struct {
	Topic string
	QoS   QoS
}

// V4Subscribe represents a SUBSCRIBE packet (MQTT 3.1.1).
type V4Subscribe struct {
	PacketID      uint16
	Subscriptions []V4Subscription
}

func (p *V4Subscribe) PacketType() byte { return Subscribe }

func (p *V4Subscribe) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	for _, sub := range p.Subscriptions {
		if err := writeString(&buf, sub.Topic); err != nil {
			return nil, err
		}
		if err := writeByte(&buf, byte(sub.QoS)); err != nil {
			return nil, err
		}
	}
	return encodePacket(Subscribe, 0x02, buf.Bytes()), nil
}

// V4SubAck represents a SUBACK packet (MQTT 3.1.1).
type V4SubAck struct {
	PacketID    uint16
	ReturnCodes []byte // 0x00=QoS0, 0x01=QoS1, 0x02=QoS2, 0x80=Failure
}

func (p *V4SubAck) PacketType() byte { return SubAck }

func (p *V4SubAck) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	if _, err := buf.Write(p.ReturnCodes); err != nil {
		return nil, err
	}
	return encodePacket(SubAck, 0, buf.Bytes()), nil
}

// V4Unsubscribe represents an UNSUBSCRIBE packet (MQTT 3.1.1).
type V4Unsubscribe struct {
	PacketID uint16
	Topics   []string
}

func (p *V4Unsubscribe) PacketType() byte { return Unsubscribe }

func (p *V4Unsubscribe) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	for _, topic := range p.Topics {
		if err := writeString(&buf, topic); err != nil {
			return nil, err
		}
	}
	return encodePacket(Unsubscribe, 0x02, buf.Bytes()), nil
}

// V4UnsubAck represents an UNSUBACK packet (MQTT 3.1.1).
type V4UnsubAck struct{ PacketID uint16 }

func (p *V4UnsubAck) PacketType() byte { return UnsubAck }

func (p *V4UnsubAck) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	return encodePacket(UnsubAck, 0, buf.Bytes()), nil
}

// V4PingReq represents a PINGREQ packet.
type V4PingReq struct{}

func (p *V4PingReq) PacketType() byte          { return PingReq }
func (p *V4PingReq) Encode() ([]byte, error) { return encodePacket(PingReq, 0, nil), nil }

// V4PingResp represents a PINGRESP packet.
type V4PingResp struct{}

func (p *V4PingResp) PacketType() byte          { return PingResp }
func (p *V4PingResp) Encode() ([]byte, error) { return encodePacket(PingResp, 0, nil), nil }

// V4Disconnect represents a DISCONNECT packet.
type V4Disconnect struct{}

func (p *V4Disconnect) PacketType() byte          { return Disconnect }
func (p *V4Disconnect) Encode() ([]byte, error) { return encodePacket(Disconnect, 0, nil), nil }

// ReadV4Packet reads a single MQTT 3.1.1 packet from a buffered reader.
func ReadV4Packet(r *bufio.Reader, maxSize int) (V4Packet, error) {
	packetType, flags, remainingLength, err := readFixedHeader(r)
	if err != nil {
		return nil, err
	}
	if remainingLength > maxSize {
		return nil, ErrPacketTooLarge
	}

	payload := make([]byte, remainingLength)
	if remainingLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	pr := bytes.NewReader(payload)

	switch packetType {
	case Connect:
		return decodeV4Connect(pr)
	case ConnAck:
		return decodeV4ConnAck(pr)
	case Publish:
		return decodeV4Publish(pr, flags, remainingLength)
	case PubAck:
		return decodeV4AckWithID(pr, PubAck)
	case PubRec:
		return decodeV4AckWithID(pr, PubRec)
	case PubRel:
		return decodeV4AckWithID(pr, PubRel)
	case PubComp:
		return decodeV4AckWithID(pr, PubComp)
	case Subscribe:
		return decodeV4Subscribe(pr, remainingLength)
	case SubAck:
		return decodeV4SubAck(pr, remainingLength)
	case Unsubscribe:
		return decodeV4Unsubscribe(pr, remainingLength)
	case UnsubAck:
		return decodeV4UnsubAck(pr)
	case PingReq:
		return &V4PingReq{}, nil
	case PingResp:
		return &V4PingResp{}, nil
	case Disconnect:
		return &V4Disconnect{}, nil
	default:
		return nil, &ProtocolError{Message: "unknown packet type"}
	}
}

func decodeV4Connect(r io.Reader) (*V4Connect, error) {
	protocolName, err := readString(r)
	if err != nil {
		return nil, err
	}
	if protocolName != protocolNameV4 {
		return nil, &ProtocolError{Message: "invalid protocol name"}
	}

	protocolLevel, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if protocolLevel != protocolLevelV4 {
		return nil, &ProtocolError{Message: "unsupported protocol level"}
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}

	cleanSession := flags&0x02 != 0
	willFlag := flags&0x04 != 0
	willQoS := QoS((flags >> 3) & 0x03)
	willRetain := flags&0x20 != 0
	passwordFlag := flags&0x40 != 0
	usernameFlag := flags&0x80 != 0

	keepAlive, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	clientID, err := readString(r)
	if err != nil {
		return nil, err
	}

	p := &V4Connect{
		ClientID:     clientID,
		CleanSession: cleanSession,
		KeepAlive:    keepAlive,
	}

	if willFlag {
		p.WillTopic, err = readString(r)
		if err != nil {
			return nil, err
		}
		p.WillMessage, err = readBytes(r)
		if err != nil {
			return nil, err
		}
		p.WillQoS = willQoS
		p.WillRetain = willRetain
	}

	if usernameFlag {
		p.Username, err = readString(r)
		if err != nil {
			return nil, err
		}
	}

	if passwordFlag {
		p.Password, err = readBytes(r)
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func decodeV4ConnAck(r io.Reader) (*V4ConnAck, error) {
	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	returnCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	return &V4ConnAck{
		SessionPresent: flags&0x01 != 0,
		ReturnCode:     ConnectReturnCode(returnCode),
	}, nil
}

func decodeV4Publish(r io.Reader, flags byte, remainingLength int) (*V4Publish, error) {
	dup := flags&0x08 != 0
	qos := QoS((flags >> 1) & 0x03)
	retain := flags&0x01 != 0

	topic, err := readString(r)
	if err != nil {
		return nil, err
	}

	payloadLength := remainingLength - 2 - len(topic)

	var packetID uint16
	if qos > 0 {
		packetID, err = readUint16(r)
		if err != nil {
			return nil, err
		}
		payloadLength -= 2
	}

	var payload []byte
	if payloadLength > 0 {
		payload = make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &V4Publish{
		Topic:    topic,
		Payload:  payload,
		Retain:   retain,
		Dup:      dup,
		QoS:      qos,
		PacketID: packetID,
	}, nil
}

func decodeV4AckWithID(r io.Reader, packetType byte) (V4Packet, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	switch packetType {
	case PubAck:
		return &V4PubAck{PacketID: packetID}, nil
	case PubRec:
		return &V4PubRec{PacketID: packetID}, nil
	case PubRel:
		return &V4PubRel{PacketID: packetID}, nil
	case PubComp:
		return &V4PubComp{PacketID: packetID}, nil
	default:
		return nil, &ProtocolError{Message: "not an ack-with-id packet"}
	}
}

func decodeV4Subscribe(r io.Reader, remainingLength int) (*V4Subscribe, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	bytesRead := 2
	var subs []V4Subscription
	for bytesRead < remainingLength {
		topic, err := readString(r)
		if err != nil {
			return nil, err
		}
		bytesRead += 2 + len(topic)

		qos, err := readByte(r)
		if err != nil {
			return nil, err
		}
		bytesRead++

		subs = append(subs, V4Subscription{Topic: topic, QoS: QoS(qos & 0x03)})
	}

	return &V4Subscribe{PacketID: packetID, Subscriptions: subs}, nil
}

func decodeV4SubAck(r io.Reader, remainingLength int) (*V4SubAck, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	returnCodes := make([]byte, remainingLength-2)
	if _, err := io.ReadFull(r, returnCodes); err != nil {
		return nil, err
	}
	return &V4SubAck{PacketID: packetID, ReturnCodes: returnCodes}, nil
}

func decodeV4Unsubscribe(r io.Reader, remainingLength int) (*V4Unsubscribe, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	bytesRead := 2
	var topics []string
	for bytesRead < remainingLength {
		topic, err := readString(r)
		if err != nil {
			return nil, err
		}
		bytesRead += 2 + len(topic)
		topics = append(topics, topic)
	}
	return &V4Unsubscribe{PacketID: packetID, Topics: topics}, nil
}

func decodeV4UnsubAck(r io.Reader) (*V4UnsubAck, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	return &V4UnsubAck{PacketID: packetID}, nil
}

// WriteV4Packet encodes and writes a MQTT 3.1.1 packet.
func WriteV4Packet(w io.Writer, p V4Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
