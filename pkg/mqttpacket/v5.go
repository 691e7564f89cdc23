package mqttpacket

import (
	"bufio"
	"bytes"
	"io"
)

// MQTT 5.0 protocol name and level.
const (
	protocolNameV5  = "MQTT"
	protocolLevelV5 = 5
)

// V5Packet is the interface implemented by every MQTT 5.0 packet.
type V5Packet interface {
	PacketType() byte
	Encode() ([]byte, error)
}

// V5Connect represents a CONNECT packet (MQTT 5.0).
type V5Connect struct {
	ClientID    string
	Username    string
	Password    []byte
	CleanStart  bool
	KeepAlive   uint16
	Properties  *V5Properties
	WillTopic   string
	WillMessage []byte
	WillQoS     QoS
	WillRetain  bool
	WillProps   *V5Properties
}

func (p *V5Connect) PacketType() byte { return Connect }

func (p *V5Connect) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeString(&buf, protocolNameV5); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, protocolLevelV5); err != nil {
		return nil, err
	}

	var flags byte
	if p.CleanStart {
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

	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}

	if err := writeString(&buf, p.ClientID); err != nil {
		return nil, err
	}

	if p.WillTopic != "" {
		if err := encodeV5Properties(&buf, p.WillProps); err != nil {
			return nil, err
		}
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

// V5ConnAck represents a CONNACK packet (MQTT 5.0).
type V5ConnAck struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     *V5Properties
}

func (p *V5ConnAck) PacketType() byte { return ConnAck }

func (p *V5ConnAck) Encode() ([]byte, error) {
	var buf bytes.Buffer
	var flags byte
	if p.SessionPresent {
		flags |= 0x01
	}
	if err := writeByte(&buf, flags); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, byte(p.ReasonCode)); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}
	return encodePacket(ConnAck, 0, buf.Bytes()), nil
}

// V5Publish represents a PUBLISH packet (MQTT 5.0).
type V5Publish struct {
	Topic      string
	Payload    []byte
	Retain     bool
	Dup        bool
	QoS        QoS
	PacketID   uint16
	Properties *V5Properties
}

func (p *V5Publish) PacketType() byte { return Publish }

func (p *V5Publish) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeString(&buf, p.Topic); err != nil {
		return nil, err
	}
	if p.QoS > 0 {
		if err := writeUint16(&buf, p.PacketID); err != nil {
			return nil, err
		}
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
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

// V5PubAck is a PUBACK packet (MQTT 5.0). PUBACK, PUBREC, PUBREL, and PUBCOMP
// share one wire shape, handled by encodeV5AckWithReason and
// decodeV5AckWithReason: packet id, optional reason code, optional
// properties. The reason code and properties are both omitted on the wire
// when the reason is Success and there are no properties (MQTT-5.0 §3.4.2.1
// and siblings).
type V5PubAck struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *V5Properties
}

func (p *V5PubAck) PacketType() byte  { return PubAck }
func (p *V5PubAck) Encode() ([]byte, error) {
	return encodeV5AckWithReason(PubAck, 0, p.PacketID, p.ReasonCode, p.Properties)
}

// V5PubRec represents a PUBREC packet (MQTT 5.0), the first half of the
// QoS 2 handshake.
type V5PubRec struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *V5Properties
}

func (p *V5PubRec) PacketType() byte { return PubRec }
func (p *V5PubRec) Encode() ([]byte, error) {
	return encodeV5AckWithReason(PubRec, 0, p.PacketID, p.ReasonCode, p.Properties)
}

// V5PubRel represents a PUBREL packet (MQTT 5.0). PUBREL always has fixed
// flags 0x02.
type V5PubRel struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *V5Properties
}

func (p *V5PubRel) PacketType() byte { return PubRel }
func (p *V5PubRel) Encode() ([]byte, error) {
	return encodeV5AckWithReason(PubRel, 0x02, p.PacketID, p.ReasonCode, p.Properties)
}

// V5PubComp represents a PUBCOMP packet (MQTT 5.0), completing the QoS 2
// handshake.
type V5PubComp struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *V5Properties
}

func (p *V5PubComp) PacketType() byte { return PubComp }
func (p *V5PubComp) Encode() ([]byte, error) {
	return encodeV5AckWithReason(PubComp, 0, p.PacketID, p.ReasonCode, p.Properties)
}

func encodeV5AckWithReason(packetType, flags byte, packetID uint16, reason ReasonCode, props *V5Properties) ([]byte, error) {
	if reason == ReasonSuccess && props == nil {
		var buf bytes.Buffer
		if err := writeUint16(&buf, packetID); err != nil {
			return nil, err
		}
		return encodePacket(packetType, flags, buf.Bytes()), nil
	}

	var buf bytes.Buffer
	if err := writeUint16(&buf, packetID); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, byte(reason)); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, props); err != nil {
		return nil, err
	}
	return encodePacket(packetType, flags, buf.Bytes()), nil
}

func decodeV5AckWithReason(r *bytes.Reader, remainingLength int) (packetID uint16, reason ReasonCode, props *V5Properties, err error) {
	packetID, err = readUint16(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if remainingLength == 2 {
		return packetID, ReasonSuccess, nil, nil
	}
	b, err := readByte(r)
	if err != nil {
		return 0, 0, nil, err
	}
	reason = ReasonCode(b)
	if remainingLength > 3 {
		props, err = decodeV5Properties(r)
		if err != nil {
			return 0, 0, nil, err
		}
	}
	return packetID, reason, props, nil
}

// V5SubscribeFilter is a single filter within a SUBSCRIBE packet, carrying
// the MQTT 5.0 subscription options.
type V5SubscribeFilter struct {
	Topic             string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// V5Subscribe represents a SUBSCRIBE packet (MQTT 5.0).
type V5Subscribe struct {
	PacketID   uint16
	Properties *V5Properties
	Topics     []V5SubscribeFilter
}

func (p *V5Subscribe) PacketType() byte { return Subscribe }

func (p *V5Subscribe) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}
	for _, filter := range p.Topics {
		if err := writeString(&buf, filter.Topic); err != nil {
			return nil, err
		}
		var opts = byte(filter.QoS)
		if filter.NoLocal {
			opts |= 0x04
		}
		if filter.RetainAsPublished {
			opts |= 0x08
		}
		opts |= (filter.RetainHandling & 0x03) << 4
		if err := writeByte(&buf, opts); err != nil {
			return nil, err
		}
	}
	return encodePacket(Subscribe, 0x02, buf.Bytes()), nil
}

// V5SubAck represents a SUBACK packet (MQTT 5.0).
type V5SubAck struct {
	PacketID    uint16
	Properties  *V5Properties
	ReasonCodes []ReasonCode
}

func (p *V5SubAck) PacketType() byte { return SubAck }

func (p *V5SubAck) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}
	for _, code := range p.ReasonCodes {
		if err := writeByte(&buf, byte(code)); err != nil {
			return nil, err
		}
	}
	return encodePacket(SubAck, 0, buf.Bytes()), nil
}

// V5Unsubscribe represents an UNSUBSCRIBE packet (MQTT 5.0).
type V5Unsubscribe struct {
	PacketID   uint16
	Properties *V5Properties
	Topics     []string
}

func (p *V5Unsubscribe) PacketType() byte { return Unsubscribe }

func (p *V5Unsubscribe) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}
	for _, topic := range p.Topics {
		if err := writeString(&buf, topic); err != nil {
			return nil, err
		}
	}
	return encodePacket(Unsubscribe, 0x02, buf.Bytes()), nil
}

// V5UnsubAck represents an UNSUBACK packet (MQTT 5.0).
type V5UnsubAck struct {
	PacketID    uint16
	Properties  *V5Properties
	ReasonCodes []ReasonCode
}

func (p *V5UnsubAck) PacketType() byte { return UnsubAck }

func (p *V5UnsubAck) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint16(&buf, p.PacketID); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}
	for _, code := range p.ReasonCodes {
		if err := writeByte(&buf, byte(code)); err != nil {
			return nil, err
		}
	}
	return encodePacket(UnsubAck, 0, buf.Bytes()), nil
}

// V5PingReq represents a PINGREQ packet.
type V5PingReq struct{}

func (p *V5PingReq) PacketType() byte          { return PingReq }
func (p *V5PingReq) Encode() ([]byte, error) { return encodePacket(PingReq, 0, nil), nil }

// V5PingResp represents a PINGRESP packet.
type V5PingResp struct{}

func (p *V5PingResp) PacketType() byte          { return PingResp }
func (p *V5PingResp) Encode() ([]byte, error) { return encodePacket(PingResp, 0, nil), nil }

// V5Disconnect represents a DISCONNECT packet (MQTT 5.0).
type V5Disconnect struct {
	ReasonCode ReasonCode
	Properties *V5Properties
}

func (p *V5Disconnect) PacketType() byte { return Disconnect }

func (p *V5Disconnect) Encode() ([]byte, error) {
	if p.ReasonCode == ReasonSuccess && p.Properties == nil {
		return encodePacket(Disconnect, 0, nil), nil
	}

	var buf bytes.Buffer
	if err := writeByte(&buf, byte(p.ReasonCode)); err != nil {
		return nil, err
	}
	if p.Properties != nil {
		if err := encodeV5Properties(&buf, p.Properties); err != nil {
			return nil, err
		}
	}
	return encodePacket(Disconnect, 0, buf.Bytes()), nil
}

// V5Auth represents an AUTH packet (MQTT 5.0 only), used for enhanced
// (challenge/response) authentication exchanges.
type V5Auth struct {
	ReasonCode ReasonCode
	Properties *V5Properties
}

func (p *V5Auth) PacketType() byte { return Auth }

func (p *V5Auth) Encode() ([]byte, error) {
	if p.ReasonCode == ReasonSuccess && p.Properties == nil {
		return encodePacket(Auth, 0, nil), nil
	}

	var buf bytes.Buffer
	if err := writeByte(&buf, byte(p.ReasonCode)); err != nil {
		return nil, err
	}
	if err := encodeV5Properties(&buf, p.Properties); err != nil {
		return nil, err
	}
	return encodePacket(Auth, 0, buf.Bytes()), nil
}

// ReadV5Packet reads a single MQTT 5.0 packet from a buffered reader.
func ReadV5Packet(r *bufio.Reader, maxSize int) (V5Packet, error) {
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
		return decodeV5Connect(pr)
	case ConnAck:
		return decodeV5ConnAck(pr)
	case Publish:
		return decodeV5Publish(pr, flags, remainingLength)
	case PubAck:
		return decodeV5AckPacket(pr, PubAck, remainingLength)
	case PubRec:
		return decodeV5AckPacket(pr, PubRec, remainingLength)
	case PubRel:
		return decodeV5AckPacket(pr, PubRel, remainingLength)
	case PubComp:
		return decodeV5AckPacket(pr, PubComp, remainingLength)
	case Subscribe:
		return decodeV5Subscribe(pr, remainingLength)
	case SubAck:
		return decodeV5SubAck(pr, remainingLength)
	case Unsubscribe:
		return decodeV5Unsubscribe(pr, remainingLength)
	case UnsubAck:
		return decodeV5UnsubAck(pr, remainingLength)
	case PingReq:
		return &V5PingReq{}, nil
	case PingResp:
		return &V5PingResp{}, nil
	case Disconnect:
		return decodeV5Disconnect(pr, remainingLength)
	case Auth:
		return decodeV5Auth(pr, remainingLength)
	default:
		return nil, &ProtocolError{Message: "unknown packet type"}
	}
}

func decodeV5Connect(r io.Reader) (*V5Connect, error) {
	protocolName, err := readString(r)
	if err != nil {
		return nil, err
	}
	if protocolName != protocolNameV5 {
		return nil, &ProtocolError{Message: "invalid protocol name"}
	}

	protocolLevel, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if protocolLevel != protocolLevelV5 {
		return nil, &ProtocolError{Message: "unsupported protocol level"}
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}

	cleanStart := flags&0x02 != 0
	willFlag := flags&0x04 != 0
	willQoS := QoS((flags >> 3) & 0x03)
	willRetain := flags&0x20 != 0
	passwordFlag := flags&0x40 != 0
	usernameFlag := flags&0x80 != 0

	keepAlive, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}

	clientID, err := readString(r)
	if err != nil {
		return nil, err
	}

	p := &V5Connect{
		ClientID:   clientID,
		CleanStart: cleanStart,
		KeepAlive:  keepAlive,
		Properties: props,
	}

	if willFlag {
		p.WillProps, err = decodeV5Properties(r)
		if err != nil {
			return nil, err
		}
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

func decodeV5ConnAck(r io.Reader) (*V5ConnAck, error) {
	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	reasonCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}
	return &V5ConnAck{
		SessionPresent: flags&0x01 != 0,
		ReasonCode:     ReasonCode(reasonCode),
		Properties:     props,
	}, nil
}

func decodeV5Publish(r *bytes.Reader, flags byte, remainingLength int) (*V5Publish, error) {
	startLen := r.Len()

	dup := flags&0x08 != 0
	qos := QoS((flags >> 1) & 0x03)
	retain := flags&0x01 != 0

	topic, err := readString(r)
	if err != nil {
		return nil, err
	}

	var packetID uint16
	if qos > 0 {
		packetID, err = readUint16(r)
		if err != nil {
			return nil, err
		}
	}

	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}

	bytesRead := startLen - r.Len()
	payloadLength := remainingLength - bytesRead

	var payload []byte
	if payloadLength > 0 {
		payload = make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &V5Publish{
		Topic:      topic,
		Payload:    payload,
		Retain:     retain,
		Dup:        dup,
		QoS:        qos,
		PacketID:   packetID,
		Properties: props,
	}, nil
}

func decodeV5AckPacket(r *bytes.Reader, packetType byte, remainingLength int) (V5Packet, error) {
	packetID, reason, props, err := decodeV5AckWithReason(r, remainingLength)
	if err != nil {
		return nil, err
	}
	switch packetType {
	case PubAck:
		return &V5PubAck{PacketID: packetID, ReasonCode: reason, Properties: props}, nil
	case PubRec:
		return &V5PubRec{PacketID: packetID, ReasonCode: reason, Properties: props}, nil
	case PubRel:
		return &V5PubRel{PacketID: packetID, ReasonCode: reason, Properties: props}, nil
	case PubComp:
		return &V5PubComp{PacketID: packetID, ReasonCode: reason, Properties: props}, nil
	default:
		return nil, &ProtocolError{Message: "not an ack-with-reason packet"}
	}
}

func decodeV5Subscribe(r *bytes.Reader, remainingLength int) (*V5Subscribe, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}

	var filters []V5SubscribeFilter
	for r.Len() > 0 {
		topic, err := readString(r)
		if err != nil {
			return nil, err
		}
		opts, err := readByte(r)
		if err != nil {
			return nil, err
		}
		filters = append(filters, V5SubscribeFilter{
			Topic:             topic,
			QoS:               QoS(opts & 0x03),
			NoLocal:           opts&0x04 != 0,
			RetainAsPublished: opts&0x08 != 0,
			RetainHandling:    (opts >> 4) & 0x03,
		})
	}

	_ = remainingLength

	return &V5Subscribe{PacketID: packetID, Properties: props, Topics: filters}, nil
}

func decodeV5SubAck(r *bytes.Reader, remainingLength int) (*V5SubAck, error) {
	startLen := r.Len()

	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}

	bytesRead := startLen - r.Len()
	reasonCodeCount := remainingLength - bytesRead

	reasonCodes := make([]ReasonCode, reasonCodeCount)
	for i := 0; i < reasonCodeCount; i++ {
		code, err := readByte(r)
		if err != nil {
			return nil, err
		}
		reasonCodes[i] = ReasonCode(code)
	}

	return &V5SubAck{PacketID: packetID, Properties: props, ReasonCodes: reasonCodes}, nil
}

func decodeV5Unsubscribe(r *bytes.Reader, remainingLength int) (*V5Unsubscribe, error) {
	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}

	var topics []string
	for r.Len() > 0 {
		topic, err := readString(r)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}

	_ = remainingLength

	return &V5Unsubscribe{PacketID: packetID, Properties: props, Topics: topics}, nil
}

func decodeV5UnsubAck(r *bytes.Reader, remainingLength int) (*V5UnsubAck, error) {
	startLen := r.Len()

	packetID, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	props, err := decodeV5Properties(r)
	if err != nil {
		return nil, err
	}

	bytesRead := startLen - r.Len()
	reasonCodeCount := remainingLength - bytesRead

	reasonCodes := make([]ReasonCode, reasonCodeCount)
	for i := 0; i < reasonCodeCount; i++ {
		code, err := readByte(r)
		if err != nil {
			return nil, err
		}
		reasonCodes[i] = ReasonCode(code)
	}

	return &V5UnsubAck{PacketID: packetID, Properties: props, ReasonCodes: reasonCodes}, nil
}

func decodeV5Disconnect(r *bytes.Reader, remainingLength int) (*V5Disconnect, error) {
	if remainingLength == 0 {
		return &V5Disconnect{ReasonCode: ReasonNormalDisconnection}, nil
	}

	reasonCode, err := readByte(r)
	if err != nil {
		return nil, err
	}

	var props *V5Properties
	if remainingLength > 1 {
		props, err = decodeV5Properties(r)
		if err != nil {
			return nil, err
		}
	}

	return &V5Disconnect{ReasonCode: ReasonCode(reasonCode), Properties: props}, nil
}

func decodeV5Auth(r *bytes.Reader, remainingLength int) (*V5Auth, error) {
	if remainingLength == 0 {
		return &V5Auth{ReasonCode: ReasonSuccess}, nil
	}

	reasonCode, err := readByte(r)
	if err != nil {
		return nil, err
	}

	var props *V5Properties
	if remainingLength > 1 {
		props, err = decodeV5Properties(r)
		if err != nil {
			return nil, err
		}
	}

	return &V5Auth{ReasonCode: ReasonCode(reasonCode), Properties: props}, nil
}

// WriteV5Packet encodes and writes a MQTT 5.0 packet.
func WriteV5Packet(w io.Writer, p V5Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
