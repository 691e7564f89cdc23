package mqttpacket

import (
	"bytes"
	"io"
)

// MQTT 5.0 property identifiers (MQTT-5.0 §2.2.2.2).
const (
	propPayloadFormat        byte = 0x01
	propMessageExpiry        byte = 0x02
	propContentType          byte = 0x03
	propResponseTopic        byte = 0x08
	propCorrelationData      byte = 0x09
	propSubscriptionID       byte = 0x0B
	propSessionExpiry        byte = 0x11
	propAssignedClientID     byte = 0x12
	propServerKeepAlive      byte = 0x13
	propAuthMethod           byte = 0x15
	propAuthData             byte = 0x16
	propRequestProblemInfo   byte = 0x17
	propWillDelayInterval    byte = 0x18
	propRequestResponseInfo  byte = 0x19
	propResponseInfo         byte = 0x1A
	propServerReference      byte = 0x1C
	propReasonString         byte = 0x1F
	propReceiveMaximum       byte = 0x21
	propTopicAliasMaximum    byte = 0x22
	propTopicAlias           byte = 0x23
	propMaximumQoS           byte = 0x24
	propRetainAvailable      byte = 0x25
	propUserProperty         byte = 0x26
	propMaximumPacketSize    byte = 0x27
	propWildcardSubAvailable byte = 0x28
	propSubIDAvailable       byte = 0x29
	propSharedSubAvailable   byte = 0x2A
)

// V5Properties carries the MQTT 5.0 property set. It is shared across every
// packet type that can carry properties (CONNECT, CONNACK, PUBLISH, PUBACK,
// PUBREC, PUBREL, PUBCOMP, SUBSCRIBE, SUBACK, UNSUBSCRIBE, UNSUBACK,
// DISCONNECT, AUTH); encodeV5Properties writes every field that is set,
// without checking it against the packet type.
type V5Properties struct {
	PayloadFormat        *byte
	MessageExpiry        *uint32
	ContentType          string
	ResponseTopic        string
	CorrelationData      []byte
	SubscriptionID       *uint32
	SessionExpiry        *uint32
	AssignedClientID     string
	ServerKeepAlive      *uint16
	AuthMethod           string
	AuthData             []byte
	WillDelayInterval    *uint32
	ResponseInfo         string
	ServerReference      string
	ReasonString         string
	ReceiveMaximum       *uint16
	TopicAliasMaximum    *uint16
	TopicAlias           *uint16
	MaximumQoS           *byte
	RetainAvailable      *bool
	UserProperties       []UserProperty
	MaximumPacketSize    *uint32
	WildcardSubAvailable *bool
	SubIDAvailable       *bool
	SharedSubAvailable   *bool
}

func encodeV5Properties(w io.Writer, props *V5Properties) error {
	if props == nil {
		return writeVariableInt(w, 0)
	}

	var buf bytes.Buffer

	if props.PayloadFormat != nil {
		buf.WriteByte(propPayloadFormat)
		buf.WriteByte(*props.PayloadFormat)
	}
	if props.MessageExpiry != nil {
		buf.WriteByte(propMessageExpiry)
		if err := writeUint32(&buf, *props.MessageExpiry); err != nil {
			return err
		}
	}
	if props.ContentType != "" {
		buf.WriteByte(propContentType)
		if err := writeString(&buf, props.ContentType); err != nil {
			return err
		}
	}
	if props.ResponseTopic != "" {
		buf.WriteByte(propResponseTopic)
		if err := writeString(&buf, props.ResponseTopic); err != nil {
			return err
		}
	}
	if props.CorrelationData != nil {
		buf.WriteByte(propCorrelationData)
		if err := writeBytes(&buf, props.CorrelationData); err != nil {
			return err
		}
	}
	if props.SubscriptionID != nil {
		buf.WriteByte(propSubscriptionID)
		if err := writeVariableInt(&buf, int(*props.SubscriptionID)); err != nil {
			return err
		}
	}
	if props.SessionExpiry != nil {
		buf.WriteByte(propSessionExpiry)
		if err := writeUint32(&buf, *props.SessionExpiry); err != nil {
			return err
		}
	}
	if props.AssignedClientID != "" {
		buf.WriteByte(propAssignedClientID)
		if err := writeString(&buf, props.AssignedClientID); err != nil {
			return err
		}
	}
	if props.ServerKeepAlive != nil {
		buf.WriteByte(propServerKeepAlive)
		if err := writeUint16(&buf, *props.ServerKeepAlive); err != nil {
			return err
		}
	}
	if props.AuthMethod != "" {
		buf.WriteByte(propAuthMethod)
		if err := writeString(&buf, props.AuthMethod); err != nil {
			return err
		}
	}
	if props.AuthData != nil {
		buf.WriteByte(propAuthData)
		if err := writeBytes(&buf, props.AuthData); err != nil {
			return err
		}
	}
	if props.WillDelayInterval != nil {
		buf.WriteByte(propWillDelayInterval)
		if err := writeUint32(&buf, *props.WillDelayInterval); err != nil {
			return err
		}
	}
	if props.ResponseInfo != "" {
		buf.WriteByte(propResponseInfo)
		if err := writeString(&buf, props.ResponseInfo); err != nil {
			return err
		}
	}
	if props.ServerReference != "" {
		buf.WriteByte(propServerReference)
		if err := writeString(&buf, props.ServerReference); err != nil {
			return err
		}
	}
	if props.ReasonString != "" {
		buf.WriteByte(propReasonString)
		if err := writeString(&buf, props.ReasonString); err != nil {
			return err
		}
	}
	if props.ReceiveMaximum != nil {
		buf.WriteByte(propReceiveMaximum)
		if err := writeUint16(&buf, *props.ReceiveMaximum); err != nil {
			return err
		}
	}
	if props.TopicAliasMaximum != nil {
		buf.WriteByte(propTopicAliasMaximum)
		if err := writeUint16(&buf, *props.TopicAliasMaximum); err != nil {
			return err
		}
	}
	if props.TopicAlias != nil {
		buf.WriteByte(propTopicAlias)
		if err := writeUint16(&buf, *props.TopicAlias); err != nil {
			return err
		}
	}
	if props.MaximumQoS != nil {
		buf.WriteByte(propMaximumQoS)
		buf.WriteByte(*props.MaximumQoS)
	}
	if props.RetainAvailable != nil {
		buf.WriteByte(propRetainAvailable)
		buf.WriteByte(boolByte(*props.RetainAvailable))
	}
	for _, up := range props.UserProperties {
		buf.WriteByte(propUserProperty)
		if err := writeString(&buf, up.Key); err != nil {
			return err
		}
		if err := writeString(&buf, up.Value); err != nil {
			return err
		}
	}
	if props.MaximumPacketSize != nil {
		buf.WriteByte(propMaximumPacketSize)
		if err := writeUint32(&buf, *props.MaximumPacketSize); err != nil {
			return err
		}
	}
	if props.WildcardSubAvailable != nil {
		buf.WriteByte(propWildcardSubAvailable)
		buf.WriteByte(boolByte(*props.WildcardSubAvailable))
	}
	if props.SubIDAvailable != nil {
		buf.WriteByte(propSubIDAvailable)
		buf.WriteByte(boolByte(*props.SubIDAvailable))
	}
	if props.SharedSubAvailable != nil {
		buf.WriteByte(propSharedSubAvailable)
		buf.WriteByte(boolByte(*props.SharedSubAvailable))
	}

	if err := writeVariableInt(w, buf.Len()); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func decodeV5Properties(r io.Reader) (*V5Properties, error) {
	length, err := readVariableIntFromReader(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	propBytes := make([]byte, length)
	if _, err := io.ReadFull(r, propBytes); err != nil {
		return nil, err
	}

	props := &V5Properties{}
	pr := bytes.NewReader(propBytes)

	for pr.Len() > 0 {
		propID, err := readByte(pr)
		if err != nil {
			return nil, err
		}

		switch propID {
		case propPayloadFormat:
			v, err := readByte(pr)
			if err != nil {
				return nil, err
			}
			props.PayloadFormat = &v
		case propMessageExpiry:
			v, err := readUint32(pr)
			if err != nil {
				return nil, err
			}
			props.MessageExpiry = &v
		case propContentType:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.ContentType = v
		case propResponseTopic:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.ResponseTopic = v
		case propCorrelationData:
			v, err := readBytes(pr)
			if err != nil {
				return nil, err
			}
			props.CorrelationData = v
		case propSubscriptionID:
			v, err := readVariableInt(pr)
			if err != nil {
				return nil, err
			}
			u := uint32(v)
			props.SubscriptionID = &u
		case propSessionExpiry:
			v, err := readUint32(pr)
			if err != nil {
				return nil, err
			}
			props.SessionExpiry = &v
		case propAssignedClientID:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.AssignedClientID = v
		case propServerKeepAlive:
			v, err := readUint16(pr)
			if err != nil {
				return nil, err
			}
			props.ServerKeepAlive = &v
		case propAuthMethod:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.AuthMethod = v
		case propAuthData:
			v, err := readBytes(pr)
			if err != nil {
				return nil, err
			}
			props.AuthData = v
		case propWillDelayInterval:
			v, err := readUint32(pr)
			if err != nil {
				return nil, err
			}
			props.WillDelayInterval = &v
		case propResponseInfo:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.ResponseInfo = v
		case propServerReference:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.ServerReference = v
		case propReasonString:
			v, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.ReasonString = v
		case propReceiveMaximum:
			v, err := readUint16(pr)
			if err != nil {
				return nil, err
			}
			props.ReceiveMaximum = &v
		case propTopicAliasMaximum:
			v, err := readUint16(pr)
			if err != nil {
				return nil, err
			}
			props.TopicAliasMaximum = &v
		case propTopicAlias:
			v, err := readUint16(pr)
			if err != nil {
				return nil, err
			}
			props.TopicAlias = &v
		case propMaximumQoS:
			v, err := readByte(pr)
			if err != nil {
				return nil, err
			}
			props.MaximumQoS = &v
		case propRetainAvailable:
			v, err := readByte(pr)
			if err != nil {
				return nil, err
			}
			b := v != 0
			props.RetainAvailable = &b
		case propUserProperty:
			key, err := readString(pr)
			if err != nil {
				return nil, err
			}
			value, err := readString(pr)
			if err != nil {
				return nil, err
			}
			props.UserProperties = append(props.UserProperties, UserProperty{Key: key, Value: value})
		case propMaximumPacketSize:
			v, err := readUint32(pr)
			if err != nil {
				return nil, err
			}
			props.MaximumPacketSize = &v
		case propWildcardSubAvailable:
			v, err := readByte(pr)
			if err != nil {
				return nil, err
			}
			b := v != 0
			props.WildcardSubAvailable = &b
		case propSubIDAvailable:
			v, err := readByte(pr)
			if err != nil {
				return nil, err
			}
			b := v != 0
			props.SubIDAvailable = &b
		case propSharedSubAvailable:
			v, err := readByte(pr)
			if err != nil {
				return nil, err
			}
			b := v != 0
			props.SharedSubAvailable = &b
		default:
			return nil, &ProtocolError{Message: "unknown property identifier"}
		}
	}

	return props, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
