package proxy

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Game packet ids the proxy looks at. Everything else is relayed untouched.
const (
	IDLogin      byte = 0x01
	IDPlayStatus byte = 0x02
	IDDisconnect byte = 0x05
)

// Play status codes.
const (
	StatusLoginFailedClient int32 = 1
	StatusLoginFailedServer int32 = 2
	StatusServerFull        int32 = 7
)

// identityNamespace seeds offline identities derived from the login body.
var identityNamespace = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8")

var errShortLogin = errors.New("login packet too short")

// DisconnectPacket shows a message and drops the client.
type DisconnectPacket struct {
	HideScreen bool
	Message    string
}

func (*DisconnectPacket) ID() byte { return IDDisconnect }

func (p *DisconnectPacket) Encode() ([]byte, error) {
	out := []byte{IDDisconnect, 0}
	if p.HideScreen {
		out[1] = 1
	}
	out = binary.AppendUvarint(out, uint64(len(p.Message)))
	return append(out, p.Message...), nil
}

// PlayStatusPacket reports login progress.
type PlayStatusPacket struct {
	Status int32
}

func (*PlayStatusPacket) ID() byte { return IDPlayStatus }

func (p *PlayStatusPacket) Encode() ([]byte, error) {
	return binary.BigEndian.AppendUint32([]byte{IDPlayStatus}, uint32(p.Status)), nil
}

// Login is the part of the login packet the proxy needs for routing.
type Login struct {
	Protocol int32
	UUID     uuid.UUID
	Name     string
	XUID     string
	Raw      []byte
}

type chainRequest struct {
	Chain []string `json:"chain"`
}

type identityClaims struct {
	ExtraData struct {
		DisplayName string `json:"displayName"`
		Identity    string `json:"identity"`
		XUID        string `json:"XUID"`
	} `json:"extraData"`
}

// ParseLogin reads a login packet:
// [0x01][protocol int32 BE][uvarint length][chain length int32 LE][chain JSON]...
// The identity chain is read without verifying signatures. When it carries
// no usable identity, the UUID is derived from the login body.
func ParseLogin(raw []byte) (*Login, error) {
	if len(raw) < 5 || raw[0] != IDLogin {
		return nil, errShortLogin
	}
	l := &Login{
		Protocol: int32(binary.BigEndian.Uint32(raw[1:5])),
		Raw:      raw,
	}
	body := raw[5:]
	l.UUID = uuid.NewSHA1(identityNamespace, body)

	if claims, ok := readClaims(body); ok {
		l.Name = claims.ExtraData.DisplayName
		l.XUID = claims.ExtraData.XUID
		if id, err := uuid.Parse(claims.ExtraData.Identity); err == nil {
			l.UUID = id
		}
	}
	if l.Name == "" {
		l.Name = "Player-" + l.UUID.String()[:8]
	}
	return l, nil
}

func readClaims(body []byte) (identityClaims, bool) {
	var claims identityClaims

	size, n := binary.Uvarint(body)
	if n <= 0 || size > uint64(len(body)-n) {
		return claims, false
	}
	req := body[n : n+int(size)]
	if len(req) < 4 {
		return claims, false
	}
	chainLen := binary.LittleEndian.Uint32(req[:4])
	if uint64(chainLen) > uint64(len(req)-4) {
		return claims, false
	}

	var chain chainRequest
	if err := json.Unmarshal(req[4:4+chainLen], &chain); err != nil {
		return claims, false
	}
	for _, token := range chain.Chain {
		parts := strings.Split(token, ".")
		if len(parts) != 3 {
			continue
		}
		payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
		if err != nil {
			continue
		}
		var c identityClaims
		if json.NewDecoder(bytes.NewReader(payload)).Decode(&c) != nil {
			continue
		}
		if c.ExtraData.DisplayName != "" {
			return c, true
		}
	}
	return claims, false
}

// BuildLogin assembles a login packet. Used by tools and tests.
func BuildLogin(protocol int32, chain []string, clientData string) ([]byte, error) {
	chainJSON, err := json.Marshal(chainRequest{Chain: chain})
	if err != nil {
		return nil, fmt.Errorf("marshal chain: %w", err)
	}
	req := binary.LittleEndian.AppendUint32(nil, uint32(len(chainJSON)))
	req = append(req, chainJSON...)
	req = binary.LittleEndian.AppendUint32(req, uint32(len(clientData)))
	req = append(req, clientData...)

	out := binary.BigEndian.AppendUint32([]byte{IDLogin}, uint32(protocol))
	out = binary.AppendUvarint(out, uint64(len(req)))
	return append(out, req...), nil
}
