package sipmsg

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sipPayload(start string, headers []string, body []string) []byte {
	bodystr := ""
	if len(body) > 0 {
		bodystr = strings.Join(body, "\r\n") + "\r\n"
	}
	msg := []string{start}
	msg = append(msg, headers...)
	msg = append(msg, fmt.Sprintf("Content-Length: %d", len(bodystr)), "", bodystr)
	return []byte(strings.Join(msg, "\r\n"))
}

func inviteWithSDP() []byte {
	return sipPayload(
		"INVITE sip:alice@example.com SIP/2.0",
		[]string{
			"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK776asdhds",
			"Max-Forwards: 70",
			"To: <sip:alice@example.com>",
			"From: \"Bob\" <sip:bob@example.com>;tag=1928301774",
			"Call-ID: c1",
			"CSeq: 1 INVITE",
			"Contact: <sip:bob@198.51.100.1>",
			"Content-Type: application/sdp",
		},
		[]string{
			"v=0",
			"o=bob 10 0 IN IP4 198.51.100.1",
			"s=call",
			"c=IN IP4 198.51.100.1",
			"t=0 0",
			"m=audio 5004 RTP/AVP 0",
		})
}

func TestParseInvite(t *testing.T) {
	msg, err := Parse(inviteWithSDP())
	require.NoError(t, err)

	require.True(t, msg.IsInvite())
	require.False(t, msg.IsBye())
	require.False(t, msg.Is200OK())
	require.Equal(t, "c1", msg.CallID())
	require.Equal(t, "1 INVITE", msg.CSeq())

	id, ok := msg.ToURIIdentity()
	require.True(t, ok)
	require.Equal(t, "alice", id.Username)
	require.Equal(t, "example.com", id.Realm)

	require.True(t, msg.HasSDP())
	require.Equal(t, uint64(10), msg.SessionID())
	require.Equal(t, uint64(0), msg.SessionVersion())
	require.Equal(t, "198.51.100.1", msg.MediaIPAddr())
	require.Equal(t, 5004, msg.MediaPort())
}

func TestParse200OK(t *testing.T) {
	payload := sipPayload(
		"SIP/2.0 200 OK",
		[]string{
			"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK776asdhds",
			"To: <sip:alice@example.com>;tag=314159",
			"From: \"Bob\" <sip:bob@example.com>;tag=1928301774",
			"Call-ID: c1",
			"CSeq: 1 INVITE",
			"Content-Type: application/sdp",
		},
		[]string{
			"v=0",
			"o=alice 20 0 IN IP4 203.0.113.2",
			"s=call",
			"c=IN IP4 203.0.113.2",
			"t=0 0",
			"m=audio 5006 RTP/AVP 0",
		})

	msg, err := Parse(payload)
	require.NoError(t, err)
	require.True(t, msg.Is200OK())
	require.False(t, msg.Is183SessProg())
	require.Equal(t, "1 INVITE", msg.CSeq())
	require.Equal(t, "203.0.113.2", msg.MediaIPAddr())
	require.Equal(t, 5006, msg.MediaPort())
}

func TestParseByeWithoutBody(t *testing.T) {
	payload := sipPayload(
		"BYE sip:bob@example.com SIP/2.0",
		[]string{
			"Via: SIP/2.0/UDP 203.0.113.2:5060;branch=z9hG4bKnashds7",
			"To: <sip:bob@example.com>;tag=1928301774",
			"From: <sip:alice@example.com>;tag=314159",
			"Call-ID: c1",
			"CSeq: 2 BYE",
		}, nil)

	msg, err := Parse(payload)
	require.NoError(t, err)
	require.True(t, msg.IsBye())
	require.False(t, msg.HasSDP())
	require.Equal(t, "2 BYE", msg.CSeq())
	require.Equal(t, uint64(0), msg.SessionID())
	require.Equal(t, "", msg.MediaIPAddr())
	require.Equal(t, 0, msg.MediaPort())
}

func TestAuthIdentities(t *testing.T) {
	payload := sipPayload(
		"INVITE sip:carol@example.org SIP/2.0",
		[]string{
			"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK776asdhdt",
			"To: <sip:carol@example.org>",
			"From: <sip:dan@example.org>;tag=99",
			"Call-ID: c2",
			"CSeq: 1 INVITE",
			`Proxy-Authorization: Digest username="dan", realm="example.org", nonce="abc", response="def"`,
			`Authorization: Digest username="dan@other.example", nonce="abc", response="def"`,
		}, nil)

	msg, err := Parse(payload)
	require.NoError(t, err)

	proxy := msg.AuthIdentities(true)
	require.Len(t, proxy, 1)
	require.Equal(t, Identity{Username: "dan", Realm: "example.org"}, proxy[0])

	plain := msg.AuthIdentities(false)
	require.Len(t, plain, 1)
	// No realm parameter: the user@realm form is split instead.
	require.Equal(t, Identity{Username: "dan", Realm: "other.example"}, plain[0])
}

func TestDigestIdentityMalformed(t *testing.T) {
	_, ok := digestIdentity(`Digest realm="example.org", nonce="abc"`)
	require.False(t, ok)
}
