package siptransport

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLegBuildRequest: in-dialog запрос несет теги и растущий CSeq.
func TestLegBuildRequest(t *testing.T) {
	l := &leg{
		id:        "leg-1",
		callID:    "call-1",
		localTag:  "ltag",
		remoteTag: "rtag",
		localURI:  sip.Uri{Scheme: "sip", User: "agent", Host: "10.0.0.1", Port: 5060},
		remoteURI: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060},
		isUAC:     true,
		cseq:      1,
	}
	l.remoteTarget = l.remoteURI

	req := l.buildRequest(sip.BYE)
	require.NotNil(t, req)
	assert.Equal(t, sip.BYE, req.Method)
	assert.Equal(t, "call-1", req.CallID().Value())
	assert.Equal(t, "ltag", req.From().Params["tag"])
	assert.Equal(t, "rtag", req.To().Params["tag"])
	assert.Equal(t, uint32(2), req.CSeq().SeqNo, "CSeq must advance past the INVITE")

	info := l.buildRequest(sip.INFO)
	assert.Equal(t, uint32(3), info.CSeq().SeqNo)
}

// TestLegBuildRequestFallbackTarget: без remote target используется
// исходный URI.
func TestLegBuildRequestFallbackTarget(t *testing.T) {
	l := &leg{
		callID:    "call-1",
		localTag:  "ltag",
		localURI:  sip.Uri{Scheme: "sip", User: "agent", Host: "10.0.0.1"},
		remoteURI: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2"},
	}

	req := l.buildRequest(sip.BYE)
	assert.Equal(t, "10.0.0.2", req.Recipient.Host)
}

// TestParseContact разбирает Contact с угловыми скобками и без.
func TestParseContact(t *testing.T) {
	uri, err := parseContact("<sip:bob@10.0.0.2:5060>")
	require.NoError(t, err)
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, "10.0.0.2", uri.Host)

	uri, err = parseContact("sip:alice@10.0.0.3")
	require.NoError(t, err)
	assert.Equal(t, "alice", uri.User)

	_, err = parseContact("not a uri")
	assert.Error(t, err)
}

// TestAddToTag: tag добавляется в To, существующие параметры целы.
func TestAddToTag(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "agent", Host: "10.0.0.1"})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2"},
		Params:  sip.HeaderParams{"tag": "rtag"},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "agent", Host: "10.0.0.1"},
		Params:  sip.HeaderParams{},
	})

	res := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	addToTag(res, "ltag")
	assert.Equal(t, "ltag", res.To().Params["tag"])
}

// TestRandToken: токены уникальны и заданной длины.
func TestRandToken(t *testing.T) {
	a := randToken(8)
	b := randToken(8)
	assert.Len(t, a, 16, "8 random bytes hex-encode to 16 chars")
	assert.NotEqual(t, a, b)
}

// TestConfigDefaults проверяет заполнение умолчаний.
func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, "0.0.0.0:5060", cfg.ListenAddr)
	assert.Equal(t, "udp", cfg.Protocol)
	assert.Equal(t, "softphone", cfg.User)
	assert.Equal(t, 5004, cfg.MediaPort)
	assert.NotNil(t, cfg.Logger)

	custom := (&Config{ListenAddr: "127.0.0.1:5080", Protocol: "tcp"}).withDefaults()
	assert.Equal(t, "127.0.0.1:5080", custom.ListenAddr)
	assert.Equal(t, "tcp", custom.Protocol)
}
