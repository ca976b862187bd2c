package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseCause_Terminal(t *testing.T) {
	tests := []struct {
		name     string
		cause    CloseCause
		terminal bool
	}{
		{"logged out", CloseCause{LoggedOut: true}, true},
		{"unauthorized", CloseCause{Code: 401}, true},
		{"forbidden", CloseCause{Code: 403}, true},
		{"connection lost", CloseCause{Code: 408}, false},
		{"restart required", CloseCause{Code: 515}, false},
		{"unknown", CloseCause{Reason: "EOF"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.cause.Terminal())
		})
	}
}

func TestInboundMessage_Text(t *testing.T) {
	assert.Equal(t, "Oi", InboundMessage{Conversation: "Oi", ExtendedText: "other"}.Text())
	assert.Equal(t, "quoted", InboundMessage{ExtendedText: "quoted"}.Text())
	assert.Equal(t, "", InboundMessage{}.Text())
}

func TestInboundMessage_Qualifies(t *testing.T) {
	contact := "5511999999999@s.whatsapp.net"

	tests := []struct {
		name string
		msg  InboundMessage
		want bool
	}{
		{"plain text", InboundMessage{RemoteJID: contact, Conversation: "Oi"}, true},
		{"extended text", InboundMessage{RemoteJID: contact, ExtendedText: "Oi"}, true},
		{"from me", InboundMessage{RemoteJID: contact, FromMe: true, Conversation: "Oi"}, false},
		{"no text", InboundMessage{RemoteJID: contact}, false},
		{"whitespace only", InboundMessage{RemoteJID: contact, Conversation: "  \n"}, false},
		{"group", InboundMessage{RemoteJID: "123456789-123@g.us", Conversation: "Oi"}, false},
		{"broadcast list", InboundMessage{RemoteJID: "123@broadcast", Conversation: "Oi"}, false},
		{"status", InboundMessage{RemoteJID: "status@broadcast", Conversation: "Oi"}, false},
		{"newsletter", InboundMessage{RemoteJID: "123@newsletter", Conversation: "Oi"}, false},
		{"no chat", InboundMessage{Conversation: "Oi"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Qualifies())
		})
	}
}

func TestCredentialStore(t *testing.T) {
	dir := t.TempDir()
	creds := NewCredentialStore(dir)
	ctx := context.Background()

	data, err := creds.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, creds.Save(ctx, "s1", []byte(`{"noiseKey":"abc"}`)))
	require.NoError(t, creds.Save(ctx, "s2", []byte("other")))

	data, err = creds.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"noiseKey":"abc"}`, string(data))

	require.NoError(t, creds.Save(ctx, "s1", []byte("rotated")))
	data, err = creds.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", string(data))

	require.NoError(t, creds.Wipe(ctx, "s1"))
	data, err = creds.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.DirExists(t, dir)

	data, err = creds.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "other", string(data))

	assert.NoError(t, creds.Wipe(ctx, "never-existed"))
}
