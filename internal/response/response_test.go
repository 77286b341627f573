package response

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSingleLine(t *testing.T) {
	got := Format(250, []string{"OK"})
	assert.Equal(t, "250 OK\r\n", string(got))
}

func TestFormatMultiLine(t *testing.T) {
	got := Format(250, []string{"mail.example.com Hello", "SIZE 10485760", "8BITMIME"})
	assert.Equal(t, "250-mail.example.com Hello\r\n250-SIZE 10485760\r\n250 8BITMIME\r\n", string(got))
}

func TestBytesMatchesFormat(t *testing.T) {
	r := EHLOReply("mail.example.com", "SIZE 10485760", "8BITMIME")
	assert.Equal(t, Format(r.Code, r.Lines), r.Bytes())
}

func TestRoundTripIsStable(t *testing.T) {
	r := New(250, "a", "b", "c")
	first := r.Bytes()
	second := r.Bytes()
	assert.Equal(t, first, second)
}

func TestNamedConstructors(t *testing.T) {
	assert.Equal(t, 220, Greeting("mail.example.com").Code)
	assert.Equal(t, 221, Closing("mail.example.com").Code)
	assert.Equal(t, 250, OK("Sender OK").Code)
	assert.Equal(t, 354, StartMailInput().Code)
	assert.Equal(t, 421, ServiceShuttingDown("command timeout").Code)
	assert.Equal(t, 451, LocalError().Code)
	assert.Equal(t, 500, SyntaxError().Code)
	assert.Equal(t, 500, LineTooLong().Code)
	assert.Equal(t, 501, SyntaxErrorParams().Code)
	assert.Equal(t, 502, NotImplemented("VRFY").Code)
	assert.Equal(t, 503, BadSequence().Code)
	assert.Equal(t, 550, MailboxUnavailable().Code)
	assert.Equal(t, 452, TooManyRecipients().Code)
	assert.Equal(t, 552, SizeExceeded().Code)
	assert.Equal(t, 220, ReadyForTLS().Code)
}
