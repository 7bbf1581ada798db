package email

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type captureSender struct {
	sent []*gomail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	c.sent = append(c.sent, m...)
	return c.err
}

func TestSendUpcomingTurn(t *testing.T) {
	sender := &captureSender{}
	svc := NewService(sender, "queue@clinic.test", zerolog.Nop())

	err := svc.SendUpcomingTurn(context.Background(), "asha@example.com", "Asha", "Dr. Mehta", "10:30 AM")
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	m := sender.sent[0]
	assert.Equal(t, []string{"queue@clinic.test"}, m.GetHeader("From"))
	assert.Equal(t, []string{"asha@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Your turn with Dr. Mehta is coming up"}, m.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "10:30 AM")
}

func TestSendCustom_Errors(t *testing.T) {
	sender := &captureSender{err: errors.New("relay down")}
	svc := NewService(sender, "queue@clinic.test", zerolog.Nop())

	err := svc.SendCustom(context.Background(), "a@b.c", "s", "b")
	assert.ErrorContains(t, err, "relay down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = svc.SendCustom(ctx, "a@b.c", "s", "b")
	assert.ErrorIs(t, err, context.Canceled)
}
