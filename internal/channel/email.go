package channel

import (
	"context"
	"fmt"

	"github.com/go-gomail/gomail"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// EmailChannel sends codes over SMTP. Dialing is per-send; SMTP sessions are
// cheap at OTP volumes and this keeps the channel stateless like SMS.
type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailChannel(cfg *config.Config) *EmailChannel {
	return &EmailChannel{
		dialer: gomail.NewDialer(
			cfg.Channels.SMTPHost,
			cfg.Channels.SMTPPort,
			cfg.Channels.SMTPUsername,
			cfg.Channels.SMTPPassword,
		),
		from: cfg.Channels.EmailFrom,
	}
}

func (c *EmailChannel) Name() string {
	return "email"
}

func (c *EmailChannel) Send(ctx context.Context, destination, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", destination)
	m.SetHeader("Subject", "Your FuelFriendly verification code")
	m.SetBody("text/plain", body)

	// gomail has no context support; bound the send with the caller's
	// deadline so a hung SMTP server cannot stall the request.
	done := make(chan error, 1)
	go func() {
		done <- c.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			util.Error("SMTP send failed",
				util.Identifier(destination),
				util.ErrorField(err))
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: smtp send timed out: %v", ErrDeliveryFailed, ctx.Err())
	}
}
