package email

import (
	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/config"
)

// Account pairs the intake mailbox with the transport replies are sent through
type Account struct {
	imapConfig config.IMAPConfig
	SMTP       *SMTPClient
	logger     *logrus.Logger
}

// NewAccount creates the intake account
func NewAccount(cfg *config.Config, logger *logrus.Logger) *Account {
	return &Account{
		imapConfig: cfg.IMAP,
		SMTP:       NewSMTPClient(cfg.SMTP, logger),
		logger:     logger,
	}
}

// OpenMailbox connects a fresh IMAP session. Each poll cycle owns its own
// connection and closes it on exit.
func (a *Account) OpenMailbox() (*IMAPClient, error) {
	c := NewIMAPClient(a.imapConfig, a.logger)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
