package email

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/config"
)

// FetchedMessage is one message as returned by UID FETCH, before parsing.
type FetchedMessage struct {
	UID          uint32
	MessageID    string
	Subject      string
	InternalDate time.Time
	Raw          []byte
}

// IMAPClient wraps an IMAP client connection
type IMAPClient struct {
	config    config.IMAPConfig
	client    *client.Client
	logger    *logrus.Logger
	connected bool
}

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(cfg config.IMAPConfig, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		config: cfg,
		logger: logger,
	}
}

// Connect establishes a connection to the IMAP server
func (c *IMAPClient) Connect() error {
	if c.connected && c.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	var cl *client.Client
	var err error
	if c.config.TLS {
		cl, err = client.DialTLS(addr, &tls.Config{
			ServerName: c.config.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	c.client = cl

	if err := c.client.Login(c.config.User, c.config.Password); err != nil {
		c.logger.WithError(err).Error("Failed to login to IMAP server")
		c.client.Logout() //nolint:errcheck
		c.client = nil
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	c.connected = true
	c.logger.WithFields(logrus.Fields{
		"host": c.config.Host,
		"user": c.config.User,
	}).Info("Connected to IMAP server")
	return nil
}

// Close closes the IMAP connection
func (c *IMAPClient) Close() error {
	if c.client != nil {
		err := c.client.Logout()
		c.client = nil
		c.connected = false
		return err
	}
	return nil
}

// SelectFolder opens a mailbox read-write so flags can be stored
func (c *IMAPClient) SelectFolder(folderName string) (*imap.MailboxStatus, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}

	mbox, err := c.client.Select(folderName, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}
	return mbox, nil
}

// SearchUnseen returns the UIDs of messages without the \Seen flag in the
// selected folder
func (c *IMAPClient) SearchUnseen() ([]uint32, error) {
	if c.client == nil {
		return nil, fmt.Errorf("no folder selected")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	return uids, nil
}

// FetchRaw fetches full messages by UID without setting \Seen
func (c *IMAPClient) FetchRaw(uids []uint32) ([]FetchedMessage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("no folder selected")
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var fetched []FetchedMessage
	for msg := range messages {
		m := FetchedMessage{
			UID:          msg.Uid,
			InternalDate: msg.InternalDate,
		}
		if msg.Envelope != nil {
			m.MessageID = msg.Envelope.MessageId
			m.Subject = msg.Envelope.Subject
		}
		if literal := msg.GetBody(section); literal != nil {
			raw, err := readLiteral(literal)
			if err != nil {
				c.logger.WithError(err).WithField("uid", msg.Uid).Error("Error reading literal")
			}
			m.Raw = raw
		}
		if len(m.Raw) == 0 {
			c.logger.WithField("uid", msg.Uid).Warn("No body content found")
		}
		fetched = append(fetched, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return fetched, nil
}

// MarkSeen adds the \Seen flag to a message
func (c *IMAPClient) MarkSeen(uid uint32) error {
	if c.client == nil {
		return fmt.Errorf("no folder selected")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.client.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message %d seen: %w", uid, err)
	}
	return nil
}

func readLiteral(literal imap.Literal) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(literal.Len())
	if _, err := io.Copy(&buf, literal); err != nil {
		return buf.Bytes(), err
	}
	return buf.Bytes(), nil
}
