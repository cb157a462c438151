// Package scanner polls the intake mailbox and drives each unseen message
// through intake, routing, the claim workflows and the reply. A message is
// marked seen only once its reply has been sent.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/claims"
	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/email"
	"github.com/brandon/claim-intake/internal/intake"
	"github.com/brandon/claim-intake/internal/ledger"
	"github.com/brandon/claim-intake/internal/reply"
	"github.com/brandon/claim-intake/pkg/types"
)

// ErrPollInProgress is returned when a poll is requested while one runs.
var ErrPollInProgress = errors.New("a mailbox poll is already in progress")

// Mailbox is an open IMAP session.
type Mailbox interface {
	SelectFolder(name string) (*imap.MailboxStatus, error)
	SearchUnseen() ([]uint32, error)
	FetchRaw(uids []uint32) ([]email.FetchedMessage, error)
	MarkSeen(uid uint32) error
	Close() error
}

// Dialer opens a new mailbox session.
type Dialer func() (Mailbox, error)

// Decider classifies a message.
type Decider interface {
	Decide(ctx context.Context, in decision.Input) (decision.Decision, error)
}

// Workflow runs a claim workflow over stored documents.
type Workflow interface {
	Run(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error)
}

// Replier sends the acknowledgment for a message.
type Replier interface {
	Reply(ctx context.Context, msg *types.InboundMessage, rc reply.Context, attachments []string) (*reply.Record, error)
}

// Ledger records what happened to each message.
type Ledger interface {
	Record(e ledger.Entry) error
	Timeouts(mailbox string, uid uint32) (int, error)
}

// Config holds the scanner's defaults and limits.
type Config struct {
	Mailbox        string
	Limit          int
	MessageTimeout time.Duration
	// MaxTimeouts is how many timeouts a message may accumulate before it is
	// answered with a system-error reply instead of being retried. Zero
	// retries forever.
	MaxTimeouts int
}

// Options narrow a single poll. Zero values use the configured defaults.
type Options struct {
	Mailbox string
	Limit   int
}

// Result describes one message after a poll.
type Result struct {
	UID        uint32             `json:"uid"`
	MessageID  string             `json:"messageId,omitempty"`
	Subject    string             `json:"subject,omitempty"`
	Date       time.Time          `json:"date"`
	From       []string           `json:"from"`
	To         []string           `json:"to"`
	Cc         []string           `json:"cc"`
	StoredPath string             `json:"storedPath,omitempty"`
	Decision   *decision.Decision `json:"decision,omitempty"`
	Reply      *reply.Record      `json:"reply,omitempty"`
	State      string             `json:"state,omitempty"`
	ClaimNo    string             `json:"claimNo,omitempty"`
	Submitted  bool               `json:"submitted,omitempty"`
	Outcome    string             `json:"outcome"`
	Error      string             `json:"error,omitempty"`
	Processed  bool               `json:"processed"`
}

// Scanner runs poll cycles. Only one cycle runs at a time.
type Scanner struct {
	mu sync.Mutex

	dial     Dialer
	store    *intake.Store
	decider  Decider
	workflow Workflow
	replier  Replier
	ledger   Ledger
	cfg      Config
	logger   *logrus.Logger
}

// New wires a scanner.
func New(dial Dialer, store *intake.Store, decider Decider, workflow Workflow, replier Replier, l Ledger, cfg Config, logger *logrus.Logger) *Scanner {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &Scanner{
		dial:     dial,
		store:    store,
		decider:  decider,
		workflow: workflow,
		replier:  replier,
		ledger:   l,
		cfg:      cfg,
		logger:   logger,
	}
}

// Poll processes the unseen messages of a mailbox, oldest first. One
// message's failure never stops the cycle; the mailbox connection is closed
// on every exit.
func (s *Scanner) Poll(ctx context.Context, opts Options) ([]Result, error) {
	if !s.mu.TryLock() {
		return nil, ErrPollInProgress
	}
	defer s.mu.Unlock()

	mailbox := opts.Mailbox
	if mailbox == "" {
		mailbox = s.cfg.Mailbox
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	mbox, err := s.dial()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mbox.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close mailbox")
		}
	}()

	if _, err := mbox.SelectFolder(mailbox); err != nil {
		return nil, err
	}
	uids, err := mbox.SearchUnseen()
	if err != nil {
		return nil, err
	}
	results := []Result{}
	if len(uids) == 0 {
		return results, nil
	}

	fetched, err := mbox.FetchRaw(uids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].InternalDate.Before(fetched[j].InternalDate)
	})
	if limit > 0 && len(fetched) > limit {
		fetched = fetched[:limit]
	}

	s.logger.WithFields(logrus.Fields{
		"mailbox": mailbox,
		"unseen":  len(uids),
		"batch":   len(fetched),
	}).Info("Polling mailbox")

	for _, f := range fetched {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, entry := s.handle(ctx, mailbox, f)
		if res.Processed {
			if err := mbox.MarkSeen(f.UID); err != nil {
				s.logger.WithError(err).WithField("uid", f.UID).Error("Failed to mark message seen")
				res.Error = fmt.Sprintf("reply sent but not marked seen: %v", err)
			}
		}
		if err := s.record(entry); err != nil {
			s.logger.WithError(err).WithField("uid", f.UID).Warn("Failed to record message in ledger")
		}
		results = append(results, res)
	}
	return results, nil
}
