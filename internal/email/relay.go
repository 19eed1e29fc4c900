package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/directory"
	"github.com/looprock/alias-relay/internal/dkim"
	"github.com/looprock/alias-relay/internal/metrics"
	"github.com/looprock/alias-relay/internal/transport"
	"github.com/looprock/alias-relay/internal/unsubscribe"
)

// RelayConfig holds the relay settings the handlers need
type RelayConfig struct {
	Domain         string // relay domain reply handles and DKIM signatures live under
	Unsubscribe    *unsubscribe.Links
	SupportAddress string // named in courtesy notices when set
}

// Relay implements the forward and reply phases
type Relay struct {
	cfg       RelayConfig
	directory directory.Directory
	store     *database.Store
	signer    *dkim.Signer
	sender    transport.Sender
	notifier  Notifier
	metrics   *metrics.Relay
	log       *zap.Logger
}

// NewRelay wires a relay. signer, notifier and m may be nil.
func NewRelay(cfg RelayConfig, dir directory.Directory, store *database.Store, signer *dkim.Signer,
	sender transport.Sender, notifier Notifier, m *metrics.Relay, log *zap.Logger) *Relay {
	cfg.Domain = strings.ToLower(cfg.Domain)
	return &Relay{
		cfg:       cfg,
		directory: dir,
		store:     store,
		signer:    signer,
		sender:    sender,
		notifier:  notifier,
		metrics:   m,
		log:       log,
	}
}

func (r *Relay) unsubscribeURL(aliasID uint) string {
	return r.cfg.Unsubscribe.URL(aliasID)
}

// Forward relays mail from an external sender (env.From) to the owner of the
// alias in env.To. It returns nil when the message is accepted, including
// when the alias is disabled, and an *smtp.SMTPError otherwise.
func (r *Relay) Forward(ctx context.Context, env transport.Envelope, msg *Message) error {
	log := r.log.With(zap.String("phase", "forward"), zap.String("alias", env.To))

	alias, err := r.directory.LookupAlias(ctx, env.To)
	if err != nil {
		if errors.Is(err, directory.ErrAliasNotFound) {
			log.Info("Alias does not exist")
			r.metrics.ObserveTransaction("forward", metrics.OutcomeRejected)
			return errUnknownAlias
		}
		log.Error("Alias lookup failed", zap.Error(err))
		r.metrics.ObserveTransaction("forward", metrics.OutcomeFailed)
		return errStoreUnavailable
	}

	sender, err := msg.Sender()
	if err != nil {
		if env.From == "" {
			log.Info("No usable sender address", zap.Error(err))
			r.metrics.ObserveTransaction("forward", metrics.OutcomeRejected)
			return errMalformedMessage
		}
		sender = &mail.Address{Address: env.From}
	}

	var mailbox string
	if alias.Enabled {
		mailbox, err = r.directory.MailboxOf(ctx, alias.OwnerID)
		if err != nil {
			if errors.Is(err, directory.ErrOwnerNotFound) {
				log.Warn("Alias has no owner mailbox", zap.Uint("owner_id", alias.OwnerID))
				r.metrics.ObserveTransaction("forward", metrics.OutcomeRejected)
				return errUnknownAlias
			}
			log.Error("Owner lookup failed", zap.Error(err))
			r.metrics.ObserveTransaction("forward", metrics.OutcomeFailed)
			return errStoreUnavailable
		}
	}

	var mapping *database.ForwardMapping
	err = r.store.Transaction(ctx, func(uow *database.UnitOfWork) error {
		m, created, err := uow.ForwardMapping(alias.Address, sender.Address, sender.String())
		if err != nil {
			return err
		}
		if created {
			r.metrics.MappingCreated()
			log.Info("Created forward mapping",
				zap.String("sender", m.ExternalSender),
				zap.String("reply_handle", m.ReplyHandle))
		}
		mapping = m
		_, err = uow.AppendLog(m.ID, database.DirectionForward, !alias.Enabled)
		return err
	})
	if err != nil {
		if errors.Is(err, database.ErrHandleSpaceExhausted) {
			log.Error("Could not allocate a reply handle, check relay.handleattempts", zap.Error(err))
		} else {
			log.Error("Failed to record forward", zap.Error(err))
		}
		r.metrics.ObserveTransaction("forward", metrics.OutcomeFailed)
		return errStoreUnavailable
	}

	if !alias.Enabled {
		log.Info("Alias is disabled, not forwarding", zap.String("sender", sender.Address))
		r.metrics.ObserveTransaction("forward", metrics.OutcomeBlocked)
		return nil
	}

	err = ForwardTransform{
		Sender:         sender,
		ReplyHandle:    mapping.ReplyHandle,
		UnsubscribeURL: r.unsubscribeURL(alias.ID),
	}.Apply(msg)
	if err != nil {
		log.Error("Forward transform failed", zap.Error(err))
		r.metrics.ObserveTransaction("forward", metrics.OutcomeFailed)
		return errMalformedMessage
	}

	raw := r.sign(msg.Bytes(), log)
	out := outboundEnvelope(mapping.ReplyHandle, mailbox, env, len(raw))
	return r.deliver(ctx, PhaseForward, out, raw, log)
}

// Reply relays an owner's reply sent to the reply handle in env.To back to
// the external sender, as if it came from the alias
func (r *Relay) Reply(ctx context.Context, env transport.Envelope, msg *Message) error {
	log := r.log.With(zap.String("phase", "reply"), zap.String("reply_handle", env.To))

	_, domain, err := splitAddress(env.To)
	if err != nil {
		r.metrics.ObserveTransaction("reply", metrics.OutcomeRejected)
		return errBadRecipient
	}
	if !strings.EqualFold(domain, r.cfg.Domain) {
		log.Info("Reply handle has wrong domain", zap.String("domain", domain))
		r.metrics.ObserveTransaction("reply", metrics.OutcomeRejected)
		return errWrongRelayDomain
	}

	var (
		mapping    *database.ForwardMapping
		alias      *directory.Alias
		owner      string
		authorized bool
	)
	err = r.store.Transaction(ctx, func(uow *database.UnitOfWork) error {
		m, err := uow.MappingByReplyHandle(env.To)
		if err != nil {
			return err
		}
		a, err := r.directory.LookupAlias(ctx, m.AliasAddress)
		if err != nil {
			return err
		}
		mailbox, err := r.directory.MailboxOf(ctx, a.OwnerID)
		if err != nil {
			return err
		}

		mapping, alias, owner = m, a, mailbox
		authorized = sameAddress(env.From, mailbox)
		_, err = uow.AppendLog(m.ID, database.DirectionReply, !authorized)
		return err
	})
	switch {
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, directory.ErrAliasNotFound),
		errors.Is(err, directory.ErrOwnerNotFound):
		log.Info("Reply handle does not resolve", zap.Error(err))
		r.metrics.ObserveTransaction("reply", metrics.OutcomeRejected)
		return errUnknownReplyHandle
	case err != nil:
		log.Error("Failed to record reply", zap.Error(err))
		r.metrics.ObserveTransaction("reply", metrics.OutcomeFailed)
		return errStoreUnavailable
	}

	if !authorized {
		log.Warn("Reply handle used by someone other than the alias owner",
			zap.String("mail_from", env.From),
			zap.String("alias", alias.Address))
		r.metrics.ObserveTransaction("reply", metrics.OutcomeUnauthorized)
		r.notifyUnauthorized(ctx, env.From, mapping.ReplyHandle, log)
		return nil
	}

	err = ReplyTransform{
		Alias:          alias.Address,
		Owner:          owner,
		ExternalSender: mapping.ExternalSender,
		UnsubscribeURL: r.unsubscribeURL(alias.ID),
	}.Apply(msg)
	if err != nil {
		log.Error("Reply transform failed", zap.Error(err))
		r.metrics.ObserveTransaction("reply", metrics.OutcomeFailed)
		return errMalformedMessage
	}

	raw := msg.Bytes()
	// owner-supplied alias domains are left unsigned; there is one key, for the relay domain
	if _, aliasDomain, err := splitAddress(alias.Address); err == nil && strings.EqualFold(aliasDomain, r.cfg.Domain) {
		raw = r.sign(raw, log)
	}

	out := outboundEnvelope(alias.Address, mapping.ExternalSender, env, len(raw))
	return r.deliver(ctx, PhaseReply, out, raw, log)
}

// sign returns raw with a DKIM signature, or raw unchanged when signing fails
func (r *Relay) sign(raw []byte, log *zap.Logger) []byte {
	signed, err := r.signer.Sign(raw)
	if err != nil {
		log.Warn("DKIM signing failed, relaying unsigned", zap.Error(err))
		r.metrics.DKIMFailed()
		return raw
	}
	return signed
}

func (r *Relay) deliver(ctx context.Context, phase Phase, out transport.Envelope, raw []byte, log *zap.Logger) error {
	started := time.Now()
	err := r.sender.Send(ctx, out, raw)
	r.metrics.ObserveOutbound(phase.String(), started)

	if err != nil {
		r.metrics.ObserveTransaction(phase.String(), metrics.OutcomeFailed)
		if transport.IsPermanent(err) {
			log.Warn("Upstream rejected relayed message", zap.String("to", out.To), zap.Error(err))
			return errTransportPermanent
		}
		log.Warn("Upstream delivery failed", zap.String("to", out.To), zap.Error(err))
		return errTransportTransient
	}

	log.Info("Relayed message",
		zap.String("mail_from", out.From),
		zap.String("rcpt_to", out.To),
		zap.Duration("took", time.Since(started)))
	r.metrics.ObserveTransaction(phase.String(), metrics.OutcomeRelayed)
	return nil
}

func (r *Relay) notifyUnauthorized(ctx context.Context, to, replyHandle string, log *zap.Logger) {
	if r.notifier == nil || to == "" {
		return
	}
	subject := fmt.Sprintf("Your email (%s) is not allowed to send email to %s", to, replyHandle)
	body := subject + "\r\n\r\n" +
		"Replies to this address are only relayed when they come from the mailbox that owns the alias.\r\n"
	if r.cfg.SupportAddress != "" {
		body += "\r\nPlease contact " + r.cfg.SupportAddress + " if you think this is an error.\r\n"
	}

	err := r.notifier.Notify(ctx, to, subject, body)
	r.metrics.Notice(err)
	if err != nil {
		log.Warn("Failed to send courtesy notice", zap.String("to", to), zap.Error(err))
	}
}

// outboundEnvelope carries the inbound MAIL and RCPT parameters over to the
// outbound hop. A declared SIZE is updated to the rewritten message.
func outboundEnvelope(from, to string, in transport.Envelope, size int) transport.Envelope {
	out := transport.Envelope{
		From:        from,
		To:          to,
		RcptOptions: in.RcptOptions,
	}
	if in.MailOptions != nil {
		opts := *in.MailOptions
		if opts.Size > 0 {
			opts.Size = int64(size)
		}
		out.MailOptions = &opts
	}
	return out
}
