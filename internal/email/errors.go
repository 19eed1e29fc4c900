package email

import (
	"github.com/emersion/go-smtp"
)

// Replies sent back to the inbound client. Permanent conditions use 5xx so
// the client stops retrying; transient ones use 4xx.
var (
	replyAccepted = &smtp.SMTPError{
		Code:         250,
		EnhancedCode: smtp.EnhancedCode{2, 0, 0},
		Message:      "Message accepted for delivery",
	}
	errUnknownAlias = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Mailbox does not exist",
	}
	errUnknownReplyHandle = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Reply address does not exist",
	}
	errWrongRelayDomain = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Reply address is not handled by this relay",
	}
	errBadRecipient = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Bad recipient address syntax",
	}
	errTooManyRecipients = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "One recipient per transaction",
	}
	errMalformedMessage = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
	errMessageTooLarge = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Message too big",
	}
	errTransportTransient = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 1},
		Message:      "Upstream delivery failed, try again later",
	}
	errTransportPermanent = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "Upstream rejected the message",
	}
	errStoreUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Local problem, try again later",
	}
)
