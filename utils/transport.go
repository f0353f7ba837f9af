package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"dripflow/config"
)

// DeliveryError classifies a failed send. Transient failures (timeouts,
// 4xx greylisting, rate limits) are retried with backoff; permanent failures
// (hard bounce, rejected address) are not.
type DeliveryError struct {
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTransientDelivery reports whether err is a retryable delivery failure.
func IsTransientDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Transient
}

// IsPermanentDelivery reports whether err is a terminal delivery failure.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && !de.Transient
}

// DeliveryTransport sends a rendered message to a subject. Implementations
// must honour the context deadline; the dedup key is attached to the outgoing
// message so bounces and audits can be traced back to the step.
type DeliveryTransport interface {
	Send(ctx context.Context, to string, msg Message, dedupKey string) (string, error)
}

// SMTPTransport delivers over SMTP.
type SMTPTransport struct {
	cfg config.SMTPConfig
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Send dials and delivers one message. Returns a delivery id on success or a
// *DeliveryError on failure.
func (t *SMTPTransport) Send(ctx context.Context, to string, msg Message, dedupKey string) (string, error) {
	deliveryID := uuid.New().String()

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", t.cfg.FromName, t.cfg.FromEmail))
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Dripflow-Dedup", dedupKey)
	m.SetHeader("X-Dripflow-Delivery", deliveryID)
	m.SetBody("text/plain", msg.TextBody)
	m.AddAlternative("text/html", msg.HTMLBody)

	d := gomail.NewDialer(t.cfg.Host, t.cfg.Port, t.cfg.Username, t.cfg.Password)

	// gomail has no context support; bound the call ourselves.
	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return "", &DeliveryError{Transient: true, Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return "", classifyDeliveryError(err)
		}
		return deliveryID, nil
	}
}

// classifyDeliveryError maps an SMTP error onto the transient/permanent
// taxonomy. 4xx reply codes and network timeouts are retryable; 5xx replies
// are hard rejections.
func classifyDeliveryError(err error) *DeliveryError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &DeliveryError{Transient: true, Err: err}
	}

	// net/smtp surfaces server replies as *textproto.Error; fall back to the
	// message text only for errors that lost the type along the way.
	var code int
	var ok bool
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code, ok = tpErr.Code, true
	} else {
		code, ok = smtpReplyCode(err.Error())
	}
	if ok {
		if code >= 500 {
			return &DeliveryError{Transient: false, Err: err}
		}
		if code >= 400 {
			return &DeliveryError{Transient: true, Err: err}
		}
	}

	// Connection refused, DNS failure and friends: worth retrying.
	return &DeliveryError{Transient: true, Err: err}
}

// smtpReplyCode extracts a reply code from an SMTP error string. Only a
// standalone three-digit field counts ("550", "451-greylisted"), so queue ids
// and address octets embedded in the message are never mistaken for a code.
func smtpReplyCode(msg string) (int, bool) {
	for _, field := range strings.Fields(msg) {
		if len(field) > 3 && field[3] == '-' {
			field = field[:3]
		}
		if len(field) != 3 {
			continue
		}
		if code, err := strconv.Atoi(field); err == nil && code >= 200 && code < 600 {
			return code, true
		}
	}
	return 0, false
}
