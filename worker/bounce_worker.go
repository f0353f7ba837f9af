package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"dripflow/catalog"
	"dripflow/config"
	"dripflow/models"
	"dripflow/store"
)

// dedupHeaderPattern matches the dedup header we stamp on every outgoing
// message; bounce notifications usually quote the original headers back.
var dedupHeaderPattern = regexp.MustCompile(`X-Dripflow-Dedup:\s*([0-9a-fA-F-]{36}):(\d+)`)

// BounceWorker polls a mailbox for delivery status notifications. A hard
// bounce is recorded and, per campaign policy, cancels the instance so the
// address stops receiving mail without manual intervention.
type BounceWorker struct {
	store    *store.SequenceStore
	catalog  *catalog.Catalog
	cfg      config.IMAPConfig
	interval time.Duration
	logger   *logrus.Logger
}

func NewBounceWorker(st *store.SequenceStore, cat *catalog.Catalog, cfg config.IMAPConfig, interval time.Duration, logger *logrus.Logger) *BounceWorker {
	return &BounceWorker{
		store:    st,
		catalog:  cat,
		cfg:      cfg,
		interval: interval,
		logger:   logger,
	}
}

func (bw *BounceWorker) Start(ctx context.Context) {
	bw.logger.Info("bounce worker started")
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("bounce worker shutting down")
			return
		case <-ticker.C:
			if err := bw.fetchBounces(); err != nil {
				bw.logger.WithError(err).Error("bounce mailbox poll failed")
			}
		}
	}
}

func (bw *BounceWorker) fetchBounces() error {
	var imapClient *client.Client
	var err error
	imapAddr := fmt.Sprintf("%s:%d", bw.cfg.Host, bw.cfg.Port)

	switch strings.ToUpper(bw.cfg.Encryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{ServerName: bw.cfg.Host})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{ServerName: bw.cfg.Host})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(bw.cfg.Username, bw.cfg.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := imapClient.Select(bw.cfg.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	processed := new(imap.SeqSet)
	for msg := range messages {
		if err := bw.processMessage(msg); err != nil {
			bw.logger.WithError(err).WithField("seq", msg.SeqNum).Warn("failed to process bounce message")
			continue
		}
		processed.AddNum(msg.SeqNum)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	if !processed.Empty() {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := imapClient.Store(processed, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			bw.logger.WithError(err).Warn("failed to mark bounce messages seen")
		}
	}
	return nil
}

func (bw *BounceWorker) processMessage(msg *imap.Message) error {
	if msg.Body == nil {
		return nil
	}
	// The fetch response keys the body map with the server-parsed section
	// name, so a map lookup with our own key would always miss; GetBody
	// matches sections by value.
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return fmt.Errorf("message body not found")
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return fmt.Errorf("failed to create message reader: %w", err)
	}

	failedRecipient := mr.Header.Get("X-Failed-Recipients")

	var body strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return fmt.Errorf("failed to read part body: %w", err)
		}
		body.Write(b)
	}

	// Bounce notifications quote the original message, dedup header included.
	if m := dedupHeaderPattern.FindStringSubmatch(body.String()); m != nil {
		stepIndex, _ := strconv.Atoi(m[2])
		return bw.recordInstanceBounce(m[1], stepIndex, msg.Envelope.Subject)
	}

	if failedRecipient != "" {
		return bw.recordSubjectBounce(failedRecipient, msg.Envelope.Subject)
	}

	// Not recognisably a bounce; leave it for a human.
	return nil
}

func (bw *BounceWorker) recordInstanceBounce(instanceID string, stepIndex int, reason string) error {
	instance, err := bw.store.GetInstance(instanceID)
	if err != nil {
		return fmt.Errorf("bounced instance %s not found: %w", instanceID, err)
	}

	if err := bw.store.RecordBounce(&models.Bounce{
		SubjectID:    instance.SubjectID,
		CampaignKind: instance.CampaignKind,
		InstanceID:   instance.InstanceID,
		StepIndex:    stepIndex,
		Type:         models.BounceTypeHard,
		Reason:       reason,
	}); err != nil {
		return err
	}

	def, ok := bw.catalog.Definition(instance.CampaignKind)
	if ok && def.CancelOnHardBounce && instance.Status == models.InstanceStatusActive {
		if err := bw.store.CancelInstanceByID(instance.ID, "hard bounce", time.Now()); err != nil {
			return err
		}
		bw.logger.WithFields(logrus.Fields{
			"instance_id": instance.InstanceID,
			"subject_id":  instance.SubjectID,
		}).Info("instance cancelled after mailbox bounce")
	}
	return nil
}

func (bw *BounceWorker) recordSubjectBounce(subjectID, reason string) error {
	if err := bw.store.RecordBounce(&models.Bounce{
		SubjectID: subjectID,
		Type:      models.BounceTypeHard,
		Reason:    reason,
	}); err != nil {
		return err
	}

	instances, err := bw.store.ListInstances(subjectID)
	if err != nil {
		return err
	}
	for i := range instances {
		if instances[i].Status != models.InstanceStatusActive {
			continue
		}
		def, ok := bw.catalog.Definition(instances[i].CampaignKind)
		if !ok || !def.CancelOnHardBounce {
			continue
		}
		if err := bw.store.CancelInstanceByID(instances[i].ID, "hard bounce", time.Now()); err != nil {
			return err
		}
	}
	return nil
}
