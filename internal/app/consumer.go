/**
 * @description
 * Broker handler for bank link provisioning requests. Each message names one bank
 * link; the handler runs the same remediation the HTTP fix-up endpoints use.
 *
 * @notes
 * - Returning true acknowledges the delivery. Permanent precondition failures are
 *   acknowledged so they are not redelivered forever; the sweep picks the link up
 *   again once the precondition is fixed.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/justbank/transfer-service/internal/domain"
)

// ProvisioningConsumer handles banklink.provision.requested deliveries.
type ProvisioningConsumer struct {
	provisioner *Provisioner
	timeout     time.Duration
}

// NewProvisioningConsumer creates a consumer backed by provisioner.
func NewProvisioningConsumer(provisioner *Provisioner) *ProvisioningConsumer {
	return &ProvisioningConsumer{provisioner: provisioner, timeout: 30 * time.Second}
}

// HandleMessage processes one delivery and reports whether it should be acknowledged.
func (c *ProvisioningConsumer) HandleMessage(body []byte) bool {
	var event domain.BankLinkEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=provisioning_consumer msg=\"dropping malformed message\" err=%v", err)
		return true
	}
	bankLinkID := strings.TrimSpace(event.BankLinkID)
	if bankLinkID == "" {
		log.Printf("level=warn component=provisioning_consumer msg=\"dropping message without bank_link_id\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.provisioner.EnsureFundingSource(ctx, bankLinkID, ProvisionOptions{RederiveProcessorToken: true})
	if err != nil {
		if isRetryable(err) {
			log.Printf("level=warn component=provisioning_consumer msg=\"provisioning failed; requeueing\" bank_link_id=%s kind=%v err=%v", bankLinkID, KindOf(err), err)
			return false
		}
		log.Printf("level=warn component=provisioning_consumer msg=\"provisioning failed permanently; acknowledging\" bank_link_id=%s kind=%v err=%v", bankLinkID, KindOf(err), err)
		return true
	}

	log.Printf("level=info component=provisioning_consumer msg=\"provisioning handled\" bank_link_id=%s created=%t already_exists=%t reason=%s", bankLinkID, result.Created, result.AlreadyProvisioned, event.Reason)
	return true
}

func isRetryable(err error) bool {
	var provisionErr *ProvisionError
	if errors.As(err, &provisionErr) {
		return provisionErr.Retryable
	}
	return true
}
