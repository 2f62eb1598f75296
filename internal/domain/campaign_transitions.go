package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// CampaignCommand is an operator or dispatcher request on a campaign.
type CampaignCommand string

const (
	CampaignStart    CampaignCommand = "start"
	CampaignPause    CampaignCommand = "pause"
	CampaignResume   CampaignCommand = "resume"
	CampaignStop     CampaignCommand = "stop"
	CampaignComplete CampaignCommand = "complete"
	CampaignFail     CampaignCommand = "fail"
)

var campaignTransitions = map[CampaignCommand]struct {
	from []CampaignStatus
	to   CampaignStatus
}{
	CampaignStart:    {from: []CampaignStatus{CampaignStatusPending}, to: CampaignStatusRunning},
	CampaignPause:    {from: []CampaignStatus{CampaignStatusRunning}, to: CampaignStatusPaused},
	CampaignResume:   {from: []CampaignStatus{CampaignStatusPaused}, to: CampaignStatusRunning},
	CampaignStop:     {from: []CampaignStatus{CampaignStatusPending, CampaignStatusRunning, CampaignStatusPaused}, to: CampaignStatusCancelled},
	CampaignComplete: {from: []CampaignStatus{CampaignStatusRunning}, to: CampaignStatusCompleted},
	CampaignFail:     {from: []CampaignStatus{CampaignStatusPending, CampaignStatusRunning, CampaignStatusPaused}, to: CampaignStatusFailed},
}

// CampaignNextStatus checks the guard for cmd and returns the target status.
func CampaignNextStatus(from CampaignStatus, cmd CampaignCommand) (CampaignStatus, error) {
	rule, ok := campaignTransitions[cmd]
	if !ok {
		return from, fmt.Errorf("%w: unknown campaign command %q", apperrors.ErrInvalidTransition, cmd)
	}
	for _, allowed := range rule.from {
		if allowed == from {
			return rule.to, nil
		}
	}
	return from, fmt.Errorf("%w: cannot %s a %s campaign", apperrors.ErrInvalidTransition, cmd, from)
}

// ApplyCampaignCommand mutates the campaign when the guard passes.
func ApplyCampaignCommand(c *Campaign, cmd CampaignCommand, at time.Time) error {
	to, err := CampaignNextStatus(c.Status, cmd)
	if err != nil {
		return err
	}
	c.Status = to
	c.UpdatedAt = at
	if cmd == CampaignStart && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if to.IsTerminal() {
		c.CompletedAt = &at
	}
	return nil
}
