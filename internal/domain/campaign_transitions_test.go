package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

func TestCampaignNextStatus(t *testing.T) {
	cases := []struct {
		from    CampaignStatus
		cmd     CampaignCommand
		want    CampaignStatus
		wantErr bool
	}{
		{CampaignStatusPending, CampaignStart, CampaignStatusRunning, false},
		{CampaignStatusRunning, CampaignPause, CampaignStatusPaused, false},
		{CampaignStatusPaused, CampaignResume, CampaignStatusRunning, false},
		{CampaignStatusPaused, CampaignStop, CampaignStatusCancelled, false},
		{CampaignStatusRunning, CampaignComplete, CampaignStatusCompleted, false},
		{CampaignStatusPending, CampaignPause, CampaignStatusPending, true},
		{CampaignStatusPaused, CampaignPause, CampaignStatusPaused, true},
		{CampaignStatusRunning, CampaignStart, CampaignStatusRunning, true},
		{CampaignStatusPaused, CampaignComplete, CampaignStatusPaused, true},
		{CampaignStatusCompleted, CampaignStop, CampaignStatusCompleted, true},
		{CampaignStatusCancelled, CampaignResume, CampaignStatusCancelled, true},
	}

	for _, tc := range cases {
		got, err := CampaignNextStatus(tc.from, tc.cmd)
		if tc.wantErr {
			require.ErrorIs(t, err, apperrors.ErrInvalidTransition, "%s on %s", tc.cmd, tc.from)
		} else {
			require.NoError(t, err, "%s on %s", tc.cmd, tc.from)
		}
		assert.Equal(t, tc.want, got)
	}
}

func TestApplyCampaignCommandTimestamps(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	c := &Campaign{Status: CampaignStatusPending}

	require.NoError(t, ApplyCampaignCommand(c, CampaignStart, now))
	require.NotNil(t, c.StartedAt)
	assert.Nil(t, c.CompletedAt)

	require.NoError(t, ApplyCampaignCommand(c, CampaignStop, now.Add(time.Hour)))
	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, CampaignStatusCancelled, c.Status)

	err := ApplyCampaignCommand(c, CampaignResume, now.Add(2*time.Hour))
	require.Error(t, err)
	assert.Equal(t, CampaignStatusCancelled, c.Status)
}
