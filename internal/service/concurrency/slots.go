// Package concurrency decides how many calls may be launched and which
// process is allowed to launch them.
package concurrency

// Ceilings bounds concurrently active calls.
type Ceilings struct {
	// System caps active calls across every campaign.
	System int
	// DefaultPerCampaign applies when a campaign has no ceiling of its own.
	DefaultPerCampaign int
}

// AvailableSlots returns how many calls a campaign may launch now:
// min(campaign ceiling - campaign active, system ceiling - total active, batch).
// It never returns a negative number.
func (c Ceilings) AvailableSlots(campaignCeiling, campaignActive, totalActive, batch int) int {
	if campaignCeiling <= 0 {
		campaignCeiling = c.DefaultPerCampaign
	}
	slots := campaignCeiling - campaignActive
	if c.System > 0 {
		slots = min(slots, c.System-totalActive)
	}
	if batch > 0 {
		slots = min(slots, batch)
	}
	return max(slots, 0)
}
