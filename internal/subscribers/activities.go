package subscribers

import "fmt"

// activityRenderers dispatches human-readable rendering by activity type.
// Each renderer is a pure function of the activity row.
var activityRenderers = map[string]func(*Activity) string{
	ActivitySent: func(a *Activity) string {
		return "Campaign email sent"
	},
	ActivityOpened: func(a *Activity) string {
		if a.IPAddress != "" {
			return fmt.Sprintf("Opened campaign email from %s", a.IPAddress)
		}
		return "Opened campaign email"
	},
	ActivityClicked: func(a *Activity) string {
		return "Clicked a link in a campaign email"
	},
	ActivitySubscribed: func(a *Activity) string {
		if a.IPAddress != "" {
			return fmt.Sprintf("Confirmed subscription from %s", a.IPAddress)
		}
		return "Confirmed subscription"
	},
	ActivityUnsubscribed: func(a *Activity) string {
		if a.CampaignID != nil {
			return "Unsubscribed via campaign email"
		}
		return "Unsubscribed"
	},
	ActivityCleaned: func(a *Activity) string {
		return "Removed by list cleaning"
	},
	ActivityImported: func(a *Activity) string {
		return "Imported from file"
	},
}

// Describe renders one ledger row as a human-readable line. Unknown
// types fall back to the raw type name.
func Describe(a *Activity) string {
	if render, ok := activityRenderers[a.Type]; ok {
		return render(a)
	}
	return a.Type
}
