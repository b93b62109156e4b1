package builder

import (
	"fmt"
	"math"

	"kickoff/internal/types"
)

// catalog holds the localized strings for one locale. Format verbs are
// documented per field.
type catalog struct {
	reminderTitle     string // %s lead time ("2 hours")
	reminderTitleSoon string // no verbs, used below one hour
	reminderBody      string // %s start, %s venue, %s spots clause
	spotsLeft         string // %d spots
	matchFull         string

	updateTitle map[types.ChangeKind]string
	updateBody  map[types.ChangeKind]string // %s start, %s venue, %d capacity

	joinedTitle string
	joinedBody  string // %s player, %s date, %s spots clause
	leftTitle   string
	leftBody    string // %s player, %s date, %s spots clause

	cancelledTitle      string
	cancelledBody       string // %s date, %s venue
	cancelledBodyReason string // %s date, %s venue, %s reason

	newMatchTitle string // %s venue
	newMatchBody  string // %s organizer, %s start, %s spots clause

	actionView       string
	actionLeave      string
	actionJoin       string
	actionDirections string

	hours   func(h float64) string
	minutes func(m int) string
	days    func(d int) string
	dateFmt string
	timeFmt string
}

var catalogs = map[string]*catalog{
	"en": {
		reminderTitle:     "Match in %s",
		reminderTitleSoon: "Your match starts soon",
		reminderBody:      "Kickoff %s at %s. %s",
		spotsLeft:         "%d spots left.",
		matchFull:         "The match is full.",
		updateTitle: map[types.ChangeKind]string{
			types.ChangeTime:     "Match time changed",
			types.ChangeLocation: "Match location changed",
			types.ChangeCourt:    "Match court changed",
			types.ChangeCapacity: "Match size changed",
			types.ChangeGeneral:  "Match updated",
		},
		updateBody: map[types.ChangeKind]string{
			types.ChangeTime:     "The match now starts %[1]s at %[2]s.",
			types.ChangeLocation: "The match on %[1]s moved to %[2]s.",
			types.ChangeCourt:    "The match on %[1]s is now at %[2]s.",
			types.ChangeCapacity: "The match on %[1]s now has room for %[3]d players.",
			types.ChangeGeneral:  "Details for the match on %[1]s at %[2]s were updated.",
		},
		joinedTitle:         "Player joined",
		joinedBody:          "%s joined the match on %s. %s",
		leftTitle:           "Player left",
		leftBody:            "%s left the match on %s. %s",
		cancelledTitle:      "Match cancelled",
		cancelledBody:       "The match on %s at %s was cancelled.",
		cancelledBodyReason: "The match on %s at %s was cancelled: %s",
		newMatchTitle:       "New match at %s",
		newMatchBody:        "%s organised a match %s. %s",
		actionView:          "View match",
		actionLeave:         "Can't make it",
		actionJoin:          "Join",
		actionDirections:    "Directions",
		hours: func(h float64) string {
			if h == 1 {
				return "1 hour"
			}
			return types.FormatOffset(h) + " hours"
		},
		minutes: func(m int) string { return fmt.Sprintf("%d minutes", m) },
		days: func(d int) string {
			if d == 1 {
				return "1 day"
			}
			return fmt.Sprintf("%d days", d)
		},
		dateFmt: "Mon 2 Jan",
		timeFmt: "15:04",
	},
	"nl": {
		reminderTitle:     "Wedstrijd over %s",
		reminderTitleSoon: "Je wedstrijd begint zo",
		reminderBody:      "Aftrap %s bij %s. %s",
		spotsLeft:         "Nog %d plekken vrij.",
		matchFull:         "De wedstrijd is vol.",
		updateTitle: map[types.ChangeKind]string{
			types.ChangeTime:     "Aanvangstijd gewijzigd",
			types.ChangeLocation: "Locatie gewijzigd",
			types.ChangeCourt:    "Veld gewijzigd",
			types.ChangeCapacity: "Aantal spelers gewijzigd",
			types.ChangeGeneral:  "Wedstrijd bijgewerkt",
		},
		updateBody: map[types.ChangeKind]string{
			types.ChangeTime:     "De wedstrijd begint nu %[1]s bij %[2]s.",
			types.ChangeLocation: "De wedstrijd van %[1]s is verplaatst naar %[2]s.",
			types.ChangeCourt:    "De wedstrijd van %[1]s is nu op %[2]s.",
			types.ChangeCapacity: "De wedstrijd van %[1]s heeft nu plek voor %[3]d spelers.",
			types.ChangeGeneral:  "De details van de wedstrijd op %[1]s bij %[2]s zijn bijgewerkt.",
		},
		joinedTitle:         "Speler aangemeld",
		joinedBody:          "%s doet mee aan de wedstrijd van %s. %s",
		leftTitle:           "Speler afgemeld",
		leftBody:            "%s heeft zich afgemeld voor de wedstrijd van %s. %s",
		cancelledTitle:      "Wedstrijd afgelast",
		cancelledBody:       "De wedstrijd van %s bij %s is afgelast.",
		cancelledBodyReason: "De wedstrijd van %s bij %s is afgelast: %s",
		newMatchTitle:       "Nieuwe wedstrijd bij %s",
		newMatchBody:        "%s organiseert een wedstrijd %s. %s",
		actionView:          "Bekijk",
		actionLeave:         "Afmelden",
		actionJoin:          "Meedoen",
		actionDirections:    "Route",
		hours: func(h float64) string {
			if h == 1 {
				return "1 uur"
			}
			return types.FormatOffset(h) + " uur"
		},
		minutes: func(m int) string { return fmt.Sprintf("%d minuten", m) },
		days: func(d int) string {
			if d == 1 {
				return "1 dag"
			}
			return fmt.Sprintf("%d dagen", d)
		},
		dateFmt: "2-1",
		timeFmt: "15:04",
	},
}

func catalogFor(locale string) *catalog {
	if c, ok := catalogs[locale]; ok {
		return c
	}
	return catalogs[types.DefaultLocale]
}

// leadTime renders a reminder offset in the largest whole unit.
func (c *catalog) leadTime(hours float64) string {
	switch {
	case hours >= 24 && math.Mod(hours, 24) == 0:
		return c.days(int(hours / 24))
	case hours >= 1:
		return c.hours(hours)
	default:
		return c.minutes(int(math.Round(hours * 60)))
	}
}
