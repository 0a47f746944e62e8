package watch

import (
	"strings"
	"time"
)

// Activity shows recent event traffic as a row of dots that light up on
// each event and fade over the following seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
	now       func() time.Time
}

const activityDots = 5

func NewActivity() Activity {
	return Activity{now: time.Now}
}

func (a *Activity) OnEvent() {
	a.dots = activityDots
	a.lastEvent = a.now()
}

// Decay drops one dot for every two seconds without events.
func (a *Activity) Decay() {
	if a.dots == 0 {
		return
	}
	left := activityDots - int(a.now().Sub(a.lastEvent)/(2*time.Second))
	a.dots = max(0, min(a.dots, left))
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
