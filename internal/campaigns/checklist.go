package campaigns

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/mailkite/mailkite/internal/render"
)

// Checklist is the pre-flight gate a campaign email must pass before
// delivery may start.
type Checklist struct {
	Recipients bool `json:"recipients"`
	From       bool `json:"from"`
	Subject    bool `json:"subject"`
	Content    bool `json:"content"`
	Unsub      bool `json:"unsub"`
	PlainText  bool `json:"plaintext"`
}

// OK reports whether every checklist item passed.
func (c Checklist) OK() bool {
	return c.Recipients && c.From && c.Subject && c.Content && c.Unsub && c.PlainText
}

// RunChecklist evaluates the gate for one email. The unsubscribe check
// renders the body with a random sentinel as the unsub variable and
// looks for it in both output variants; a user can still hide the link
// with markup, but a missing variable is caught here.
func RunChecklist(e *Email, engine *render.Engine, activeRecipients int) Checklist {
	cl := Checklist{
		Recipients: activeRecipients > 0,
		From:       e.FromEmail != "",
		Subject:    e.Subject != "",
		Content:    e.ContentHTML != "",
		PlainText:  strings.TrimSpace(e.ContentText) != "",
	}

	if cl.Content && cl.PlainText {
		sentinel := randomSentinel()
		ctx := render.Context{"unsub": sentinel, "name": "", "uuid": "", "sub": "", "domain": ""}
		htmlOut, errHTML := engine.Render("", e.ContentHTML, ctx)
		textOut, errText := engine.Render("", e.ContentText, ctx)
		cl.Unsub = errHTML == nil && errText == nil &&
			strings.Contains(htmlOut, sentinel) && strings.Contains(textOut, sentinel)
	}
	return cl
}

func randomSentinel() string {
	buf := make([]byte, 25)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
