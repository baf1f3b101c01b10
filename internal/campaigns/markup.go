package campaigns

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/config"
)

// clickableHref matches an href attribute carrying an absolute http(s)
// URL. Template-variable hrefs ({{unsub}}), fragment-only anchors, and
// javascript: URLs never match, which is exactly the eligibility rule.
var clickableHref = regexp.MustCompile(`(?i)(href=["']?)(https?://[^"' >]+)`)

// EnableClickTracking rewrites every eligible anchor into a tracked
// click URL and returns the rewritten HTML plus the Link records to
// persist, in document order with indices starting at startIndex.
// The {{uuid}} placeholder is resolved per recipient at render time.
func EnableClickTracking(htmlSrc string, emailID uuid.UUID, startIndex int, site config.SiteConfig) (string, []Link) {
	var links []Link
	index := startIndex

	out := clickableHref.ReplaceAllStringFunc(htmlSrc, func(match string) string {
		sub := clickableHref.FindStringSubmatch(match)
		prefix, url := sub[1], sub[2]

		link := Link{
			ID:      uuid.New(),
			EmailID: emailID,
			URL:     url,
			Index:   index,
		}
		index++
		links = append(links, link)

		return prefix + clickURL(link.ID, site)
	})

	return out, links
}

func clickURL(linkID uuid.UUID, site config.SiteConfig) string {
	return fmt.Sprintf("%s://%s/track/click/%s/{{uuid}}/",
		site.Protocol(), site.Domain, linkID)
}

// TrackLinksInText substitutes each link's original URL in the text
// variant with its tracked click URL, one occurrence per link in
// document order so duplicate URLs map onto their own link records.
func TrackLinksInText(text string, links []Link, site config.SiteConfig) string {
	for _, link := range links {
		text = strings.Replace(text, link.URL, clickURL(link.ID, site), 1)
	}
	return text
}

// OpenPixelURL composes the open-tracking pixel URL with the per-recipient
// {{uuid}} placeholder still unresolved.
func OpenPixelURL(emailID uuid.UUID, site config.SiteConfig) string {
	return fmt.Sprintf("%s://%s/track/open/%s/{{uuid}}/", site.Protocol(), site.Domain, emailID)
}

// EnableOpenTracking injects a 1x1 pixel img immediately before </body>,
// or at end of document when no body tag exists. Calling it twice leaves
// a single pixel.
func EnableOpenTracking(htmlSrc string, emailID uuid.UUID, site config.SiteConfig) string {
	if strings.Contains(htmlSrc, "/track/open/") {
		return htmlSrc
	}
	img := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`,
		OpenPixelURL(emailID, site))

	lower := strings.ToLower(htmlSrc)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return htmlSrc[:idx] + img + htmlSrc[idx:]
	}
	return htmlSrc + img
}

var (
	anchorElem = regexp.MustCompile(`(?is)<a\b[^>]*href=["']?([^"' >]+)["']?[^>]*>(.*?)</a>`)
	liElem     = regexp.MustCompile(`(?is)<li\b[^>]*>(.*?)</li>`)
	boldElem   = regexp.MustCompile(`(?is)<(strong|b)\b[^>]*>(.*?)</(strong|b)>`)
	italicElem = regexp.MustCompile(`(?is)<(em|i)\b[^>]*>(.*?)</(em|i)>`)
	brElem     = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockClose = regexp.MustCompile(`(?i)</(p|div|h[1-6]|ul|ol|table|tr)>`)
	anyTag     = regexp.MustCompile(`(?s)<[^>]*>`)
)

// PlainText derives the text/plain alternative from an HTML body.
// Anchors become "text (href)" unless the text already is the href,
// list items become "* text", strong/b become "*text*", em/i become
// "_text_"; everything else is reduced to its textual content. The
// derivation is deterministic.
func PlainText(htmlSrc string) string {
	out := anchorElem.ReplaceAllStringFunc(htmlSrc, func(match string) string {
		sub := anchorElem.FindStringSubmatch(match)
		href := sub[1]
		text := strings.TrimSpace(anyTag.ReplaceAllString(sub[2], ""))
		if text == href || text == "" {
			return href
		}
		return fmt.Sprintf("%s (%s)", text, href)
	})

	out = liElem.ReplaceAllString(out, "* $1\n")
	out = boldElem.ReplaceAllString(out, "*$2*")
	out = italicElem.ReplaceAllString(out, "_${2}_")
	out = brElem.ReplaceAllString(out, "\n")
	out = blockClose.ReplaceAllString(out, "\n")
	out = anyTag.ReplaceAllString(out, "")
	out = html.UnescapeString(out)

	// Collapse runs of blank lines left behind by stripped markup.
	lines := strings.Split(out, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			b.WriteString("\n")
			continue
		}
		blank = 0
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
