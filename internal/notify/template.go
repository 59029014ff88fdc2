// Package notify renders notification templates and delivers them through
// the mail collaborator, immediately or via deferred jobs.
package notify

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/civiclegal/referralflow/model"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Z][A-Z0-9_]*)\s*\}\}`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	blankRe       = regexp.MustCompile(`\n{3,}`)
)

// Render fills a template's subject and body from the variable map.
// Placeholders without a value render empty; they never leak into the
// delivered message.
func Render(tpl model.TemplateDefinition, vars map[string]string) (subject, body string) {
	return renderString(tpl.Subject, vars), renderString(tpl.Body, vars)
}

// RenderItems renders one list line per overdue matter and joins them.
func RenderItems(itemBody string, items []map[string]string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, renderString(itemBody, item))
	}
	return strings.Join(lines, "\n")
}

func renderString(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// StripTags derives the plain-text alternative from an HTML body.
func StripTags(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

const prettyDateFormat = "Jan 02, 2006"

// singleVars builds the placeholder map for single-referral templates.
func singleVars(ref model.Referral, pro model.Professional, link string) map[string]string {
	vars := map[string]string{
		model.VarProfessionalName:  pro.DisplayName,
		model.VarProfessionalPhone: pro.Phone,
		model.VarProfessionalEmail: pro.Email,
		model.VarDateOfReferral:    ref.CreatedAt.Format(prettyDateFormat),
		model.VarClientName:        ref.ClientName,
		model.VarClientPhone:       ref.Phone,
		model.VarClientEmail:       ref.Email,
		model.VarLinkToReferral:    link,
	}
	if ref.DeadlineDate != nil {
		vars[model.VarMatterDeadline] = ref.DeadlineDate.Format(prettyDateFormat)
	}
	return vars
}

// batchEmailVars builds the placeholder map for one batched overdue email.
func batchEmailVars(pro model.Professional, count int, mattersList, magicLink string) map[string]string {
	return map[string]string{
		model.VarProfessionalName:    pro.DisplayName,
		model.VarProfessionalEmail:   pro.Email,
		model.VarOverdueMattersCount: strconv.Itoa(count),
		model.VarOverdueMattersList:  mattersList,
		model.VarMagicLinkToPending:  magicLink,
	}
}

// itemLineVars builds the placeholder map for one line of the overdue list.
func itemLineVars(ref model.Referral, lastUpdated, link string) map[string]string {
	return map[string]string{
		model.VarClientName:   ref.ClientName,
		model.VarLastUpdated:  lastUpdated,
		model.VarReferralLink: link,
	}
}
