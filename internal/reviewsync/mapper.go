package reviewsync

import (
	"fmt"
	"strings"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/jomei/notionapi"
)

// Property names of the review database.
const (
	PropLabel         = "Label"
	PropTransactionID = "Transaction ID"
	PropAccount       = "Account"
	PropAmount        = "Amount"
	PropCurrency      = "Currency"
	PropDate          = "Date"
	PropCounterparty  = "Counterparty"
	PropTopDocument   = "Top Document"
	PropTopScore      = "Top Score"
	PropCandidates    = "Candidates"
)

// ReviewToNotionProperties converts a transaction awaiting review and its best
// candidates to Notion properties.
func ReviewToNotionProperties(tx domain.BankTransaction, candidates []scoring.Candidate) notionapi.Properties {
	label := tx.Label
	if label == "" {
		label = tx.ExternalID
	}
	date := notionapi.Date(tx.Date)

	props := notionapi.Properties{
		PropLabel: notionapi.TitleProperty{
			Title: richText(label),
		},
		PropTransactionID: notionapi.RichTextProperty{
			RichText: richText(tx.ID),
		},
		PropAccount: notionapi.SelectProperty{
			Select: notionapi.Option{Name: tx.AccountID},
		},
		PropAmount: notionapi.NumberProperty{
			Number: tx.Amount.InexactFloat64(),
		},
		PropCurrency: notionapi.SelectProperty{
			Select: notionapi.Option{Name: tx.Currency},
		},
		PropDate: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &date},
		},
	}

	if tx.Counterparty != "" {
		props[PropCounterparty] = notionapi.RichTextProperty{
			RichText: richText(tx.Counterparty),
		}
	}

	if len(candidates) > 0 {
		top := candidates[0]
		props[PropTopDocument] = notionapi.RichTextProperty{
			RichText: richText(top.DocumentID),
		}
		props[PropTopScore] = notionapi.NumberProperty{
			Number: top.Score,
		}
		props[PropCandidates] = notionapi.RichTextProperty{
			RichText: richText(describeCandidates(candidates)),
		}
	}

	return props
}

// describeCandidates renders one line per candidate, best first.
func describeCandidates(candidates []scoring.Candidate) string {
	lines := make([]string, 0, len(candidates))
	for _, c := range candidates {
		lines = append(lines, fmt.Sprintf("%s  score %.2f  open %s %s  %dd apart",
			c.DocumentID, c.Score, c.Document.OpenAmount.StringFixed(2), c.Document.Currency, c.DaysApart))
	}
	return strings.Join(lines, "\n")
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{
				Content: content,
			},
		},
	}
}

// extractTransactionID extracts the transaction ID from a Notion page's properties.
// Returns empty string if not found.
func extractTransactionID(page notionapi.Page) string {
	switch prop := page.Properties[PropTransactionID].(type) {
	case *notionapi.RichTextProperty:
		return plainText(prop.RichText)
	case notionapi.RichTextProperty:
		return plainText(prop.RichText)
	}
	return ""
}

// extractAccountID extracts the account from a Notion page's properties.
// Returns empty string if not found.
func extractAccountID(page notionapi.Page) string {
	switch prop := page.Properties[PropAccount].(type) {
	case *notionapi.SelectProperty:
		return prop.Select.Name
	case notionapi.SelectProperty:
		return prop.Select.Name
	}
	return ""
}

func plainText(rt []notionapi.RichText) string {
	if len(rt) == 0 {
		return ""
	}
	if rt[0].PlainText != "" {
		return rt[0].PlainText
	}
	if rt[0].Text != nil {
		return rt[0].Text.Content
	}
	return ""
}
