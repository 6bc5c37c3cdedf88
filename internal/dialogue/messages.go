package dialogue

import (
	"fmt"
	"strconv"
	"strings"

	"support-agent/internal/domain"
)

const keyAttributeCount = 3

func productCards(products []domain.Product, summary string) domain.ProductCardsPayload {
	if len(products) > domain.MaxPageSize {
		products = products[:domain.MaxPageSize]
	}
	cards := make([]domain.ProductCard, 0, len(products))
	for _, p := range products {
		cards = append(cards, toCard(p))
	}
	return domain.ProductCardsPayload{SummaryText: summary, Cards: cards}
}

func toCard(p domain.Product) domain.ProductCard {
	attrs := p.Attributes
	if len(attrs) > keyAttributeCount {
		attrs = attrs[:keyAttributeCount]
	}
	return domain.ProductCard{
		ID:            p.ID,
		Image:         p.Image,
		Title:         p.Title,
		Price:         p.Price,
		Currency:      p.Currency,
		StockStatus:   p.StockStatus,
		KeyAttributes: append([]domain.Attribute(nil), attrs...),
		ProductURL:    p.ProductURL,
		CTAButtons: []domain.CTAButton{{
			Label:  "View Product",
			Value:  "open_product:" + p.ID,
			Action: "open_url",
			URL:    p.ProductURL,
		}},
	}
}

// TextFallback flattens an envelope into the plain text posted to the
// messaging platform, which renders neither cards nor quick replies.
func TextFallback(env domain.Envelope) string {
	switch p := env.Payload.(type) {
	case domain.TextPayload:
		return p.Text
	case domain.ProductCardsPayload:
		lines := make([]string, 0, len(p.Cards))
		for i, c := range p.Cards {
			attrs := make([]string, 0, len(c.KeyAttributes))
			for _, a := range c.KeyAttributes {
				attrs = append(attrs, a.Name+": "+a.Value)
			}
			lines = append(lines, fmt.Sprintf("%d) %s - %s %s (%s)\n   %s\n   View: %s",
				i+1, c.Title, c.Currency, formatPrice(c.Price), c.StockStatus,
				strings.Join(attrs, "; "), c.ProductURL))
		}
		return strings.Join(lines, "\n")
	case domain.QuickRepliesPayload:
		lines := []string{p.Prompt}
		for i, r := range p.Replies {
			lines = append(lines, fmt.Sprintf("[%d] %s (%s)", i+1, r.Label, r.Value))
		}
		return strings.Join(lines, "\n")
	case domain.ErrorPayload:
		return p.Message
	case domain.HandoffPayload:
		return p.Message
	default:
		return "Unhandled message type"
	}
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
