package extractor

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selectors for the three product page anchors. Amazon renders the price as
// separate whole/fraction spans, so the price has to be reassembled from both.
const (
	priceWholeSelector    = "span.a-price-whole"
	priceFractionSelector = "span.a-price-fraction"
	reviewCountSelector   = "span#acrCustomerReviewText"
	ratingSelector        = "i.a-icon-star span.a-icon-alt"
)

// KeyContentSelector matches when at least one of the price or review-count
// anchors is present. Used by the fetch session to decide whether the page
// rendered a product at all.
const KeyContentSelector = priceWholeSelector + ", " + reviewCountSelector

// Outcome classifies a single fetch attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomePartialExtraction Outcome = "partial_extraction"
	OutcomePageTimeout       Outcome = "page_timeout"
	OutcomeFetchFailed       Outcome = "fetch_failed"
)

// Result is the ephemeral product of one fetch attempt. Nil fields mean the
// value could not be extracted; that is never an error.
type Result struct {
	Price       *float64
	ReviewCount *int
	Rating      *float64
	Outcome     Outcome
}

// Extract pulls price, review count and rating out of a rendered product
// page. Each field is guarded independently so one broken node does not
// block the others, and it never returns an error: missing data is encoded
// as nil fields and a PartialExtraction outcome.
func Extract(html string) Result {
	res := Result{Outcome: OutcomeSuccess}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		res.Outcome = OutcomePartialExtraction
		return res
	}

	res.Price = extractPrice(doc)
	res.ReviewCount = extractReviewCount(doc)
	res.Rating = extractRating(doc)

	if res.Price == nil || res.ReviewCount == nil || res.Rating == nil {
		res.Outcome = OutcomePartialExtraction
	}

	return res
}

// extractPrice reassembles the price from the whole and fraction spans.
// Missing nodes fall back to "0"/"00" so a page that only renders one half
// still yields a parseable value.
func extractPrice(doc *goquery.Document) *float64 {
	whole := "0"
	if sel := doc.Find(priceWholeSelector).First(); sel.Length() > 0 {
		whole = strings.ReplaceAll(strings.TrimSpace(sel.Text()), ",", "")
	}

	fraction := "00"
	if sel := doc.Find(priceFractionSelector).First(); sel.Length() > 0 {
		fraction = strings.TrimSpace(sel.Text())
	}
	if len(fraction) > 2 {
		fraction = fraction[:2]
	}

	// The whole part sometimes already carries the decimal separator.
	var raw string
	if strings.HasSuffix(whole, ".") {
		raw = whole + fraction
	} else {
		raw = whole + "." + fraction
	}

	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &price
}

// extractReviewCount parses the leading token of the review-count span,
// e.g. "1,234 ratings" -> 1234. Non-numeric tokens count as zero reviews.
func extractReviewCount(doc *goquery.Document) *int {
	sel := doc.Find(reviewCountSelector).First()
	if sel.Length() == 0 {
		return nil
	}

	fields := strings.Fields(strings.TrimSpace(sel.Text()))
	count := 0
	if len(fields) > 0 {
		token := strings.ReplaceAll(fields[0], ",", "")
		if isDigits(token) {
			count, _ = strconv.Atoi(token)
		}
	}
	return &count
}

// extractRating parses the star rating from text like "4.5 out of 5 stars".
func extractRating(doc *goquery.Document) *float64 {
	sel := doc.Find(ratingSelector).First()
	if sel.Length() == 0 {
		return nil
	}

	text := strings.TrimSpace(sel.Text())
	if !strings.Contains(text, "out of") {
		return nil
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}

	rating, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return &rating
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
