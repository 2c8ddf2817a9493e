package spdcl

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"strings"
	"time"

	"walletwatch-backend/lib/browser"
	"walletwatch-backend/lib/currency"
	"walletwatch-backend/lib/htmlutil"
	"walletwatch-backend/lib/scrapers/extract"
	"walletwatch-backend/lib/telemetry"
	"walletwatch-backend/lib/textutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/spdcl")

var ErrParseFailed = fmt.Errorf("could not extract any bill field from the page")

type Status string

const (
	StatusDue     Status = "DUE"
	StatusPaid    Status = "PAID"
	StatusNoDues  Status = "NO_DUES"
	StatusUnknown Status = "UNKNOWN"
)

type Bill struct {
	CustomerName string
	// unparseable dates come back nil, partial extraction is fine
	BillDate *time.Time
	DueDate  *time.Time

	AmountDue   float64
	BilledUnits float64
	// rolling window for trend display, newest first, at most three
	LastThreeAmounts []float64

	Status Status
	IsPaid bool

	PaidDate      *time.Time
	ReceiptNumber string
	PaidAmount    float64
}

type Client struct {
	browser    browser.Config
	portalUrl  string
	dataApiUrl string
	http       *resty.Client

	// pre-validation verdicts are stable for minutes at a time, no
	// point hitting the provider's API for every registration retry
	prevalidated *expirable.LRU[string, PrevalidationStatus]
}

type ClientOptions struct {
	Browser browser.Config
	// billing portal page scraped by FetchBill
	PortalUrl string
	// the provider's data API used by PrevalidateServiceNumber
	DataApiUrl string
}

func NewClient(opts ClientOptions) (Client, error) {
	if opts.PortalUrl == "" {
		return Client{}, fmt.Errorf("empty portal url")
	}
	if opts.DataApiUrl == "" {
		return Client{}, fmt.Errorf("empty data api url")
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return Client{}, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/spdcl/http")

	return Client{
		browser:      opts.Browser,
		portalUrl:    opts.PortalUrl,
		dataApiUrl:   opts.DataApiUrl,
		http:         client,
		prevalidated: expirable.NewLRU[string, PrevalidationStatus](1024, nil, time.Minute*15),
	}, nil
}

type Request struct {
	ServiceNumber string
}

var submitLabels = []string{"submit", "search", "go", "viewbill", "getbill"}

// FetchBill drives the public billing portal: fill the service number
// into the lookup form, submit, and extract the bill fields from the
// rendered result.
func (c Client) FetchBill(ctx context.Context, req Request) (Bill, error) {
	ctx, span := tracer.Start(ctx, "FetchBill")
	defer span.End()
	span.SetAttributes(attribute.String("service_number", req.ServiceNumber))

	var bill Bill
	_, err := browser.Session(ctx, c.browser, func(page playwright.Page) error {
		_, err := page.Goto(c.portalUrl, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		})
		if err != nil {
			return err
		}

		input := page.Locator(`input[type="text"], input[type="number"], input[type="search"]`).First()
		if err := input.Fill(req.ServiceNumber); err != nil {
			return fmt.Errorf("fill service number: %w", err)
		}

		if err := c.clickSubmit(page); err != nil {
			return err
		}

		_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State: playwright.LoadStateNetworkidle,
		})

		html, err := page.Content()
		if err != nil {
			return err
		}
		text, err := page.Locator("body").InnerText()
		if err != nil {
			return err
		}

		bill, err = parseBill(html, text)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Bill{}, err
	}

	span.SetAttributes(attribute.String("status", string(bill.Status)))
	return bill, nil
}

// clickSubmit clicks the first button-ish element whose label matches a
// submit/search phrase. portals disagree on markup, not on wording.
func (c Client) clickSubmit(page playwright.Page) error {
	buttons := page.Locator(`button, input[type="submit"], input[type="button"]`)
	n, err := buttons.Count()
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		b := buttons.Nth(i)

		label, _ := b.InnerText()
		if label == "" {
			if value, err := b.GetAttribute("value"); err == nil {
				label = value
			}
		}
		if !textutil.MatchName(label, submitLabels) {
			continue
		}
		return b.Click()
	}

	return fmt.Errorf("could not find a submit/search button")
}

var noDuesRegex = `(?i)no\s*dues|no\s*amount\s*(?:is\s*)?(?:due|payable)|bill\s*(?:already\s*)?paid`

func parseBill(html, text string) (Bill, error) {
	var doc *goquery.Document
	if d, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		doc = d
	}

	bill := Bill{Status: StatusUnknown}
	matchedAnything := false

	if name, ok := extractField(doc, text,
		[]string{"customername", "consumername"},
		`(?i)(?:customer|consumer)\s*name\s*[:\-]?\s*([A-Za-z][A-Za-z .]+)`,
	); ok {
		bill.CustomerName = htmlutil.CleanText(name)
		matchedAnything = true
	}

	if raw, ok := extractField(doc, text,
		[]string{"amountdue", "amountpayable", "netamount", "billamount"},
		`(?i)(?:amount\s*(?:due|payable)|net\s*amount|bill\s*amount)[^0-9₹]*₹?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`,
	); ok {
		if amount, err := parseLooseAmount(raw); err == nil {
			bill.AmountDue = amount
			matchedAnything = true
		}
	}

	if raw, ok := extractField(doc, text,
		[]string{"duedate"},
		`(?i)due\s*date\s*[:\-]?\s*([0-9]{1,2}[-/. ][A-Za-z0-9]{2,9}[-/. ][0-9]{2,4})`,
	); ok {
		if d := ParseDate(raw); d != nil {
			bill.DueDate = d
			matchedAnything = true
		}
	}

	if raw, ok := extractField(doc, text,
		[]string{"billdate", "billeddate"},
		`(?i)bill(?:ed)?\s*date\s*[:\-]?\s*([0-9]{1,2}[-/. ][A-Za-z0-9]{2,9}[-/. ][0-9]{2,4})`,
	); ok {
		if d := ParseDate(raw); d != nil {
			bill.BillDate = d
			matchedAnything = true
		}
	}

	if raw, ok := extractField(doc, text,
		[]string{"billedunits", "unitsconsumed"},
		`(?i)(?:billed\s*units|units\s*(?:consumed|billed)?)\s*[:\-]?\s*([0-9]+(?:\.[0-9]+)?)`,
	); ok {
		if units, err := parseLooseAmount(raw); err == nil {
			bill.BilledUnits = units
			matchedAnything = true
		}
	}

	if raw, ok := extractField(doc, text,
		[]string{"receiptno", "receiptnumber"},
		`(?i)receipt\s*(?:no|number)\.?\s*[:\-]?\s*([A-Za-z0-9/-]+)`,
	); ok {
		bill.ReceiptNumber = strings.TrimSpace(raw)
		matchedAnything = true
	}

	if raw, ok := extractField(doc, text,
		[]string{"paiddate", "paidon"},
		`(?i)paid\s*(?:on|date)\s*[:\-]?\s*([0-9]{1,2}[-/. ][A-Za-z0-9]{2,9}[-/. ][0-9]{2,4})`,
	); ok {
		if d := ParseDate(raw); d != nil {
			bill.PaidDate = d
			matchedAnything = true
		}
	}

	if raw, ok := extractField(doc, text,
		[]string{"amountpaid", "paidamount"},
		`(?i)(?:amount\s*paid|paid\s*amount)[^0-9₹]*₹?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`,
	); ok {
		if amount, err := parseLooseAmount(raw); err == nil {
			bill.PaidAmount = amount
			matchedAnything = true
		}
	}

	bill.LastThreeAmounts = extractLastAmounts(text)
	if len(bill.LastThreeAmounts) > 0 {
		matchedAnything = true
	}

	// the no-dues phrase is detected independently of the amount regex,
	// a zero amount alone is not proof of a settled bill
	_, _, noDuesMatched := extract.First(text, extract.Regex{
		Label:   "no-dues-phrase",
		Pattern: mustCompile(noDuesRegex),
		Group:   0,
	})

	switch {
	case noDuesMatched:
		bill.Status = StatusNoDues
		bill.IsPaid = true
		matchedAnything = true
	case bill.AmountDue > 0:
		bill.Status = StatusDue
	case bill.ReceiptNumber != "" || bill.PaidDate != nil || bill.PaidAmount > 0:
		// payment-receipt fields with nothing due means the last bill
		// was settled, even without an explicit no-dues phrase
		bill.Status = StatusPaid
		bill.IsPaid = true
	default:
		bill.Status = StatusUnknown
	}

	if !matchedAnything {
		return Bill{}, ErrParseFailed
	}
	return bill, nil
}

// extractField tries the labelled-cell DOM heuristic first, then the
// whole-text regex.
func extractField(doc *goquery.Document, text string, labels []string, pattern string) (string, bool) {
	if doc != nil {
		if value, ok := htmlutil.LabelledCell(doc, labels); ok {
			return value, true
		}
	}
	value, _, ok := extract.First(text, extract.Regex{
		Label:   labels[0],
		Pattern: mustCompile(pattern),
		Group:   1,
	})
	return value, ok
}

var lastAmountsRegex = mustCompile(`(?i)last\s*(?:3|three)\s*(?:months?\s*)?(?:bill(?:ed)?\s*)?amounts?\s*[:\-]?\s*((?:₹?\s*[0-9][0-9,]*(?:\.[0-9]+)?[\s,/|]*){1,3})`)
var bareAmountRegex = mustCompile(`[0-9][0-9,]*(?:\.[0-9]+)?`)

func extractLastAmounts(text string) []float64 {
	groups := lastAmountsRegex.FindStringSubmatch(text)
	if groups == nil {
		return nil
	}

	var out []float64
	for _, raw := range bareAmountRegex.FindAllString(groups[1], 3) {
		amount, err := parseLooseAmount(raw)
		if err != nil {
			continue
		}
		out = append(out, amount)
	}
	return out
}

func parseLooseAmount(raw string) (float64, error) {
	if money, err := currency.Parse(raw); err == nil {
		return money.Amount, nil
	}
	return currency.ParseAmount(raw)
}
