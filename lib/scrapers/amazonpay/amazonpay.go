package amazonpay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"walletwatch-backend/lib/browser"
	"walletwatch-backend/lib/currency"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/amazonpay")

var (
	ErrUnsupportedRegion = fmt.Errorf("unsupported storefront region")
	ErrLoginFailed       = fmt.Errorf("failed to login to the storefront")
	ErrBalanceNotFound   = fmt.Errorf("could not find a wallet balance page")
	ErrParseFailed       = fmt.Errorf("could not parse a balance amount")
)

var regionStorefronts = map[string]string{
	"in":  "https://www.amazon.in",
	"com": "https://www.amazon.com",
	"uk":  "https://www.amazon.co.uk",
	"de":  "https://www.amazon.de",
	"ca":  "https://www.amazon.ca",
	"ae":  "https://www.amazon.ae",
	"sg":  "https://www.amazon.sg",
	"au":  "https://www.amazon.com.au",
}

// tried in order, first page whose body matches balanceMarkerRegex wins
var candidateBalancePaths = []string{
	"/gp/sva/dashboard",
	"/gp/css/gc/balance",
	"/cpe/managegiftcardbalance",
}

var balanceMarkerRegex = regexp.MustCompile(`(?i)(amazon pay|gift card|wallet)\s+balance`)

// auth failure phrases the signin page renders inline
var loginErrorRegex = regexp.MustCompile(`(?i)(there was a problem|your password is incorrect|we cannot find an account)`)

type Client struct {
	browser browser.Config
}

type ClientOptions struct {
	Browser browser.Config
}

func NewClient(opts ClientOptions) Client {
	return Client{browser: opts.Browser}
}

type Request struct {
	Region   string
	Email    string
	Password string
	// storage state from a previous scrape, may be nil (cold start)
	StorageState []byte
}

type Balance struct {
	Money currency.Money
	// post-scrape session state. set whenever a browser session ran,
	// including on extraction failure, so callers should persist it
	// before inspecting the error.
	StorageState []byte
}

// FetchBalance drives a browser session through the storefront's
// login/navigation flow and scrapes the wallet balance off the page.
func (c Client) FetchBalance(ctx context.Context, req Request) (Balance, error) {
	ctx, span := tracer.Start(ctx, "FetchBalance")
	defer span.End()
	span.SetAttributes(attribute.String("region", req.Region))

	storefront, ok := regionStorefronts[strings.ToLower(strings.TrimSpace(req.Region))]
	if !ok {
		span.SetStatus(codes.Error, ErrUnsupportedRegion.Error())
		return Balance{}, fmt.Errorf("%w: %q", ErrUnsupportedRegion, req.Region)
	}

	cfg := c.browser
	cfg.StorageState = req.StorageState

	var money currency.Money
	var scrapeErr error

	newState, err := browser.Session(ctx, cfg, func(page playwright.Page) error {
		money, scrapeErr = c.scrapeBalance(ctx, page, storefront, req)
		return scrapeErr
	})

	out := Balance{Money: money, StorageState: newState}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	span.SetAttributes(
		attribute.String("currency", money.Currency),
		attribute.Float64("amount", money.Amount),
	)
	return out, nil
}

func (c Client) scrapeBalance(ctx context.Context, page playwright.Page, storefront string, req Request) (currency.Money, error) {
	// warm path: a seeded session may still be signed in, in which case
	// the balance page renders without any login flow
	text, ok := c.probeBalancePages(ctx, page, storefront)
	if !ok {
		err := c.login(ctx, page, storefront, req)
		if err != nil {
			return currency.Money{}, err
		}
		text, ok = c.probeBalancePages(ctx, page, storefront)
	}
	if !ok {
		return currency.Money{}, ErrBalanceNotFound
	}

	money, err := c.extractBalance(ctx, page, text)
	if err != nil {
		return currency.Money{}, err
	}
	return money, nil
}

// probeBalancePages visits the candidate balance pages in order and
// returns the body text of the first one carrying a balance marker.
func (c Client) probeBalancePages(ctx context.Context, page playwright.Page, storefront string) (string, bool) {
	ctx, span := tracer.Start(ctx, "probeBalancePages")
	defer span.End()

	for _, path := range candidateBalancePaths {
		_, err := page.Goto(storefront+path, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		})
		if err != nil {
			slog.DebugContext(ctx, "balance page navigation failed", "path", path, "err", err)
			continue
		}

		text, err := page.Locator("body").InnerText()
		if err != nil {
			continue
		}
		if balanceMarkerRegex.MatchString(text) {
			span.SetAttributes(attribute.String("balance_page", path))
			return text, true
		}
	}

	span.SetStatus(codes.Ok, "no balance marker on any candidate page")
	return "", false
}

func (c Client) login(ctx context.Context, page playwright.Page, storefront string, req Request) error {
	ctx, span := tracer.Start(ctx, "login")
	defer span.End()

	_, err := page.Goto(storefront+"/gp/sign-in.html", playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reach signin page")
		return err
	}

	// cookie consent only shows up in some regions, dismissing it is
	// best effort
	consent := page.Locator("#sp-cc-accept").First()
	if visible, _ := consent.IsVisible(); visible {
		if err := consent.Click(); err != nil {
			slog.DebugContext(ctx, "cookie consent dismiss failed", "err", err)
		}
	}

	email := page.Locator("input[type=email], input#ap_email").First()
	if err := email.Fill(req.Email); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fill email field")
		return fmt.Errorf("%w: email field: %s", ErrLoginFailed, err.Error())
	}

	// single-page layouts skip the intermediate continue button
	cont := page.Locator("input#continue")
	if n, _ := cont.Count(); n > 0 {
		if err := cont.First().Click(); err != nil {
			slog.DebugContext(ctx, "continue click failed", "err", err)
		}
	}

	password := page.Locator("input[type=password], input#ap_password").First()
	if err := password.Fill(req.Password); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fill password field")
		return fmt.Errorf("%w: password field: %s", ErrLoginFailed, err.Error())
	}
	if err := page.Locator("input#signInSubmit, button[type=submit]").First().Click(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit login form")
		return fmt.Errorf("%w: submit: %s", ErrLoginFailed, err.Error())
	}

	if !c.browser.Headless {
		// deliberate escape hatch: give a human time to clear a 2FA or
		// captcha challenge, we never try to solve those automatically
		slog.InfoContext(ctx, "interactive mode, waiting for manual challenge clearance")
		page.WaitForTimeout(25000)
	}

	_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State: playwright.LoadStateDomcontentloaded,
	})

	text, err := page.Locator("body").InnerText()
	if err == nil && loginErrorRegex.MatchString(text) {
		span.SetStatus(codes.Error, ErrLoginFailed.Error())
		return ErrLoginFailed
	}

	return nil
}

// ordered locator heuristics: labelled section, test-id attribute,
// legacy balance container. each hit reads the surrounding container's
// text and runs the currency parser over it.
var balanceLocators = []string{
	`[data-testid*="balance"]`,
	`#gc-current-balance`,
	`.gc-balance, .a-section:has-text("balance")`,
}

func (c Client) extractBalance(ctx context.Context, page playwright.Page, bodyText string) (currency.Money, error) {
	ctx, span := tracer.Start(ctx, "extractBalance")
	defer span.End()

	for _, selector := range balanceLocators {
		loc := page.Locator(selector).First()
		n, err := loc.Count()
		if err != nil || n == 0 {
			continue
		}
		text, err := loc.InnerText()
		if err != nil {
			continue
		}
		money, err := currency.Parse(text)
		if err == nil {
			span.SetAttributes(attribute.String("heuristic", selector))
			return money, nil
		}

		// the amount sometimes sits in a sibling of the matched node
		parentText, err := loc.Locator("xpath=..").InnerText()
		if err == nil {
			money, err := currency.Parse(parentText)
			if err == nil {
				span.SetAttributes(attribute.String("heuristic", selector+" (parent)"))
				return money, nil
			}
		}
	}

	// last resort: scan the whole page
	money, err := currency.Parse(bodyText)
	if err != nil {
		span.SetStatus(codes.Error, ErrParseFailed.Error())
		return currency.Money{}, fmt.Errorf("%w: %s", ErrParseFailed, err.Error())
	}
	span.SetAttributes(attribute.String("heuristic", "whole-page regex"))
	return money, nil
}
