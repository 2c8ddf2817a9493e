package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/browser")

// matches the profile our resty clients advertise
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

const DefaultTimeout = time.Second * 90

var ErrNavigationTimeout = fmt.Errorf("browser navigation timed out")

type Config struct {
	Headless       bool   `json:"headless"`
	ExecutablePath string `json:"executable_path"`
	Proxy          string `json:"proxy"`
	Locale         string `json:"locale"`
	TimezoneID     string `json:"timezone_id"`
	UserAgent      string `json:"user_agent"`

	// serialized cookies + storage from a previous session,
	// seeded into the context before any navigation
	StorageState []byte

	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Locale == "" {
		c.Locale = "en-IN"
	}
	if c.TimezoneID == "" {
		c.TimezoneID = "Asia/Kolkata"
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultTimeout
	}
	return c
}

// Session launches an isolated chromium process and browsing context,
// runs fn with a page handle and tears everything down on every exit
// path. the returned bytes are the context's storage state captured
// after fn ran, regardless of whether fn succeeded, so the caller can
// persist it and skip the login flow next time.
func Session(ctx context.Context, cfg Config, fn func(page playwright.Page) error) (newState []byte, err error) {
	ctx, span := tracer.Start(ctx, "Session")
	defer span.End()

	cfg = cfg.withDefaults()
	span.SetAttributes(
		attribute.Bool("headless", cfg.Headless),
		attribute.Bool("seeded", len(cfg.StorageState) > 0),
	)

	pw, err := playwright.Run()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start playwright driver")
		return nil, err
	}
	defer pw.Stop()

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	}
	if cfg.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(cfg.ExecutablePath)
	}
	if cfg.Proxy != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: cfg.Proxy}
	}

	chromium, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to launch browser")
		return nil, err
	}
	defer chromium.Close()

	contextOpts := playwright.BrowserNewContextOptions{
		Locale:     playwright.String(cfg.Locale),
		TimezoneId: playwright.String(cfg.TimezoneID),
		UserAgent:  playwright.String(cfg.UserAgent),
	}
	if len(cfg.StorageState) > 0 {
		var seeded playwright.OptionalStorageState
		err := json.Unmarshal(cfg.StorageState, &seeded)
		if err != nil {
			// a corrupt blob only costs us the skip-login warm path
			span.RecordError(err)
		} else {
			contextOpts.StorageState = &seeded
		}
	}

	browserCtx, err := chromium.NewContext(contextOpts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create browsing context")
		return nil, err
	}
	defer browserCtx.Close()

	browserCtx.SetDefaultNavigationTimeout(float64(cfg.NavigationTimeout.Milliseconds()))
	browserCtx.SetDefaultTimeout(float64(cfg.ActionTimeout.Milliseconds()))

	page, err := browserCtx.NewPage()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open page")
		return nil, err
	}

	runErr := fn(page)

	state, stateErr := browserCtx.StorageState()
	if stateErr != nil {
		span.RecordError(stateErr)
	} else {
		newState, err = json.Marshal(state)
		if err != nil {
			span.RecordError(err)
			newState = nil
		}
	}

	if runErr != nil {
		runErr = WrapTimeout(runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return newState, runErr
	}
	return newState, nil
}

// WrapTimeout converts playwright's timeout failures into the
// retryable ErrNavigationTimeout.
func WrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %s", ErrNavigationTimeout, err.Error())
	}
	return err
}
