package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"attendanced/internal/core"
	"attendanced/internal/credentials"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const passwordSelector = "input[type='password']"

var usernameSelectors = []string{
	"input[name*='user']",
	"input[name*='email']",
	"input[type='email']",
	"input[type='text']",
}

// Config controls how the login page is driven.
type Config struct {
	ExecPath         string
	Headless         bool
	NoSandbox        bool
	PageLoadTimeout  time.Duration
	FieldTimeout     time.Duration
	LoginTimeout     time.Duration
	PollInterval     time.Duration
	SuccessURLMarks  []string
	SuccessSelector  string
	ErrorSelector    string
	SubmitSelector   string
	TokenCookies     map[string]string
	ImportantCookies []string
}

// DefaultConfig returns timeouts sized for slow portal page loads.
func DefaultConfig() Config {
	return Config{
		Headless:         true,
		PageLoadTimeout:  30 * time.Second,
		FieldTimeout:     10 * time.Second,
		LoginTimeout:     45 * time.Second,
		PollInterval:     500 * time.Millisecond,
		SuccessURLMarks:  []string{"dashboard", "home"},
		ErrorSelector:    ".alert-danger, .error-message, .login-error, [role='alert']",
		SubmitSelector:   "button[type='submit']",
		TokenCookies:     map[string]string{"XSRF-TOKEN": "X-XSRF-TOKEN", "csrf_token": "X-CSRF-Token"},
		ImportantCookies: []string{"access_token", "PLAY_SESSION"},
	}
}

// Acquirer logs into the portal with a fresh headless Chrome per call.
type Acquirer struct {
	cfg    Config
	logger *slog.Logger
	live   atomic.Int32
}

// NewAcquirer creates an acquirer. Zero durations fall back to DefaultConfig.
func NewAcquirer(cfg Config, logger *slog.Logger) *Acquirer {
	def := DefaultConfig()
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = def.PageLoadTimeout
	}
	if cfg.FieldTimeout <= 0 {
		cfg.FieldTimeout = def.FieldTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if len(cfg.SuccessURLMarks) == 0 {
		cfg.SuccessURLMarks = def.SuccessURLMarks
	}
	if cfg.ErrorSelector == "" {
		cfg.ErrorSelector = def.ErrorSelector
	}
	if cfg.SubmitSelector == "" {
		cfg.SubmitSelector = def.SubmitSelector
	}
	if cfg.TokenCookies == nil {
		cfg.TokenCookies = def.TokenCookies
	}
	return &Acquirer{cfg: cfg, logger: logger}
}

// Live returns the number of browser processes currently owned by the acquirer.
func (a *Acquirer) Live() int {
	return int(a.live.Load())
}

// Acquire launches a browser, performs the login and returns its cookies. The
// browser is shut down on every return path, including ctx cancellation.
func (a *Acquirer) Acquire(ctx context.Context, creds credentials.Credentials) (*core.SessionBundle, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, a.allocatorOptions()...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithErrorf(a.logf))
	defer cancelBrowser()

	a.live.Add(1)
	defer a.live.Add(-1)

	a.logger.Info("starting browser login", "portal", creds.BaseURL)
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, core.BrowserFailure("launch browser", err)
	}
	if err := a.login(browserCtx, creds); err != nil {
		return nil, err
	}
	return a.harvest(browserCtx)
}

func (a *Acquirer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if a.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if a.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(a.cfg.ExecPath))
	}
	return opts
}

func (a *Acquirer) login(ctx context.Context, creds credentials.Credentials) error {
	loadCtx, cancel := context.WithTimeout(ctx, a.cfg.PageLoadTimeout)
	err := chromedp.Run(loadCtx, chromedp.Navigate(creds.BaseURL))
	cancel()
	if err != nil {
		return core.BrowserFailure("load login page", err)
	}

	fieldCtx, cancel := context.WithTimeout(ctx, a.cfg.FieldTimeout)
	defer cancel()
	if err := chromedp.Run(fieldCtx, chromedp.WaitVisible(passwordSelector, chromedp.ByQuery)); err != nil {
		return core.BrowserFailure("login form never rendered", err)
	}
	userSel, err := a.firstPresent(fieldCtx, usernameSelectors)
	if err != nil {
		return core.BrowserFailure("locate username field", err)
	}
	if userSel == "" {
		return core.BrowserFailure("locate username field", fmt.Errorf("none of %v matched", usernameSelectors))
	}

	a.logger.Debug("filling login form", "username_selector", userSel)
	if err := chromedp.Run(fieldCtx,
		chromedp.Clear(userSel, chromedp.ByQuery),
		chromedp.SendKeys(userSel, creds.Username, chromedp.ByQuery),
		chromedp.Clear(passwordSelector, chromedp.ByQuery),
		chromedp.SendKeys(passwordSelector, creds.Password, chromedp.ByQuery),
	); err != nil {
		return core.BrowserFailure("fill login form", err)
	}

	submit, err := a.firstPresent(fieldCtx, []string{a.cfg.SubmitSelector})
	if err != nil {
		return core.BrowserFailure("locate submit button", err)
	}
	if submit != "" {
		err = chromedp.Run(fieldCtx, chromedp.Click(submit, chromedp.ByQuery))
	} else {
		err = chromedp.Run(fieldCtx, chromedp.SendKeys(passwordSelector, kb.Enter, chromedp.ByQuery))
	}
	if err != nil {
		return core.BrowserFailure("submit login form", err)
	}
	a.logger.Info("login submitted, waiting for authenticated page", "timeout", a.cfg.LoginTimeout)
	return a.awaitLogin(ctx)
}

// awaitLogin polls until the page looks authenticated or the login timeout
// passes. An error indicator on a page whose URL has stopped changing means
// the portal refused the credentials, and is reported without waiting out the
// timeout. Anything else at the deadline is an infrastructure failure.
func (a *Acquirer) awaitLogin(ctx context.Context) error {
	deadline := time.Now().Add(a.cfg.LoginTimeout)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	var location, previous string
	for poll := 0; ; poll++ {
		if err := chromedp.Run(ctx, chromedp.Location(&location)); err != nil {
			return core.BrowserFailure("read page location", err)
		}
		if loggedIn(location, a.cfg.SuccessURLMarks) {
			a.logger.Info("login succeeded", "location", location)
			return nil
		}
		if a.cfg.SuccessSelector != "" {
			sel, err := a.firstPresent(ctx, []string{a.cfg.SuccessSelector})
			if err != nil {
				return core.BrowserFailure("probe authenticated page", err)
			}
			if sel != "" {
				a.logger.Info("login succeeded", "location", location)
				return nil
			}
		}
		expired := time.Now().After(deadline)
		if expired || (poll > 0 && location == previous) {
			message, present, err := a.errorIndicator(ctx)
			if err != nil {
				return core.BrowserFailure("probe login error", err)
			}
			if present {
				return core.AuthenticationFailure("portal rejected login: "+message, nil)
			}
		}
		if expired {
			return core.BrowserFailure(fmt.Sprintf("no authenticated page after %s (stuck at %s)", a.cfg.LoginTimeout, location), nil)
		}
		previous = location
		select {
		case <-ctx.Done():
			return core.BrowserFailure("waiting for login", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Acquirer) errorIndicator(ctx context.Context) (string, bool, error) {
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(a.cfg.ErrorSelector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return "", false, err
	}
	if len(nodes) == 0 {
		return "", false, nil
	}
	var text string
	if err := chromedp.Run(ctx, chromedp.Text(a.cfg.ErrorSelector, &text, chromedp.ByQuery)); err != nil {
		text = "error indicator present"
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = "error indicator present"
	}
	return text, true, nil
}

// firstPresent returns the first selector that matches at least one node, or "".
func (a *Acquirer) firstPresent(ctx context.Context, selectors []string) (string, error) {
	for _, sel := range selectors {
		var nodes []*cdp.Node
		if err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
			return "", err
		}
		if len(nodes) > 0 {
			return sel, nil
		}
	}
	return "", nil
}

func (a *Acquirer) harvest(ctx context.Context) (*core.SessionBundle, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, core.BrowserFailure("read browser cookies", err)
	}
	bundle := bundleFromCookies(cookies, a.cfg.TokenCookies, time.Now())
	if len(bundle.Cookies) == 0 {
		return nil, core.BrowserFailure("login produced no cookies", nil)
	}
	for _, name := range a.cfg.ImportantCookies {
		if !bundle.Has(name) {
			a.logger.Warn("expected session cookie missing", "cookie", name)
		}
	}
	a.logger.Info("captured browser session", "cookies", len(bundle.Cookies), "tokens", len(bundle.Tokens))
	return bundle, nil
}

func bundleFromCookies(cookies []*network.Cookie, tokenCookies map[string]string, now time.Time) *core.SessionBundle {
	bundle := &core.SessionBundle{
		Cookies:    make([]core.SessionCookie, 0, len(cookies)),
		Tokens:     make(map[string]string),
		CapturedAt: now.UTC(),
	}
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		sc := core.SessionCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			HostOnly: !strings.HasPrefix(c.Domain, "."),
		}
		if !c.Session && c.Expires > 0 {
			sec := int64(c.Expires)
			nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
			sc.Expires = time.Unix(sec, nsec).UTC()
		}
		bundle.Cookies = append(bundle.Cookies, sc)
		if header, ok := tokenCookies[c.Name]; ok && c.Value != "" {
			bundle.Tokens[header] = c.Value
		}
	}
	return bundle
}

func loggedIn(location string, marks []string) bool {
	lower := strings.ToLower(location)
	for _, mark := range marks {
		if mark != "" && strings.Contains(lower, strings.ToLower(mark)) {
			return true
		}
	}
	return false
}

func (a *Acquirer) logf(format string, args ...any) {
	a.logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
}
