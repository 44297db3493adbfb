package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// browserOps is the CDP surface the tool loop drives. Kept narrow so tests
// can substitute a fake without a browser.
type browserOps interface {
	Navigate(ctx context.Context, url string) (string, error)
	ReadPage(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, value string) (string, error)
	SelectOption(ctx context.Context, selector, value string) (string, error)
	Click(ctx context.Context, selector string) (string, error)
}

// cdpBrowser implements browserOps on a chromedp context attached to the
// session's browser.
type cdpBrowser struct {
	ctx context.Context
}

// connectBrowser attaches to the browser behind cdpURL. When the browser
// already has a page (the provisioner opens about:blank) that tab is reused
// so the bridge and the agent see the same page.
func connectBrowser(ctx context.Context, cdpURL string) (browserOps, context.CancelFunc, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, cdpURL, chromedp.NoModifyURL)

	bootCtx, cancelBoot := chromedp.NewContext(allocCtx)
	targets, err := chromedp.Targets(bootCtx)
	if err != nil {
		cancelBoot()
		cancelAlloc()
		return nil, nil, fmt.Errorf("failed to list browser targets: %w", err)
	}

	var pageTarget *target.Info
	for _, t := range targets {
		if t.Type == "page" {
			pageTarget = t
			break
		}
	}
	var opts []chromedp.ContextOption
	if pageTarget != nil {
		opts = append(opts, chromedp.WithTargetID(pageTarget.TargetID))
	}

	taskCtx, cancelTask := chromedp.NewContext(bootCtx, opts...)
	if err := chromedp.Run(taskCtx); err != nil {
		cancelTask()
		cancelBoot()
		cancelAlloc()
		return nil, nil, fmt.Errorf("failed to attach to page target: %w", err)
	}

	cancel := func() {
		cancelTask()
		cancelBoot()
		cancelAlloc()
	}
	return &cdpBrowser{ctx: taskCtx}, cancel, nil
}

// run executes actions on the attached tab, bounded by the caller's ctx.
func (b *cdpBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(b.ctx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *cdpBrowser) Navigate(ctx context.Context, url string) (string, error) {
	var title, location string
	err := b.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.Location(&location),
	)
	if err != nil {
		return "", fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return fmt.Sprintf("Now at %s (title: %q)", location, title), nil
}

// Visible text is capped so a long page cannot blow the model's context.
const maxPageTextChars = 12000

const pageInventoryScript = `(() => {
	const lines = [];
	const describe = (el) => {
		const bits = [el.tagName.toLowerCase()];
		if (el.type) bits.push('type=' + el.type);
		if (el.id) bits.push('id=' + el.id);
		if (el.name) bits.push('name=' + el.name);
		if (el.placeholder) bits.push('placeholder=' + JSON.stringify(el.placeholder));
		const label = el.labels && el.labels[0] ? el.labels[0].innerText.trim() : '';
		if (label) bits.push('label=' + JSON.stringify(label));
		if (el.required) bits.push('required');
		const text = (el.innerText || '').trim().slice(0, 80);
		if (text && el.tagName !== 'SELECT') bits.push('text=' + JSON.stringify(text));
		if (el.tagName === 'SELECT') {
			const opts = Array.from(el.options).slice(0, 20).map(o => o.value).join(', ');
			bits.push('options=[' + opts + ']');
		}
		return bits.join(' ');
	};
	for (const el of document.querySelectorAll('input, select, textarea, button, a[href]')) {
		lines.push(describe(el));
	}
	return lines.join('\n');
})()`

func (b *cdpBrowser) ReadPage(ctx context.Context) (string, error) {
	var text, inventory string
	err := b.run(ctx,
		chromedp.Text("body", &text, chromedp.ByQuery),
		chromedp.Evaluate(pageInventoryScript, &inventory),
	)
	if err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	text = strings.TrimSpace(text)
	if len(text) > maxPageTextChars {
		text = text[:maxPageTextChars] + "\n[truncated]"
	}
	return fmt.Sprintf("PAGE TEXT:\n%s\n\nELEMENTS:\n%s", text, inventory), nil
}

func (b *cdpBrowser) Fill(ctx context.Context, selector, value string) (string, error) {
	err := b.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	return fmt.Sprintf("Filled %q", selector), nil
}

func (b *cdpBrowser) SelectOption(ctx context.Context, selector, value string) (string, error) {
	// SetValue alone does not notify framework listeners, so fire change too.
	fireChange := fmt.Sprintf(
		`document.querySelector(%q).dispatchEvent(new Event('change', {bubbles: true}))`, selector)
	err := b.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(fireChange, nil),
	)
	if err != nil {
		return "", fmt.Errorf("failed to select %q in %q: %w", value, selector, err)
	}
	return fmt.Sprintf("Selected %q in %q", value, selector), nil
}

func (b *cdpBrowser) Click(ctx context.Context, selector string) (string, error) {
	err := b.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return fmt.Sprintf("Clicked %q", selector), nil
}
