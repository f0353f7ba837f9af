package utils

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dripflow/models"
)

// Message is a rendered, ready-to-send email.
type Message struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// ContentRenderer turns a content key plus the instance's binding data into a
// message. Implementations must be pure: no I/O, same output for same input.
type ContentRenderer interface {
	Render(contentKey string, subjectID string, data models.BindingData) (Message, error)
}

// Embedded content templates, keyed by content key. Binding fields referenced
// here must exist in the instance's binding data; a missing field is a render
// failure, not an empty substitution.
var contentTemplates = map[string]string{
	"welcome_intro": `<!DOCTYPE html>
<html>
<body>
    <h2>Welcome aboard!</h2>
    <p>Thanks for signing up. Over the next few days we'll show you around.</p>
    <p><a href="{{.shop_url}}">Browse the shop</a></p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"welcome_products": `<!DOCTYPE html>
<html>
<body>
    <h2>Our bestsellers</h2>
    <p>Here's what other customers love the most right now.</p>
    <p><a href="{{.shop_url}}">See the full range</a></p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"welcome_story": `<!DOCTYPE html>
<html>
<body>
    <h2>Why we started</h2>
    <p>A short story about the people behind the products you're browsing.</p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"welcome_discount": `<!DOCTYPE html>
<html>
<body>
    <h2>A little thank you</h2>
    <p>Use code <strong>WELCOME10</strong> for 10% off your first order.</p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"cart_reminder": `<!DOCTYPE html>
<html>
<body>
    <h2>You left something behind</h2>
    <p>Your cart ({{.cart_total}}) is still waiting for you.</p>
    <p><a href="{{.cart_url}}">Return to your cart</a></p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"cart_urgency": `<!DOCTYPE html>
<html>
<body>
    <h2>Still thinking it over?</h2>
    <p>Items in your cart ({{.cart_total}}) sell out quickly. We can't hold them much longer.</p>
    <p><a href="{{.cart_url}}">Complete your order</a></p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"cart_discount": `<!DOCTYPE html>
<html>
<body>
    <h2>Last reminder, with a nudge</h2>
    <p>Take <strong>COMEBACK15</strong> for 15% off your cart ({{.cart_total}}). This is the last cart reminder we'll send you.</p>
    <p><a href="{{.cart_url}}">Finish checking out</a></p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"review_request": `<!DOCTYPE html>
<html>
<body>
    <h2>How is your {{.product_name}}?</h2>
    <p>Your order {{.order_number}} was delivered a week ago. A short review helps other shoppers.</p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"review_reminder": `<!DOCTYPE html>
<html>
<body>
    <h2>One more ask</h2>
    <p>We'd still love your thoughts on {{.product_name}} from order {{.order_number}}.</p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,

	"edu_lesson": `<!DOCTYPE html>
<html>
<body>
    <h2>Lesson {{.lesson_number}}: {{.course_name}}</h2>
    <p>Your next lesson is ready. Set aside twenty minutes and dive in.</p>
    <p><a href="{{.course_url}}">Open lesson {{.lesson_number}}</a></p>
    <p class="footer"><a href="{{.unsubscribe_url}}">Unsubscribe</a> &middot; &copy; {{.year}} Dripflow</p>
</body>
</html>`,
}

var contentSubjects = map[string]string{
	"welcome_intro":    "Welcome! Here's where to start",
	"welcome_products": "The products everyone's talking about",
	"welcome_story":    "The story behind the shop",
	"welcome_discount": "10% off, just for you",
	"cart_reminder":    "You left something in your cart",
	"cart_urgency":     "Your cart is about to expire",
	"cart_discount":    "15% off to finish your order",
	"review_request":   "How was your order?",
	"review_reminder":  "Quick favour: a short review",
	"edu_lesson":       "Your next lesson is ready",
}

// TemplateRenderer renders the embedded content templates. Construction
// parses every template once; Render itself does no parsing and no I/O.
type TemplateRenderer struct {
	baseURL   string
	templates map[string]*template.Template
}

func NewTemplateRenderer(baseURL string) (*TemplateRenderer, error) {
	r := &TemplateRenderer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		templates: make(map[string]*template.Template, len(contentTemplates)),
	}
	for key, src := range contentTemplates {
		tmpl, err := template.New(key).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", key, err)
		}
		r.templates[key] = tmpl
	}
	return r, nil
}

// Render produces the message for a content key. Education-drip keys
// ("edu_lesson_7") share one template with the lesson number injected.
func (r *TemplateRenderer) Render(contentKey string, subjectID string, data models.BindingData) (Message, error) {
	key := contentKey
	bound := make(map[string]string, len(data)+3)
	for k, v := range data {
		bound[k] = v
	}

	if n, ok := lessonNumber(contentKey); ok {
		key = "edu_lesson"
		bound["lesson_number"] = strconv.Itoa(n)
	}

	tmpl, ok := r.templates[key]
	if !ok {
		return Message{}, fmt.Errorf("unknown content key %q", contentKey)
	}

	bound["year"] = strconv.Itoa(time.Now().Year())
	bound["unsubscribe_url"] = fmt.Sprintf("%s/unsubscribe?subject=%s", r.baseURL, url.QueryEscape(subjectID))
	if _, ok := bound["shop_url"]; !ok {
		bound["shop_url"] = r.baseURL
	}

	var html bytes.Buffer
	if err := tmpl.Execute(&html, bound); err != nil {
		return Message{}, fmt.Errorf("failed to render %s: %w", contentKey, err)
	}

	return Message{
		Subject:  contentSubjects[key],
		HTMLBody: html.String(),
		TextBody: htmlToText(html.String()),
	}, nil
}

func lessonNumber(contentKey string) (int, bool) {
	const prefix = "edu_lesson_"
	if !strings.HasPrefix(contentKey, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(contentKey[len(prefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// htmlToText is a crude plain-text alternative for clients that refuse HTML.
func htmlToText(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune('\n')
		case !inTag:
			b.WriteRune(r)
		}
	}
	lines := strings.Split(b.String(), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
