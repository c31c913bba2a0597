package templates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/cache"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

const (
	CacheKey   = "sms_templates"
	DefaultTTL = 30 * time.Minute
)

const (
	DefaultLinkTemplate = "Hi, this is {scheduler} reaching out on behalf of {practice_name}! " +
		"{your_pets_capitalized} {be_verb} overdue for important preventative services. " +
		"But don't worry! You can book an appointment now for {your_pets}. Let me help you book! {link}"

	DefaultPhoneTemplate = "Hi, this is {scheduler} reaching out on behalf of {practice_name}! " +
		"{your_pets_capitalized} are overdue for important preventative services. " +
		"Give us a call at our main phone number {practice_phone_number} so we can discuss the services due for your pets!"
)

// Resolver picks an SMS body for a set of reminder descriptions using the
// configured keyword templates.
type Resolver struct {
	store repo.TemplateStore
	cache cache.Cache
	ttl   time.Duration
}

func NewResolver(store repo.TemplateStore, c cache.Cache, ttl time.Duration) *Resolver {
	if c == nil {
		c = cache.Nop{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{store: store, cache: c, ttl: ttl}
}

// Templates returns the configured templates with lower-cased keywords,
// served from cache when possible.
func (r *Resolver) Templates(ctx context.Context) ([]model.Template, error) {
	var cached []model.Template
	ok, err := r.cache.Get(ctx, CacheKey, &cached)
	if err != nil {
		slog.Warn("templates: cache read failed", "err", err)
	}
	if ok {
		return cached, nil
	}

	loaded, err := r.store.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	out := make([]model.Template, 0, len(loaded))
	for _, t := range loaded {
		kws := make([]string, 0, len(t.Keywords))
		for _, kw := range t.Keywords {
			if kw = strings.ToLower(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		out = append(out, model.Template{Keywords: kws, Body: t.Body})
	}

	if err := r.cache.Set(ctx, CacheKey, out, r.ttl); err != nil {
		slog.Warn("templates: cache write failed", "err", err)
	}
	return out, nil
}

// Invalidate drops the cached set. Call it after templates are written.
func (r *Resolver) Invalidate(ctx context.Context) error {
	return r.cache.Delete(ctx, CacheKey)
}

// Resolve maps reminder descriptions to one template body. Any description
// that is empty or matches no keyword yields the link template; matches to
// more than one distinct template yield the phone template.
func (r *Resolver) Resolve(ctx context.Context, descriptions []string) (string, error) {
	if len(descriptions) == 0 {
		return DefaultLinkTemplate, nil
	}

	tpls, err := r.Templates(ctx)
	if err != nil {
		return "", err
	}

	matched := make(map[string]struct{})
	var first string
	for _, d := range descriptions {
		body, ok := match(tpls, d)
		if !ok {
			return DefaultLinkTemplate, nil
		}
		if len(matched) == 0 {
			first = body
		}
		matched[body] = struct{}{}
	}

	if len(matched) > 1 {
		return DefaultPhoneTemplate, nil
	}
	return first, nil
}

func match(tpls []model.Template, description string) (string, bool) {
	if description == "" {
		return "", false
	}
	d := strings.ToLower(description)
	for _, t := range tpls {
		for _, kw := range t.Keywords {
			if strings.Contains(d, kw) {
				return t.Body, true
			}
		}
	}
	return "", false
}

// Vars are the placeholder values of one message.
type Vars struct {
	Scheduler       string
	PracticeName    string
	PetsCapitalized string
	Pets            string
	BeVerb          string
	Link            string
	PracticePhone   string
}

// Render fills the {name} placeholders of tpl. Unknown placeholders are
// left as they are.
func Render(tpl string, v Vars) string {
	return strings.NewReplacer(
		"{scheduler}", v.Scheduler,
		"{practice_name}", v.PracticeName,
		"{your_pets_capitalized}", v.PetsCapitalized,
		"{your_pets}", v.Pets,
		"{be_verb}", v.BeVerb,
		"{link}", v.Link,
		"{practice_phone_number}", v.PracticePhone,
	).Replace(tpl)
}
