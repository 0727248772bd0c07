// Package i18n holds the localized strings of notification digests.
package i18n

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/locales"
	"github.com/go-playground/locales/de"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/fr"
	ut "github.com/go-playground/universal-translator"
)

// message is a translation; one is set for keys that take a count.
type message struct {
	one, other string
}

// Keys match the email package's Key* constants.
var catalog = map[string]map[string]message{
	"en": {
		"digest.subject": {one: "{0} new notification", other: "{0} new notifications"},
		"digest.intro":   {one: "There is news in {0} of your subscriptions.", other: "There is news in {0} of your subscriptions."},
		"digest.heading": {other: "Hello {0},"},
		"digest.view":    {other: "View"},
		"digest.manage":  {other: "Manage subscriptions"},
		"digest.footer":  {other: "You receive this email because you subscribed to these resources."},
		"digest.by":      {other: "by {0}"},
	},
	"de": {
		"digest.subject": {one: "{0} neue Benachrichtigung", other: "{0} neue Benachrichtigungen"},
		"digest.intro":   {one: "Es gibt Neuigkeiten in {0} Ihrer Abonnements.", other: "Es gibt Neuigkeiten in {0} Ihrer Abonnements."},
		"digest.heading": {other: "Hallo {0},"},
		"digest.view":    {other: "Anzeigen"},
		"digest.manage":  {other: "Abonnements verwalten"},
		"digest.footer":  {other: "Sie erhalten diese E-Mail, weil Sie diese Ressourcen abonniert haben."},
		"digest.by":      {other: "von {0}"},
	},
	"fr": {
		"digest.subject": {one: "{0} nouvelle notification", other: "{0} nouvelles notifications"},
		"digest.intro":   {one: "Il y a du nouveau dans {0} de vos abonnements.", other: "Il y a du nouveau dans {0} de vos abonnements."},
		"digest.heading": {other: "Bonjour {0},"},
		"digest.view":    {other: "Voir"},
		"digest.manage":  {other: "Gérer les abonnements"},
		"digest.footer":  {other: "Vous recevez cet e-mail car vous êtes abonné à ces ressources."},
		"digest.by":      {other: "par {0}"},
	},
}

// Catalog resolves translators by locale.
type Catalog struct {
	uni           *ut.UniversalTranslator
	defaultLocale string
	logger        *slog.Logger
}

// New builds the catalog. defaultLocale is used for identities whose locale
// is empty or unsupported.
func New(defaultLocale string, logger *slog.Logger) (*Catalog, error) {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	supported := map[string]locales.Translator{"en": en.New(), "de": de.New(), "fr": fr.New()}
	fallback, ok := supported[defaultLocale]
	if !ok {
		return nil, fmt.Errorf("unsupported default locale %q", defaultLocale)
	}

	uni := ut.New(fallback, supported["en"], supported["de"], supported["fr"])
	for loc, messages := range catalog {
		trans, found := uni.GetTranslator(loc)
		if !found {
			return nil, fmt.Errorf("locale %s not registered", loc)
		}
		if err := register(trans, messages); err != nil {
			return nil, fmt.Errorf("register %s: %w", loc, err)
		}
		if err := trans.VerifyTranslations(); err != nil {
			return nil, fmt.Errorf("verify %s: %w", loc, err)
		}
	}

	return &Catalog{uni: uni, defaultLocale: defaultLocale, logger: logger}, nil
}

func register(trans ut.Translator, messages map[string]message) error {
	for key, msg := range messages {
		if msg.one == "" {
			if err := trans.Add(key, msg.other, false); err != nil {
				return err
			}
			continue
		}
		for _, rule := range trans.PluralsCardinal() {
			text := msg.other
			if rule == locales.PluralRuleOne {
				text = msg.one
			}
			if err := trans.AddCardinal(key, text, rule, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Locales returns the supported locales.
func (c *Catalog) Locales() []string {
	out := make([]string, 0, len(catalog))
	for loc := range catalog {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// For returns the translator for locale. Region suffixes such as de_CH or
// fr-BE fall back to the language, unknown locales to the default.
func (c *Catalog) For(locale string) *Translator {
	candidates := []string{}
	if locale != "" {
		norm := strings.ReplaceAll(locale, "-", "_")
		candidates = append(candidates, norm)
		if i := strings.IndexByte(norm, '_'); i > 0 {
			candidates = append(candidates, strings.ToLower(norm[:i]))
		}
	}
	trans, found := c.uni.FindTranslator(candidates...)
	if !found {
		if locale != "" {
			c.logger.Debug("Unsupported locale, using default", "locale", locale, "default", c.defaultLocale)
		}
		trans = c.uni.GetFallback()
	}
	return &Translator{trans: trans, logger: c.logger}
}

// Translator renders messages for one locale.
type Translator struct {
	trans  ut.Translator
	logger *slog.Logger
}

// Locale returns the locale name.
func (t *Translator) Locale() string {
	return t.trans.Locale()
}

// T translates key. For counted messages the first param is the count.
// Unknown keys render as the key itself.
func (t *Translator) T(key string, params ...string) string {
	if msgs := catalog[t.trans.Locale()]; msgs != nil && msgs[key].one != "" && len(params) > 0 {
		n, err := strconv.ParseFloat(params[0], 64)
		if err == nil {
			s, err := t.trans.C(key, n, 0, params[0])
			if err == nil {
				return s
			}
		}
	}
	s, err := t.trans.T(key, params...)
	if err != nil {
		t.logger.Warn("Missing translation", "locale", t.trans.Locale(), "key", key, "error", err)
		return key
	}
	return s
}
