package filters

import "github.com/shulchan/shulchan/internal/model"

// Tighten is the deterministic tightening pure function (spec §4.E):
// resolves language with priority uiLanguage > base.language (if not
// "auto") > gateLanguage > model.DefaultLang, resolves regionCode from
// base.regionHint > defaultRegion, and always sets disclaimers on.
func Tighten(base model.PreGoogleBaseFilters, uiLanguage, gateLanguage, defaultRegion string) model.FinalFilters {
	language := resolveLanguage(uiLanguage, base.Language, gateLanguage)
	regionCode := base.RegionHint
	if regionCode == "" {
		regionCode = defaultRegion
	}

	return model.FinalFilters{
		Language:        language,
		OpenState:       base.OpenState,
		OpenAt:          base.OpenAt,
		OpenBetween:     base.OpenBetween,
		RegionCode:      upperISO2(regionCode),
		PriceIntent:     base.PriceIntent,
		MinRatingBucket: base.MinRatingBucket,
		Disclaimers:     model.Disclaimers{Hours: true, Dietary: true},
	}
}

func resolveLanguage(uiLanguage, baseLanguage, gateLanguage string) model.Language {
	if lang, ok := asSupportedLanguage(uiLanguage); ok {
		return lang
	}
	if baseLanguage != "" && baseLanguage != "auto" {
		if lang, ok := asSupportedLanguage(baseLanguage); ok {
			return lang
		}
	}
	if lang, ok := asSupportedLanguage(gateLanguage); ok {
		return lang
	}
	return model.DefaultLang
}

// asSupportedLanguage restricts the resolved value to {he, en}: FinalFilters
// only ever carries one of the two (spec §4.E).
func asSupportedLanguage(raw string) (model.Language, bool) {
	switch raw {
	case string(model.LangHebrew):
		return model.LangHebrew, true
	case string(model.LangEnglish):
		return model.LangEnglish, true
	default:
		return "", false
	}
}

func upperISO2(code string) string {
	if len(code) != 2 {
		return code
	}
	b := []byte(code)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
