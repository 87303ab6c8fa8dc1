package filters

import (
	"testing"

	"github.com/shulchan/shulchan/internal/model"
)

func TestTighten_LanguagePriority(t *testing.T) {
	cases := []struct {
		name         string
		uiLanguage   string
		baseLanguage string
		gateLanguage string
		want         model.Language
	}{
		{"ui wins", "he", "en", "en", model.LangHebrew},
		{"base wins over gate when ui absent", "", "he", "en", model.LangHebrew},
		{"base auto falls through to gate", "", "auto", "he", model.LangHebrew},
		{"all absent falls back to default", "", "", "", model.DefaultLang},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			base := model.PreGoogleBaseFilters{Language: c.baseLanguage}
			got := Tighten(base, c.uiLanguage, c.gateLanguage, "US")
			if got.Language != c.want {
				t.Errorf("expected %v, got %v", c.want, got.Language)
			}
		})
	}
}

func TestTighten_RegionAndDisclaimers(t *testing.T) {
	base := model.PreGoogleBaseFilters{RegionHint: "il"}
	got := Tighten(base, "en", "en", "US")
	if got.RegionCode != "IL" {
		t.Errorf("expected uppercased region hint IL, got %q", got.RegionCode)
	}
	if !got.Disclaimers.Hours || !got.Disclaimers.Dietary {
		t.Error("expected both disclaimers always true")
	}
}

func TestTighten_DefaultRegionFallback(t *testing.T) {
	base := model.PreGoogleBaseFilters{}
	got := Tighten(base, "en", "en", "us")
	if got.RegionCode != "US" {
		t.Errorf("expected default region US, got %q", got.RegionCode)
	}
}
