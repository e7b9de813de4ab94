package main

import "strings"

// Persona is one named client-identity configuration used to attempt
// extraction. The list is static and defined at process start; the order is
// an operator-tunable priority list, cheapest and most likely to succeed
// first.
type Persona struct {
	Name      string
	Client    string   // extraction-tool player client identity
	UserAgent string
	Headers   []string // extra request headers, "Name: value"
	Format    string   // format selector passed to the extraction tool
	UsesProxy bool
}

const (
	uaIOS     = "com.google.ios.youtube/19.45.4 (iPhone16,2; U; CPU iOS 18_1_0 like Mac OS X;)"
	uaAndroid = "com.google.android.youtube/19.44.38 (Linux; U; Android 14) gzip"
	uaChrome  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// defaultPersonas mirrors the practical client fallback order: native app
// clients first (cheap, rarely challenged), browser identities behind the
// proxy last.
var defaultPersonas = []Persona{
	{
		Name:      "ios",
		Client:    "ios",
		UserAgent: uaIOS,
		Format:    "bestaudio[ext=m4a]/bestaudio/best",
	},
	{
		Name:      "android",
		Client:    "android",
		UserAgent: uaAndroid,
		Format:    "bestaudio/best",
	},
	{
		Name:      "web",
		Client:    "web",
		UserAgent: uaChrome,
		Headers:   []string{"Accept-Language: en-US,en;q=0.9"},
		Format:    "bestaudio/best",
		UsesProxy: true,
	},
	{
		Name:      "tv_embedded",
		Client:    "tv_embedded",
		Format:    "bestaudio/best",
		UsesProxy: true,
	},
}

func personaByName(name string) (Persona, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range defaultPersonas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}

// orderedPersonas resolves the configured persona order. A forced persona
// collapses the list to that single entry; unknown names are dropped; an
// empty or fully invalid configuration falls back to the defaults.
func orderedPersonas(cfg *Config) []Persona {
	if cfg.ForcedPersona != "" {
		if p, ok := personaByName(cfg.ForcedPersona); ok {
			return []Persona{p}
		}
	}
	if len(cfg.PersonaOrder) > 0 {
		out := make([]Persona, 0, len(cfg.PersonaOrder))
		for _, name := range cfg.PersonaOrder {
			if p, ok := personaByName(name); ok {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return append([]Persona(nil), defaultPersonas...)
}

// biasCompact moves the named persona to the front of the list, used to
// prefer a compact, fast client for short-form content.
func biasCompact(personas []Persona, name string) []Persona {
	for i, p := range personas {
		if p.Name == name && i > 0 {
			out := make([]Persona, 0, len(personas))
			out = append(out, p)
			out = append(out, personas[:i]...)
			out = append(out, personas[i+1:]...)
			return out
		}
	}
	return personas
}
