package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersona_SystemPrompt(t *testing.T) {
	p := &Persona{
		Name:        "Gerabah Majapahit",
		Category:    "Keramik",
		Description: "Wadah air dari tanah liat.",
		History:     "Dipakai di dapur keraton.",
	}
	prompt := p.SystemPrompt()

	assert.True(t, strings.HasPrefix(prompt, "Kamu adalah Gerabah Majapahit, sebuah Keramik yang bisa bicara dengan manusia."))
	assert.Contains(t, prompt, "- Deskripsi: Wadah air dari tanah liat.\n")
	assert.Contains(t, prompt, "- Sejarah: Dipakai di dapur keraton.\n")
	assert.Contains(t, prompt, "- Umur/Periode: tidak diketahui\n")
	assert.Contains(t, prompt, "- Bahan: tidak diketahui\n")
	assert.Contains(t, prompt, "- Maksimal 200 kata per response")
}

func TestPersona_QuickQuestions(t *testing.T) {
	plain := (&Persona{Category: "Lukisan"}).QuickQuestions()
	assert.Equal(t, baseQuickQuestions, plain)

	keramik := (&Persona{Category: " KERAMIK "}).QuickQuestions()
	assert.Len(t, keramik, 5)
	assert.Equal(t, baseQuickQuestions[:5], keramik)

	plain[0] = "mutated"
	assert.Equal(t, "Tanya umur gua dong!", baseQuickQuestions[0])
}

func TestPersona_GreetingAndTitle(t *testing.T) {
	p := &Persona{Name: "Keris Majapahit", Description: "Keris pusaka."}
	assert.Equal(t, "Halo! Aku Keris Majapahit! Keris pusaka. 😊\n\nAda yang pengen kamu tanyain tentang aku?", p.Greeting())
	assert.Equal(t, "Chat dengan Keris Majapahit", p.Title())
}

func TestFlightGuard_ReleaseIgnoresStaleJob(t *testing.T) {
	g := NewFlightGuard()

	first, ok := g.Acquire("s1")
	assert.True(t, ok)
	_, ok = g.Acquire("s1")
	assert.False(t, ok)

	g.Release(first)
	second, ok := g.Acquire("s1")
	assert.True(t, ok)

	g.Release(first)
	assert.True(t, g.Active("s1"), "releasing a finished job must not free the session")
	g.Release(second)
	assert.Zero(t, g.Len())
}

func TestPersona_VoiceInstructionsFillUnknowns(t *testing.T) {
	p := &Persona{Name: "Gerabah", Category: "Keramik", Description: "Wadah air."}
	got := p.VoiceInstructions()

	assert.True(t, strings.HasPrefix(got, "You are Gerabah, a Keramik that can speak"))
	assert.Contains(t, got, "- History: Unknown history\n")
	assert.Contains(t, got, "- Age: Unknown age\n")
	assert.Contains(t, got, "- Materials: Unknown materials\n")
}

func TestVoiceSummary_CutsAtRuneLimit(t *testing.T) {
	assert.Equal(t, "📞 Voice Call Summary:\nhalo", VoiceSummary("halo"))

	exact := strings.Repeat("ü", voiceSummaryLimit)
	assert.Equal(t, "📞 Voice Call Summary:\n"+exact, VoiceSummary(exact))
	assert.Equal(t, "📞 Voice Call Summary:\n"+exact+"...", VoiceSummary(exact+"ü"))
}
