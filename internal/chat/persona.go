package chat

import (
	"context"
	"fmt"
	"strings"
)

// FallbackReply replaces the assistant reply when generation times out or fails.
const FallbackReply = "Waduh, ada gangguan teknis... aku jadi speechless deh! 🤐 Coba lagi ya!"

const unknownAttribute = "tidak diketahui"

// Persona is the part of an artifact that makes replies speak as that artifact.
type Persona struct {
	ArtifactID   string `json:"-"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	History      string `json:"history,omitempty"`
	EstimatedAge string `json:"estimatedAge,omitempty"`
	Materials    string `json:"materials,omitempty"`
	ImageURL     string `json:"imageUrl"`
}

// PersonaSource resolves the persona of an artifact. Implementations return
// gorm.ErrRecordNotFound when the artifact does not exist.
type PersonaSource interface {
	Persona(ctx context.Context, artifactID string) (*Persona, error)
}

// PersonaInvalidator is implemented by persona sources that cache.
type PersonaInvalidator interface {
	Invalidate(ctx context.Context, artifactID string) error
}

func PersonaFromArtifact(a *Artifact) *Persona {
	return &Persona{
		ArtifactID:   a.ID,
		Name:         a.Name,
		Category:     a.Category,
		Description:  a.Description,
		History:      a.History,
		EstimatedAge: a.EstimatedAge,
		Materials:    a.Materials,
		ImageURL:     a.ImageURL,
	}
}

// Summary is the artifact block sent in joined_chat.
type Summary struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

func (p *Persona) Summary() Summary {
	return Summary{Name: p.Name, Category: p.Category, Description: p.Description, ImageURL: p.ImageURL}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownAttribute
	}
	return s
}

// SystemPrompt renders the instructions that keep the model in character.
func (p *Persona) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kamu adalah %s, sebuah %s yang bisa bicara dengan manusia. \n\n", p.Name, p.Category)

	b.WriteString("INFORMASI TENTANG DIRIMU:\n")
	fmt.Fprintf(&b, "- Nama: %s\n", p.Name)
	fmt.Fprintf(&b, "- Kategori: %s\n", p.Category)
	fmt.Fprintf(&b, "- Deskripsi: %s\n", p.Description)
	fmt.Fprintf(&b, "- Sejarah: %s\n", p.History)
	fmt.Fprintf(&b, "- Umur/Periode: %s\n", orUnknown(p.EstimatedAge))
	fmt.Fprintf(&b, "- Bahan: %s\n\n", orUnknown(p.Materials))

	b.WriteString("KEPRIBADIAN & CARA BICARA:\n")
	b.WriteString("- Bicara dengan bahasa Indonesia yang santai dan ramah\n")
	b.WriteString("- Kamu punya kepribadian yang unik sesuai dengan sejarah dan budayamu\n")
	b.WriteString("- Sesekali gunakan emoji yang relevan\n")
	b.WriteString("- Kalau ditanya tentang dirimu, jawab berdasarkan informasi di atas\n")
	b.WriteString("- Kalau ada yang tidak kamu ketahui, jujur saja bilang tidak tahu\n")
	b.WriteString("- Sesekali sebutkan pengalaman atau cerita dari masa lalumu\n")
	b.WriteString("- Buat percakapan menjadi menarik dan edukatif\n\n")

	b.WriteString("ATURAN:\n")
	b.WriteString("- Jangan keluar dari karakter sebagai artefak\n")
	b.WriteString("- Maksimal 200 kata per response\n")
	b.WriteString("- Fokus pada aspek budaya, sejarah, dan pengalaman personalmu\n")
	b.WriteString("- Jika ditanya hal di luar konteks artefak, arahkan kembali ke topik yang relevan")
	return b.String()
}

// Greeting is the first assistant message of every new session.
func (p *Persona) Greeting() string {
	return fmt.Sprintf("Halo! Aku %s! %s 😊\n\nAda yang pengen kamu tanyain tentang aku?", p.Name, p.Description)
}

// Title is the default session title.
func (p *Persona) Title() string {
	return "Chat dengan " + p.Name
}

const maxQuickQuestions = 5

var baseQuickQuestions = []string{
	"Tanya umur gua dong!",
	"Kenapa gua penting?",
	"Fun fact tentang gua dong!",
	"Gimana cara gua dibuat?",
	"Siapa yang biasa pake gua dulu?",
}

var categoryQuickQuestions = map[string][]string{
	"keramik":   {"Dari tanah apa gua dibuat?", "Berapa lama proses pembuatan gua?"},
	"senjata":   {"Seberapa berbahaya gua dulu?", "Untuk perang apa gua dipakai?"},
	"perhiasan": {"Siapa yang dulu pake gua?", "Dari bahan apa gua dibuat?"},
	"tekstil":   {"Gimana cara bikin gua?", "Motif gua ada artinya nggak?"},
}

// QuickQuestions returns the suggested prompts for the persona's category.
func (p *Persona) QuickQuestions() []string {
	all := append([]string(nil), baseQuickQuestions...)
	all = append(all, categoryQuickQuestions[strings.ToLower(strings.TrimSpace(p.Category))]...)
	if len(all) > maxQuickQuestions {
		all = all[:maxQuickQuestions]
	}
	return all
}

// VoiceInstructions is the persona handed to the realtime voice model.
func (p *Persona) VoiceInstructions() string {
	return fmt.Sprintf(`You are %s, a %s that can speak and interact with humans through voice.

ABOUT YOU:
- Name: %s
- Category: %s
- Description: %s
- History: %s
- Age: %s
- Materials: %s

PERSONALITY & VOICE STYLE:
- Speak in Indonesian with a warm, friendly tone
- You have a unique personality shaped by your history and cultural background
- Be conversational and engaging, as if you're really alive
- Keep responses concise but interesting (30-60 seconds max)

CONVERSATION RULES:
- Stay in character as this specific artifact
- Share stories and knowledge about your cultural significance
- If you don't know something, admit it honestly but maintain your character
- Ask questions back to keep the conversation engaging`,
		p.Name, p.Category, p.Name, p.Category, p.Description,
		orDefault(p.History, "Unknown history"),
		orDefault(p.EstimatedAge, "Unknown age"),
		orDefault(p.Materials, "Unknown materials"),
	)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

const voiceSummaryLimit = 500

// VoiceSummary is the assistant message that records a finished voice call in the
// transcript. Long transcripts are cut to their first runes.
func VoiceSummary(transcript string) string {
	const prefix = "📞 Voice Call Summary:\n"
	r := []rune(transcript)
	if len(r) <= voiceSummaryLimit {
		return prefix + transcript
	}
	return prefix + string(r[:voiceSummaryLimit]) + "..."
}
