package transcribe

import "strings"

// DefaultPrompt asks for a layout-preserving transcription that leaves out
// reader chrome.
const DefaultPrompt = `Transcribe all text in this image (Japanese/English).
Output ONLY the transcribed text.
Rules:
1. Preserve original layout (paragraphs, line breaks) as much as possible.
2. EXCLUDE all headers and footers (e.g. "Page 10 of 200", "Location 300", book titles repeated on top/bottom).
3. EXCLUDE reader UI text such as "Learning reading speed", "X% left", etc.
4. Do not perform any conversation. Do not say "Here is the transcription". Just output the text content.`

const markdownInstruction = `Format the output as Markdown: use # headings for chapter and section titles, keep paragraphs separated by blank lines, and render lists and emphasis with Markdown syntax.`

// BuildPrompt returns base, or the default prompt when base is blank, with the
// Markdown instruction appended when requested.
func BuildPrompt(base string, markdown bool) string {
	p := strings.TrimSpace(base)
	if p == "" {
		p = DefaultPrompt
	}
	if markdown {
		p += "\n\n" + markdownInstruction
	}
	return p
}
