package nl2sql

import (
	"regexp"
	"strings"
)

const (
	FinalCodeHeading        = "### Final code to execute ###"
	DangerousQueryHeading   = "### Dangerous query ###"
	PermissionDeniedHeading = "### Permission denied ###"
)

const fencedBlock = "```[A-Za-z0-9_+-]*[ \\t]*\\r?\\n(.*?)```"

var (
	finalBlockPattern   = regexp.MustCompile(`(?is)(?:^|\n)[ \t]*#{1,6}[ \t]*final code to execute[ \t]*#*[ \t]*\r?\n\s*` + fencedBlock)
	dangerMarkerPattern = regexp.MustCompile(`(?im)^[ \t]*#{1,6}[ \t]*dangerous query[ \t]*#*[ \t]*$`)
	dangerBlockPattern  = regexp.MustCompile(`(?is)(?:^|\n)[ \t]*#{1,6}[ \t]*dangerous query[ \t]*#*[ \t]*\r?\n\s*` + fencedBlock)
	deniedMarkerPattern = regexp.MustCompile(`(?im)^[ \t]*#{1,6}[ \t]*permission denied[ \t]*#*[ \t]*$`)
	deniedPhrasePattern = regexp.MustCompile(`(?i)\b(not permitted|no permission)\b`)
	anyFencePattern     = regexp.MustCompile("(?m)^[ \\t]*```")
)

// Extraction is everything the parser learned from one model response.
type Extraction struct {
	// SQL is the body of the last properly headed final block, empty when
	// there is none or when the response flagged itself as dangerous.
	SQL string
	// Candidates counts properly headed final blocks.
	Candidates int
	// SelfFlagged is set when the model marked its own query as dangerous.
	SelfFlagged bool
	FlaggedSQL  string
	// PermissionDenied is set by the explicit heading, or by denial phrases
	// in a response with no final block.
	PermissionDenied bool
	HasCodeBlocks    bool
}

func (e Extraction) HasSQL() bool {
	return e.SQL != ""
}

// ParseResponse only ever treats a fenced block directly under the final code
// heading as executable. Illustrative blocks elsewhere are ignored.
func ParseResponse(text string) Extraction {
	var out Extraction
	out.HasCodeBlocks = anyFencePattern.MatchString(text)

	matches := finalBlockPattern.FindAllStringSubmatch(text, -1)
	out.Candidates = len(matches)
	lastSQL := ""
	if len(matches) > 0 {
		lastSQL = strings.TrimSpace(matches[len(matches)-1][1])
	}

	if dangerMarkerPattern.MatchString(text) {
		out.SelfFlagged = true
		if flagged := dangerBlockPattern.FindAllStringSubmatch(text, -1); len(flagged) > 0 {
			out.FlaggedSQL = strings.TrimSpace(flagged[len(flagged)-1][1])
		} else {
			out.FlaggedSQL = lastSQL
		}
		return out
	}

	switch {
	case deniedMarkerPattern.MatchString(text):
		out.PermissionDenied = true
		return out
	case lastSQL == "" && deniedPhrasePattern.MatchString(text):
		out.PermissionDenied = true
		return out
	}

	out.SQL = lastSQL
	return out
}

// ExtractExecutableSQL returns the single authoritative SQL block, if any.
func ExtractExecutableSQL(text string) (string, bool) {
	extraction := ParseResponse(text)
	return extraction.SQL, extraction.HasSQL()
}
