package nl2sql

import "testing"

func TestExtractExecutableSQLCanonicalBlock(t *testing.T) {
	text := "## Permission check\nYou may read your own scores.\n\n" +
		"###Final code to execute###\n```sql\nSELECT * FROM Score WHERE ArcherID = 7;\n```\n"
	sql, ok := ExtractExecutableSQL(text)
	if !ok || sql != "SELECT * FROM Score WHERE ArcherID = 7;" {
		t.Fatalf("ExtractExecutableSQL() = %q, %v", sql, ok)
	}
}

func TestExtractExecutableSQLHeadingVariants(t *testing.T) {
	variants := []string{
		"# final code to execute\n```\nSELECT 1\n```",
		"#### FINAL CODE TO EXECUTE ####\n\n```SQL\nSELECT 1\n```",
		"intro\n  ### Final Code To Execute\n```mysql\nSELECT 1\n```\ntrailing text",
	}
	for _, text := range variants {
		sql, ok := ExtractExecutableSQL(text)
		if !ok || sql != "SELECT 1" {
			t.Fatalf("ExtractExecutableSQL(%q) = %q, %v", text, sql, ok)
		}
	}
}

func TestExtractExecutableSQLIgnoresUnheadedBlocks(t *testing.T) {
	text := "Here is an example of what not to run:\n```sql\nDELETE FROM Score;\n```\nNo query is needed."
	extraction := ParseResponse(text)
	if extraction.HasSQL() {
		t.Fatalf("unheaded block extracted: %q", extraction.SQL)
	}
	if !extraction.HasCodeBlocks || extraction.Candidates != 0 {
		t.Fatalf("extraction = %+v", extraction)
	}
}

func TestExtractExecutableSQLRequiresBlockDirectlyAfterHeading(t *testing.T) {
	text := "### Final code to execute ###\nI changed my mind.\n```sql\nSELECT 1\n```"
	if sql, ok := ExtractExecutableSQL(text); ok {
		t.Fatalf("block separated from heading was extracted: %q", sql)
	}
}

func TestExtractExecutableSQLTakesLastHeadedBlock(t *testing.T) {
	text := "### Final code to execute ###\n```sql\nSELECT 1\n```\n" +
		"```sql\nSELECT 'example'\n```\n" +
		"Correction:\n### Final code to execute ###\n```sql\nSELECT 2\n```\n"
	extraction := ParseResponse(text)
	if extraction.SQL != "SELECT 2" || extraction.Candidates != 2 {
		t.Fatalf("extraction = %+v", extraction)
	}
}

func TestSelfFlaggedDangerVetoesExtraction(t *testing.T) {
	text := "### Dangerous query ###\n```sql\nDELETE FROM StagedScore;\n```\n" +
		"### Final code to execute ###\n```sql\nDELETE FROM StagedScore;\n```\n"
	extraction := ParseResponse(text)
	if extraction.HasSQL() {
		t.Fatalf("self-flagged response produced SQL %q", extraction.SQL)
	}
	if !extraction.SelfFlagged || extraction.FlaggedSQL != "DELETE FROM StagedScore;" {
		t.Fatalf("extraction = %+v", extraction)
	}
	if _, ok := ExtractExecutableSQL(text); ok {
		t.Fatal("ExtractExecutableSQL must return nothing for a self-flagged response")
	}
}

func TestSelfFlagWithoutDangerBlockKeepsFinalSQLForDisplay(t *testing.T) {
	text := "#dangerous query\nThis drops everything.\n\n### Final code to execute ###\n```sql\nDROP TABLE Score\n```"
	extraction := ParseResponse(text)
	if extraction.HasSQL() || extraction.FlaggedSQL != "DROP TABLE Score" {
		t.Fatalf("extraction = %+v", extraction)
	}
}

func TestPermissionDenied(t *testing.T) {
	denied := []string{
		"### Permission denied ###\nArchers cannot read other archers' scores.",
		"Sorry, that operation is not permitted for your role.",
		"You have no permission to delete competitions.",
	}
	for _, text := range denied {
		extraction := ParseResponse(text)
		if !extraction.PermissionDenied || extraction.HasSQL() {
			t.Fatalf("ParseResponse(%q) = %+v", text, extraction)
		}
	}

	rewritten := "Reading other archers' scores is not permitted, so this shows only yours.\n" +
		"### Final code to execute ###\n```sql\nSELECT AVG(TotalScore) FROM Score WHERE ArcherID = 7\n```"
	extraction := ParseResponse(rewritten)
	if extraction.PermissionDenied || extraction.SQL != "SELECT AVG(TotalScore) FROM Score WHERE ArcherID = 7" {
		t.Fatalf("rewritten response = %+v", extraction)
	}
}
