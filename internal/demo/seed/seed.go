// Package seed fills a records database with a deterministic demo club so the
// assistant has something to answer questions about.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/clubrecords/sqlassist/internal/policy"
)

// disabledPasswordHash cannot match any password, so seeded accounts never log in.
const disabledPasswordHash = "!"

type Summary struct {
	SchemaStatements int `json:"schema_statements"`
	Archers          int `json:"archers"`
	Users            int `json:"users"`
	Competitions     int `json:"competitions"`
	Scores           int `json:"scores"`
	StagedScores     int `json:"staged_scores"`
}

type Service struct {
	db     *sql.DB
	schema policy.SchemaSource
	cfg    Config
	log    *slog.Logger
}

func NewService(db *sql.DB, schema policy.SchemaSource, cfg Config, logger *slog.Logger) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.CreateSchema && schema == nil {
		return nil, fmt.Errorf("schema source is required when creating the schema")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{db: db, schema: schema, cfg: cfg, log: logger}, nil
}

// Run creates the schema when configured and inserts the demo club in one
// transaction. Rows that already exist are left alone, so reruns are safe.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	var statements []string
	if s.cfg.CreateSchema {
		ddl, err := s.schema.LoadSchema(ctx)
		if err != nil {
			return summary, fmt.Errorf("load schema: %w", err)
		}
		statements = SplitDDL(ddl)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return summary, fmt.Errorf("apply schema statement: %w", err)
		}
		summary.SchemaStatements++
	}

	if err := insertReferenceData(ctx, tx); err != nil {
		return summary, err
	}

	gen := NewGenerator(s.cfg.Seed)
	for id := 1; id <= s.cfg.Competitions; id++ {
		c := gen.Competition(id)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO Competition (CompetitionID, Name, Date, IsChampionship) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			c.ID, c.Name, c.Date, c.IsChampionship,
		); err != nil {
			return summary, fmt.Errorf("insert competition %d: %w", c.ID, err)
		}
		summary.Competitions++
	}

	for id := 1; id <= s.cfg.Archers; id++ {
		archer := gen.Archer(id)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO Archer (ArcherID, FirstName, LastName, Gender, BirthYear) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			archer.ID, archer.FirstName, archer.LastName, archer.Gender, archer.BirthYear,
		); err != nil {
			return summary, fmt.Errorf("insert archer %d: %w", archer.ID, err)
		}
		summary.Archers++

		// The first archer runs the club and the second records scores.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO AppUser (UserID, Username, PasswordHash, ArcherID, IsRecorder, IsAdmin) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
			archer.ID, archer.Username(), disabledPasswordHash, archer.ID, id == 2, id == 1,
		); err != nil {
			return summary, fmt.Errorf("insert user for archer %d: %w", archer.ID, err)
		}
		summary.Users++
	}

	// Scores reference the approving user, so every user exists before them.
	approvedBy := approver(s.cfg.Archers)
	competitionScoreID := 0
	for archerID := 1; archerID <= s.cfg.Archers; archerID++ {
		for i := 0; i < s.cfg.ScoresPerArcher; i++ {
			score := gen.Score(archerID, s.cfg.Competitions)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO Score (ScoreID, ArcherID, RoundID, EquipmentTypeID, Date, TotalScore, IsCompetition, IsApproved, ApprovedBy) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT DO NOTHING`,
				score.ID, score.ArcherID, score.RoundID, score.EquipmentTypeID, score.Date, score.TotalScore, score.CompetitionID != 0, score.IsApproved, approvedBy,
			); err != nil {
				return summary, fmt.Errorf("insert score %d: %w", score.ID, err)
			}
			summary.Scores++

			if score.CompetitionID == 0 {
				continue
			}
			competitionScoreID++
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO CompetitionScore (CompetitionScoreID, CompetitionID, ScoreID) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				competitionScoreID, score.CompetitionID, score.ID,
			); err != nil {
				return summary, fmt.Errorf("link score %d to competition: %w", score.ID, err)
			}
		}

		for i := 0; i < s.cfg.StagedPerArcher; i++ {
			staged := gen.StagedScore(archerID)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO StagedScore (StagedScoreID, ArcherID, RoundID, EquipmentTypeID, Date, TotalScore, SubmissionDate) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
				staged.ID, staged.ArcherID, staged.RoundID, staged.EquipmentTypeID, staged.Date, staged.TotalScore, staged.SubmissionDate,
			); err != nil {
				return summary, fmt.Errorf("insert staged score %d: %w", staged.ID, err)
			}
			summary.StagedScores++
		}
	}

	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("commit seed tx: %w", err)
	}
	s.log.InfoContext(ctx, "club data seeded", slog.Any("summary", summary))
	return summary, nil
}

func insertReferenceData(ctx context.Context, tx *sql.Tx) error {
	for _, item := range equipmentTypes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO EquipmentType (EquipmentTypeID, Name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			item.ID, item.Name,
		); err != nil {
			return fmt.Errorf("insert equipment type %q: %w", item.Name, err)
		}
	}
	for _, item := range rounds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO Round (RoundID, RoundName, MaxScore) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			item.ID, item.Name, item.MaxScore,
		); err != nil {
			return fmt.Errorf("insert round %q: %w", item.Name, err)
		}
	}
	return nil
}

// approver is the recorder account, falling back to the admin in a one-archer club.
func approver(archers int) int {
	if archers >= 2 {
		return 2
	}
	return 1
}

// SplitDDL splits a schema document into executable statements. Comment-only
// lines are dropped and quoted identifiers keep their case. Semicolons inside
// string literals are not supported.
func SplitDDL(ddl string) []string {
	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
	}
	for _, line := range strings.Split(ddl, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		for {
			idx := strings.IndexByte(line, ';')
			if idx < 0 {
				break
			}
			current.WriteString(line[:idx])
			flush()
			line = line[idx+1:]
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return out
}
