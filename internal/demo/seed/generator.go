package seed

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

type EquipmentType struct {
	ID   int
	Name string
}

type Round struct {
	ID       int
	Name     string
	MaxScore int
}

var (
	equipmentTypes = []EquipmentType{
		{ID: 1, Name: "Recurve"},
		{ID: 2, Name: "Compound"},
		{ID: 3, Name: "Barebow"},
		{ID: 4, Name: "Longbow"},
	}
	rounds = []Round{
		{ID: 1, Name: "WA 1440", MaxScore: 1440},
		{ID: 2, Name: "Portsmouth", MaxScore: 600},
		{ID: 3, Name: "Canberra", MaxScore: 900},
	}
)

type Archer struct {
	ID        int
	FirstName string
	LastName  string
	Gender    string
	BirthYear int
}

// Username is the login generated for the archer's AppUser row.
func (a Archer) Username() string {
	return strings.ToLower(fmt.Sprintf("%s.%s%d", a.FirstName, a.LastName, a.ID))
}

type Competition struct {
	ID             int
	Name           string
	Date           time.Time
	IsChampionship bool
}

type Score struct {
	ID              int
	ArcherID        int
	RoundID         int
	EquipmentTypeID int
	CompetitionID   int
	Date            time.Time
	TotalScore      int
	IsApproved      bool
}

type StagedScore struct {
	ID              int
	ArcherID        int
	RoundID         int
	EquipmentTypeID int
	Date            time.Time
	TotalScore      int
	SubmissionDate  time.Time
}

// Generator produces the same club for the same seed.
type Generator struct {
	rnd       *rand.Rand
	epoch     time.Time
	scoreSeq  int
	stagedSeq int
}

func NewGenerator(seed int64) *Generator {
	return &Generator{
		rnd:   rand.New(rand.NewSource(seed)),
		epoch: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (g *Generator) Archer(id int) Archer {
	gender := pickOne(g.rnd, []string{"M", "F"})
	first := pickOne(g.rnd, firstNames[gender])
	return Archer{
		ID:        id,
		FirstName: first,
		LastName:  pickOne(g.rnd, lastNames),
		Gender:    gender,
		BirthYear: 1950 + g.rnd.Intn(60),
	}
}

func (g *Generator) Competition(id int) Competition {
	return Competition{
		ID:             id,
		Name:           fmt.Sprintf("%s Open %d", pickOne(g.rnd, venues), 2024+id/4),
		Date:           g.date(),
		IsChampionship: g.rnd.Intn(4) == 0,
	}
}

// Score returns an approved score. A non-zero competitions count lets roughly
// a third of scores belong to a competition.
func (g *Generator) Score(archerID, competitions int) Score {
	g.scoreSeq++
	round := rounds[g.rnd.Intn(len(rounds))]
	score := Score{
		ID:              g.scoreSeq,
		ArcherID:        archerID,
		RoundID:         round.ID,
		EquipmentTypeID: equipmentTypes[g.rnd.Intn(len(equipmentTypes))].ID,
		Date:            g.date(),
		TotalScore:      g.total(round),
		IsApproved:      true,
	}
	if competitions > 0 && g.rnd.Intn(3) == 0 {
		score.CompetitionID = g.rnd.Intn(competitions) + 1
	}
	return score
}

func (g *Generator) StagedScore(archerID int) StagedScore {
	g.stagedSeq++
	round := rounds[g.rnd.Intn(len(rounds))]
	shot := g.date()
	return StagedScore{
		ID:              g.stagedSeq,
		ArcherID:        archerID,
		RoundID:         round.ID,
		EquipmentTypeID: equipmentTypes[g.rnd.Intn(len(equipmentTypes))].ID,
		Date:            shot,
		TotalScore:      g.total(round),
		SubmissionDate:  shot.Add(time.Duration(18+g.rnd.Intn(48)) * time.Hour),
	}
}

func (g *Generator) date() time.Time {
	return g.epoch.AddDate(0, 0, g.rnd.Intn(600))
}

func (g *Generator) total(round Round) int {
	return int(float64(round.MaxScore) * (0.55 + g.rnd.Float64()*0.35))
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

var (
	firstNames = map[string][]string{
		"M": {"Oliver", "Jack", "Liam", "Noah", "Ethan", "Lucas", "Henry", "Samuel"},
		"F": {"Amelia", "Charlotte", "Isla", "Mia", "Grace", "Ruby", "Chloe", "Zoe"},
	}
	lastNames = []string{"Smith", "Jones", "Williams", "Brown", "Wilson", "Taylor", "Nguyen", "Martin", "Walker", "Harris"}
	venues    = []string{"Riverside", "Hawthorn", "Northcote", "Lakeside"}
)
