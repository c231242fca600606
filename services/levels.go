package services

// Level is a loyalty tier. Benefits are descriptive only.
type Level struct {
	Name      string   `json:"name"`
	MinPoints int64    `json:"min_points"`
	Benefits  []string `json:"benefits"`
	Color     string   `json:"color"`
}

// levels is ordered by ascending MinPoints and the first entry starts at 0.
var levels = []Level{
	{
		Name:      "Bronze",
		MinPoints: 0,
		Benefits:  []string{"1 punto por cada $10", "Acceso a ofertas básicas"},
		Color:     "bg-orange-500",
	},
	{
		Name:      "Silver",
		MinPoints: 1000,
		Benefits:  []string{"1.5 puntos por cada $10", "Envíos gratis > $50", "Ofertas exclusivas"},
		Color:     "bg-slate-400",
	},
	{
		Name:      "Gold",
		MinPoints: 5000,
		Benefits:  []string{"2 puntos por cada $10", "Envíos gratis siempre", "Regalo de cumpleaños", "Soporte prioritario"},
		Color:     "bg-yellow-500",
	},
}

// GetLevels returns the tier table in ascending order.
func GetLevels() []Level {
	out := make([]Level, len(levels))
	for i, l := range levels {
		out[i] = l.clone()
	}
	return out
}

// CalculateLevel returns the highest tier whose threshold is <= points. It
// falls back to the lowest tier, so it never fails, even for negative input.
func CalculateLevel(points int64) Level {
	return levels[levelIndex(points)].clone()
}

// GetNextLevel returns the tier after the current one, or nil at the top.
func GetNextLevel(points int64) *Level {
	i := levelIndex(points) + 1
	if i >= len(levels) {
		return nil
	}
	next := levels[i].clone()
	return &next
}

// LevelProgress describes where a balance sits between two tiers.
type LevelProgress struct {
	Points       int64   `json:"points"`
	Level        Level   `json:"level"`
	NextLevel    *Level  `json:"next_level"`
	PointsToNext int64   `json:"points_to_next"`
	Percent      float64 `json:"percent"`
}

// Progress reports the percentage travelled from the current tier's threshold
// toward the next one, clamped to [0, 100]. At the top tier it is 100.
func Progress(points int64) LevelProgress {
	p := LevelProgress{
		Points:    points,
		Level:     CalculateLevel(points),
		NextLevel: GetNextLevel(points),
		Percent:   100,
	}
	if p.NextLevel == nil {
		return p
	}
	span := p.NextLevel.MinPoints - p.Level.MinPoints
	p.PointsToNext = p.NextLevel.MinPoints - points
	p.Percent = float64(points-p.Level.MinPoints) / float64(span) * 100
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	return p
}

func levelIndex(points int64) int {
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i].MinPoints <= points {
			return i
		}
	}
	return 0
}

func (l Level) clone() Level {
	l.Benefits = append([]string(nil), l.Benefits...)
	return l
}
