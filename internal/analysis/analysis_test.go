package analysis

import (
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/warehouse"
)

var now = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func testOpts() []Option {
	return []Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClock(func() time.Time { return now }),
	}
}

// day returns noon of the day offset days from today.
func day(offset int) time.Time {
	return domain.DayStart(now).AddDate(0, 0, offset).Add(12 * time.Hour)
}

func provider(model string, columns []string, rows []domain.Row) *warehouse.MemoryProvider {
	p := warehouse.NewMemoryProvider()
	p.Put(model, columns, rows)
	return p
}

func findingsOf(res *domain.AnalysisResult, typ domain.FindingType) []domain.AnomalyFinding {
	var out []domain.AnomalyFinding
	for _, f := range res.Findings {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}
