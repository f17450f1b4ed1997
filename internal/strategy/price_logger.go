package strategy

import (
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/merger"
)

// PriceLogger logs every instrument's quote and never trades.
type PriceLogger struct {
	name   string
	logger *zap.Logger
}

func (s *PriceLogger) Name() string { return s.name }

func (s *PriceLogger) OnState(st merger.State, _ PortfolioView) ([]Intent, error) {
	if ce := s.logger.Check(zap.DebugLevel, "quotes"); ce != nil {
		fields := make([]zap.Field, 0, len(st.Instruments)+2)
		fields = append(fields, zap.Time("ts", st.Time), zap.Int("score_diff", st.ScoreDiff))
		for _, id := range st.SortedInstruments() {
			snap := st.Instruments[id]
			fields = append(fields, zap.Dict(id,
				zap.Float64p("price", snap.Price),
				zap.Float64p("bid", snap.Bid),
				zap.Float64p("ask", snap.Ask)))
		}
		ce.Write(fields...)
	}
	return nil, nil
}
