package bootstrap

import (
	"github.com/openbell/openbell/internal/bus/memory"
	"github.com/openbell/openbell/internal/consumer"
	calendarInfra "github.com/openbell/openbell/internal/infrastructure/calendar"
	"github.com/openbell/openbell/internal/infrastructure/redisbus"
	"github.com/openbell/openbell/internal/usecase/capture"
	"github.com/openbell/openbell/internal/usecase/gate"
	"github.com/openbell/openbell/internal/usecase/grader"
	"github.com/openbell/openbell/internal/usecase/ingestor"
	"github.com/openbell/openbell/pkg/questdb"
)

// Usecase is the usecase registry for the pipeline.
type Usecase struct {
	Gate      *gate.Gate
	Ingestor  *ingestor.Ingestor
	Capture   *capture.Capture
	Scheduler *capture.Scheduler
	Grader    *grader.Grader
	Feed      *consumer.FeedConsumer
}

// registerUsecase registers the usecases. The bus backend and the shared
// gate are built here because everything downstream hangs off them.
func (b *Bootstrap) registerUsecase() error {
	cal, err := calendarInfra.NewStatic(b.Config.Markets)
	if err != nil {
		return err
	}
	b.Calendar = cal

	b.Usecase.Gate = gate.New(b.Config.Gate, b.Calendar, b.Config.Markets)

	if b.Config.Bus.Backend == "memory" {
		b.Bus = memory.NewBus(b.Config.Bus, b.Usecase.Gate, b.Repository.DeadLetterRepository, b.Repository.CursorRepository, b.Logger)
	} else {
		b.Bus = redisbus.NewBus(b.Config.Bus, b.Redis, b.Usecase.Gate, b.Repository.DeadLetterRepository, b.Logger, b.Config.Markets)
	}

	b.Usecase.Ingestor = ingestor.NewIngestor(
		b.Config.Ingestor,
		b.Bus,
		b.Usecase.Gate,
		b.Repository.TickRepository,
		b.Repository.DeadLetterRepository,
		b.Logger,
		b.Config.Markets,
	)

	b.Usecase.Capture = capture.NewCapture(
		b.Bus,
		b.Repository.SessionRepository,
		questdb.NewTransaction(b.QuestDB),
		b.Logger,
	)
	b.Usecase.Scheduler = capture.NewScheduler(
		b.Config.Capture,
		b.Usecase.Capture,
		b.Calendar,
		b.Config.Markets,
		b.Logger,
	)

	b.Usecase.Grader = grader.NewGrader(
		b.Config.Grader,
		b.Bus,
		b.Repository.SessionRepository,
		b.Logger,
	)

	b.Usecase.Feed = consumer.NewFeedConsumer(b.Config.Feed, b.Bus, b.Logger)

	return nil
}
