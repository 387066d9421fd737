package bootstrap

import (
	cursorDomain "github.com/openbell/openbell/internal/domain/cursor"
	deadletterDomain "github.com/openbell/openbell/internal/domain/deadletter"
	sessionDomain "github.com/openbell/openbell/internal/domain/session"
	tickDomain "github.com/openbell/openbell/internal/domain/tick"
	cursorInfra "github.com/openbell/openbell/internal/infrastructure/questdb/cursor"
	deadletterInfra "github.com/openbell/openbell/internal/infrastructure/questdb/deadletter"
	sessionInfra "github.com/openbell/openbell/internal/infrastructure/questdb/session"
	tickInfra "github.com/openbell/openbell/internal/infrastructure/questdb/tick"
)

// Repository is the repository registry for the pipeline.
type Repository struct {
	TickRepository       tickDomain.Repository
	SessionRepository    sessionDomain.Repository
	DeadLetterRepository deadletterDomain.Repository
	CursorRepository     cursorDomain.Repository
}

// registerRepository registers the repositories.
func (b *Bootstrap) registerRepository() {
	b.Repository.TickRepository = tickInfra.NewRepository(b.QuestDB)
	b.Repository.SessionRepository = sessionInfra.NewRepository(b.QuestDB)
	b.Repository.DeadLetterRepository = deadletterInfra.NewRepository(b.QuestDB)
	b.Repository.CursorRepository = cursorInfra.NewRepository(b.QuestDB)
}
