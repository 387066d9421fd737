package bootstrap

import (
	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/calendar"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/openbell/openbell/pkg/questdb"
	"github.com/openbell/openbell/pkg/redis"
)

// Bootstrap wires the pipeline's repositories and usecases over the shared
// infrastructure clients.
type Bootstrap struct {
	Config     *config.Config
	Logger     logger.Interface
	Repository Repository
	Usecase    Usecase

	QuestDB  questdb.QuestDBClient
	Redis    redis.Client
	Bus      bus.QuoteBus
	Calendar calendar.Calendar
}

// BootstrapConfig is the config for the bootstrap.
type BootstrapConfig struct {
	Config  *config.Config
	QuestDB questdb.QuestDBClient
	Redis   redis.Client
	Logger  logger.Interface
}

// Init initializes the bootstrap.
func (b *Bootstrap) Init(cfg BootstrapConfig) (Bootstrap, error) {
	b.Config = cfg.Config
	b.QuestDB = cfg.QuestDB
	b.Redis = cfg.Redis
	b.Logger = cfg.Logger

	b.registerRepository()
	if err := b.registerUsecase(); err != nil {
		return Bootstrap{}, err
	}

	return *b, nil
}
