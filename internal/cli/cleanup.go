package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quiz-session-service/internal/config"
	"quiz-session-service/internal/engine"
	redisinfra "quiz-session-service/internal/infra/redis"
)

// NewCleanupCmd sweeps sessions past the retention threshold. Meant to run
// from cron; a live session is never near the threshold.
func NewCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale sessions and their join codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis addr not configured")
			}

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()

			store := redisinfra.NewSessionStore(client, config.TTLDuration(cfg.Redis.TTL, 24*time.Hour))
			eng := engine.New(store,
				engine.WithConfig(sessionConfig(cfg)),
				engine.WithLogger(log.With().Str("component", "cleanup").Logger()),
			)

			removed, err := eng.CleanupStale(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("removed", removed).Msg("cleanup finished")
			return nil
		},
	}
}
