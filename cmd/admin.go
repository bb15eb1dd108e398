package cmd

import (
	"context"

	"example.com/modelgate/config"
	"example.com/modelgate/internal/database"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/repository"
)

// adminStores bundles the connections an admin command needs
type adminStores struct {
	cfg  *config.Config
	repo repository.Repository
	db   database.DB
}

// openStores loads configuration and connects to the database for one-shot
// admin commands. Callers must invoke close when done.
func openStores() (*adminStores, func()) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Info("Connecting to database...")
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return &adminStores{
			cfg:  cfg,
			repo: repository.NewRepository(db),
			db:   db,
		}, func() {
			db.Close()
		}
}

// mustFindUser resolves a username to its user record or exits
func (s *adminStores) mustFindUser(ctx context.Context, username string) *models.User {
	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		log.Fatalf("Failed to look up user: %v", err)
	}
	if user == nil {
		log.Fatalf("User %q not found", username)
	}
	return user
}
