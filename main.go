package main

import (
	"github.com/forgeboard/forgeboard/config"
	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/feeds"
	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/notify"
	"github.com/forgeboard/forgeboard/routes"
	"github.com/forgeboard/forgeboard/utils"
)

func main() {
	cfg := config.Load()

	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	db := config.InitDatabase(
		&models.User{},
		&models.Project{},
		&models.ProjectRole{},
		&models.ToolConfig{},
		&models.Discussion{},
		&models.Thread{},
		&models.Post{},
		&models.PostSnapshot{},
		&models.Attachment{},
		&models.FeedEvent{},
		&models.Sequence{},
		&models.AuditLog{},
	)

	store, err := discuss.NewBlobStore(cfg.AttachmentDir, int64(cfg.AttachmentMaxSizeMB)<<20)
	if err != nil {
		utils.Sugar.Fatalf("blob store init failed: %v", err)
	}

	projector := feeds.NewProjector(db)
	notifier := notify.NewRedisNotifier(utils.GetRedis(), utils.Sugar)
	engine := discuss.NewEngine(db, store, notifier, projector, utils.Sugar)

	r := routes.SetupRouter(db, engine, projector)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
