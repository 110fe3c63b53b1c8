package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"landrop/internal/api"
	"landrop/internal/config"
	"landrop/internal/database"
	"landrop/internal/logging"
	"landrop/internal/migrations"
	"landrop/internal/repository/postgres"
	"landrop/internal/service"
	"landrop/internal/storage"
	"landrop/internal/storage/local"
	"landrop/internal/storage/s3"

	"github.com/dustin/go-humanize"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("加载配置失败: %v", err))
	}

	logger := logging.New()
	logger.Info("配置加载完成",
		"storage_driver", cfg.StorageDriver,
		"max_file_size", humanize.IBytes(uint64(cfg.MaxFileSize)),
		"max_chunk_size", humanize.IBytes(uint64(cfg.MaxChunkSize)),
	)

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Fatal("连接数据库失败", "err", err)
	}
	defer db.Close()

	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		logger.Fatal("执行数据库迁移失败", "err", err)
	}
	if len(applied) > 0 {
		logger.Info("数据库迁移完成", "applied", len(applied))
	}

	chunks, artifacts, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("初始化存储失败", "driver", cfg.StorageDriver, "err", err)
	}

	uploadService := service.NewUploadService(
		postgres.NewUploadRepository(db),
		postgres.NewSessionRepository(db),
		chunks,
		artifacts,
		logger,
		service.Limits{
			MaxFileSize:  cfg.MaxFileSize,
			MaxChunkSize: cfg.MaxChunkSize,
			DowntimeGap:  cfg.DowntimeGap,
		},
	)

	router := api.NewRouter(cfg,
		api.NewUploadHandler(uploadService, cfg),
		api.NewHistoryHandler(uploadService),
	)

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: router,
		// 分片上传与成品下载会持续数分钟，只限制头部读取与空闲连接
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务启动", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("监听失败", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	logger.Info("收到退出信号，开始优雅关闭")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("优雅关闭失败", "err", err)
	}

	// 在途的暂存清理随进程一起收尾
	uploadService.Close()

	logger.Info("服务已停止")
}

// buildStores 按配置选择本地磁盘或 S3 兼容对象存储。
// 两种驱动都同时承担分片暂存与成品归档。
func buildStores(ctx context.Context, cfg *config.Config) (storage.ChunkStore, storage.ArtifactStore, error) {
	switch cfg.StorageDriver {
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Endpoint:   cfg.S3Endpoint,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Bucket:     cfg.S3Bucket,
			Region:     cfg.S3Region,
			UseSSL:     cfg.S3UseSSL,
			PathStyle:  cfg.S3PathStyle,
			StagingDir: cfg.StagingDir,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "local", "":
		store := local.NewStore(cfg.StagingDir, cfg.UploadDir, "")
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.StorageDriver)
	}
}
