package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"room-presence/internal/config"
	httpHandler "room-presence/internal/handler/http"
	wsHandler "room-presence/internal/handler/websocket"
	"room-presence/internal/hub"
	gormpersistence "room-presence/internal/infra/persistence/gorm"
	"room-presence/internal/infra/setup"
	"room-presence/internal/infra/state/memory"
	redisstate "room-presence/internal/infra/state/redis"
	"room-presence/internal/middleware"
	"room-presence/internal/repository"
	"room-presence/internal/service"
	"room-presence/internal/tasks"
	"room-presence/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *config.Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	Store       *redisstate.Store
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	HttpServer  *http.Server

	storeConn repository.StoreConn // 服务端自身的存储连接，供 HTTP 接口和清理使用
	leader    *service.CleanupLeader
	sweeper   *service.Sweeper

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 2. 初始化 Logger
	cfg.ConfigureLogger()
	log := logrus.StandardLogger()
	log.Infof("Logger initialized (Level: %s, Env: %s)", log.GetLevel(), cfg.AppEnv)

	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		jwtSecret = uuid.NewString()
		log.Warn("JWT_SECRET not set, using a random secret for this process (development only)")
	}

	app := &App{Config: cfg, Log: log}
	app.bgCtx, app.bgCancel = context.WithCancel(context.Background())

	// 3. 初始化实时存储
	log.Info("Initializing realtime store...")
	var dialer repository.Dialer
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		log.Warn("Using in-memory realtime store, state is lost on restart and not shared between processes")
		dialer = memory.NewBackend().Dialer()
	default:
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisClient, err := setup.InitRedis(initCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to init Redis: %w", err)
		}
		app.RedisClient = redisClient
		app.Store = redisstate.NewStore(redisClient, cfg.StoreOptions())
		dialer = app.Store.Dialer()
	}

	storeConn, err := dialer(context.Background(), "server-"+uuid.NewString())
	if err != nil {
		app.closeInfra()
		return nil, fmt.Errorf("failed to connect realtime store: %w", err)
	}
	app.storeConn = storeConn
	log.WithField("client_id", storeConn.ClientID()).Info("Realtime store connected")

	// 4. 初始化归档 (可选)
	var archiveRepo repository.RoomArchiveRepository
	var archiver service.Archiver
	if cfg.ArchiveEnabled() {
		if app.RedisClient == nil {
			app.closeInfra()
			return nil, errors.New("room archive requires the redis store backend for task queueing")
		}
		dsn, err := cfg.DSN()
		if err != nil {
			app.closeInfra()
			return nil, err
		}
		db, err := setup.InitDB(dsn)
		if err != nil {
			app.closeInfra()
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			app.closeInfra()
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		app.DB = db
		log.Info("Archive database initialized")

		archiveRepo = gormpersistence.NewGormRoomArchiveRepository(db)
		redisClientOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		app.AsynqClient = asynq.NewClient(redisClientOpt)
		archiver = tasks.NewArchiveEnqueuer(app.AsynqClient)
		app.AsynqServer = worker.NewWorkerServer(redisClientOpt, cfg.Worker.Concurrency, archiveRepo, log)
		log.Info("Archive worker initialized")
	} else {
		log.Info("DB_HOST not set, room archive disabled")
	}

	// 5. 初始化 Services
	opts := cfg.ServiceOptions()
	roomService := service.NewRoomService(storeConn, opts)
	app.leader = service.NewCleanupLeader(storeConn, opts)
	app.sweeper = service.NewSweeper(storeConn, app.leader, archiver, opts)

	// 6. 初始化 Hub，每个 WebSocket 客户端各自拨号一条存储连接
	app.Hub = hub.NewHub(dialer, opts)

	// 7. 初始化 Handlers
	roomHandler := httpHandler.NewRoomHandler(roomService, archiveRepo)
	wsH := wsHandler.NewWebSocketHandler(app.Hub, roomService)

	// 8. 初始化 Gin Engine 和路由
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if app.RedisClient != nil {
		router.Use(middleware.RateLimit(app.RedisClient, cfg.Store.KeyPrefix, cfg.RateLimit.Max, cfg.RateLimit.Window))
	}

	api := router.Group("/api")
	roomRoutes := api.Group("/rooms", middleware.Auth(jwtSecret))
	roomHandler.RegisterRoutes(roomRoutes)
	wsRoutes := router.Group("/ws", middleware.Auth(jwtSecret))
	{
		wsRoutes.GET("/rooms/:roomId", wsH.HandleConnection)
	}
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong", "store_connected": storeConn.Connected()})
	})

	// 9. 初始化 HTTP Server
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()

	if a.Store != nil {
		a.goBackground(func(ctx context.Context) { a.Store.RunReaper(ctx) })
	}
	a.goBackground(func(ctx context.Context) { a.leader.Run(ctx) })
	a.goBackground(func(ctx context.Context) {
		if err := a.sweeper.Run(ctx); err != nil {
			a.Log.WithError(err).Error("Sweeper stopped with error")
		}
	})

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

func (a *App) goBackground(fn func(ctx context.Context)) {
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		fn(a.bgCtx)
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. 停止接收新请求
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 断开所有 WebSocket 客户端，断线触发器负责标记成员 offline
	a.Hub.Shutdown(ctx)

	// 3. 停止清理者和租约回收，领导者在退出时主动放弃
	a.bgCancel()
	a.bgWG.Wait()

	// 4. 优雅关闭 Worker Server
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	a.closeInfra()
	a.Log.Info("Application shutdown complete.")
}

// closeInfra 关闭存储连接、Redis 和数据库
func (a *App) closeInfra() {
	if a.storeConn != nil {
		if err := a.storeConn.Close(context.Background()); err != nil {
			a.Log.Errorf("Error closing realtime store connection: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})
		if member, ok := middleware.MemberID(c); ok {
			entry = entry.WithField("member_id", member)
		}

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
