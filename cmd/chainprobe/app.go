package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ChainProbe/internal/agent"
	"ChainProbe/internal/artifact"
	"ChainProbe/internal/checkpoint"
	"ChainProbe/internal/compiler"
	"ChainProbe/internal/config"
	"ChainProbe/internal/explorer"
	"ChainProbe/internal/knowledge"
	"ChainProbe/internal/llm"
	"ChainProbe/internal/llm/openai"
	"ChainProbe/internal/observability/alerting"
	"ChainProbe/internal/observability/metrics"
	"ChainProbe/internal/orchestrator"
	"ChainProbe/internal/report"
	"ChainProbe/internal/storage/mysql"
	redisstore "ChainProbe/internal/storage/redis"
	"ChainProbe/internal/storage/sqlite"
	"ChainProbe/internal/task"
	"ChainProbe/internal/telemetry"
	"ChainProbe/internal/tools"
	"ChainProbe/internal/wallet"
	"ChainProbe/internal/web3/provider"
	"ChainProbe/internal/web3/txn"
	"ChainProbe/pkg/logger"
)

// app 持有一次进程生命周期内共享的全部组件。
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	chains      *provider.Registry
	checkpoints checkpoint.Store
	reports     report.Store
	artifacts   artifact.Store
	alerts      alerting.Dispatcher

	// engines 按链名索引，每条链拥有独立的工具集与交易执行器。
	engines map[string]*orchestrator.Engine

	mysqlStore *mysql.Store
	redis      *goredis.Client
	closers    []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger.Named("chainprobe"),
		metrics: metrics.New(),
		engines: make(map[string]*orchestrator.Engine),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	a.alerts = a.buildAlerts()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	a.chains = chains
	a.closers = append(a.closers, func(context.Context) error {
		chains.Close()
		return nil
	})

	if err := a.buildEngines(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// openStorage 按配置打开检查点、报告与部署产物的存储。
func (a *app) openStorage(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Driver {
	case "memory":
		a.checkpoints = checkpoint.NewMemoryStore()
		a.reports = report.NewMemoryStore()
		a.artifacts = artifact.NewMemoryStore()
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.checkpoints = store.Checkpoints()
		a.reports = store.Reports()
		a.artifacts = store.Artifacts()
	case "mysql":
		store, err := a.openMySQL(ctx)
		if err != nil {
			return err
		}
		a.checkpoints = store.Checkpoints()
		a.reports = store.Reports()
		a.artifacts = store.Artifacts()
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}

	switch cfg.CheckpointDriver {
	case cfg.Driver:
	case "redis":
		client, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		a.checkpoints = redisstore.NewCheckpointStore(client, cfg.Redis.KeyPrefix, 0)
	default:
		return fmt.Errorf("未知的检查点驱动: %s", cfg.CheckpointDriver)
	}
	return nil
}

func (a *app) openMySQL(ctx context.Context) (*mysql.Store, error) {
	if a.mysqlStore != nil {
		return a.mysqlStore, nil
	}
	cfg := a.cfg.Storage.MySQL
	store, err := mysql.Open(ctx, mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
	})
	if err != nil {
		return nil, err
	}
	a.mysqlStore = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

func (a *app) openRedis(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	cfg := a.cfg.Storage.Redis
	client, err := redisstore.NewClient(ctx, redisstore.Config{
		Address:     cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		KeyPrefix:   cfg.KeyPrefix,
		DialTimeout: time.Duration(cfg.DialTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *app) buildAlerts() alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if url := a.cfg.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}})
	}
	return alerting.NewFanout(notifiers...)
}

func (a *app) buildCompletion() (llm.Client, *llm.Budget, error) {
	cfg := a.cfg.LLM
	if cfg.Provider != "openai" {
		return nil, nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Timeout: cfg.OpenAI.Timeout(),
	})
	if err != nil {
		return nil, nil, err
	}
	budget, err := llm.NewBudget(cfg.OpenAI.Model, cfg.ContextTokens, cfg.ReserveTokens)
	if err != nil {
		return nil, nil, err
	}
	return client, budget, nil
}

func (a *app) buildKnowledge() (knowledge.Provider, error) {
	cfg := a.cfg.Knowledge
	switch {
	case cfg.Disabled:
		return nil, nil
	case cfg.Source != "":
		return knowledge.LoadStaticProvider(cfg.Source, cfg.MaxResults)
	default:
		return knowledge.Default(cfg.MaxResults), nil
	}
}

func (a *app) buildLocker(ctx context.Context) (txn.Locker, error) {
	switch a.cfg.Web3.LockDriver {
	case "local":
		return txn.NewLocalLocker(), nil
	case "redis":
		client, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return redisstore.NewNonceLocker(client, a.cfg.Storage.Redis.KeyPrefix, 0), nil
	default:
		return nil, fmt.Errorf("未知的账户锁驱动: %s", a.cfg.Web3.LockDriver)
	}
}

// buildEngines 为注册表中的每条链组装工具集、交易执行器和编排引擎。
func (a *app) buildEngines(ctx context.Context) error {
	completion, budget, err := a.buildCompletion()
	if err != nil {
		return err
	}
	kb, err := a.buildKnowledge()
	if err != nil {
		return err
	}

	signer, err := wallet.ResolveSigner(a.cfg.PrivateKey(), a.cfg.Web3.WalletsFile)
	if err != nil {
		a.logger.Warn("未配置签名账户，交易类工具不可用", slog.Any("error", err))
		signer = nil
	}
	locker, err := a.buildLocker(ctx)
	if err != nil {
		return err
	}

	solc := compiler.NewSolc(a.cfg.Compiler.SolcPath, time.Duration(a.cfg.Compiler.TimeoutSeconds)*time.Second)
	retry := &agent.RetryPolicy{
		MaxAttempts:  a.cfg.LLM.MaxAttempts,
		InitialDelay: time.Duration(a.cfg.LLM.InitialBackoffMS) * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Duration(a.cfg.LLM.MaxBackoffMS) * time.Millisecond,
	}

	for _, name := range a.chains.Chains() {
		client, ok := a.chains.Client(name)
		if !ok {
			continue
		}
		chainLog := a.logger.With(slog.String("chain", name))

		def, _ := a.chains.Definition(name)
		chainID := a.cfg.Web3.ChainID
		if id, err := client.ChainID(ctx); err == nil {
			chainID = id.Int64()
		} else {
			chainLog.Warn("读取链 ID 失败，使用配置值", slog.Any("error", err))
		}
		explorerURL := a.cfg.Explorer.BaseURL
		if def.ExplorerURL != "" {
			explorerURL = def.ExplorerURL
		}

		deps := tools.Deps{
			Explorer: explorer.New(explorer.Config{
				BaseURL: explorerURL,
				APIKey:  a.cfg.Explorer.APIKey,
				ChainID: chainID,
				Timeout: time.Duration(a.cfg.Explorer.TimeoutSeconds) * time.Second,
			}),
			Compiler:   solc,
			Chain:      client,
			Artifacts:  a.artifacts,
			Completion: completion,
		}
		if signer != nil {
			executor, err := txn.NewExecutor(client, signer, txn.Config{
				GasLimit:            a.cfg.Web3.Tx.GasLimit,
				GasLimitStep:        a.cfg.Web3.Tx.GasLimitStep,
				GasPriceBumpPercent: a.cfg.Web3.Tx.GasPriceBumpPercent,
				MaxAttempts:         a.cfg.Web3.Tx.MaxAttempts,
				ReceiptTimeout:      a.cfg.Web3.Tx.ReceiptTimeout(),
				MaxReentrancyRounds: a.cfg.Web3.Tx.MaxReentrancyRounds,
			},
				txn.WithLocker(locker),
				txn.WithObserver(a.metrics),
				txn.WithLogger(chainLog),
			)
			if err != nil {
				return err
			}
			deps.Transactor = executor
		}
		registry := tools.New(deps, tools.WithLogger(chainLog))

		team, err := agent.NewTeam(completion, registry,
			agent.WithRetryPolicy(retry),
			agent.WithBudget(budget),
			agent.WithStepTimeout(time.Duration(a.cfg.LLM.StepTimeoutSeconds)*time.Second),
			agent.WithLogger(chainLog),
		)
		if err != nil {
			return err
		}

		opts := []orchestrator.Option{
			orchestrator.WithConfig(orchestrator.Config{
				MaxSteps:         a.cfg.Orchestrator.MaxSteps,
				SequentialTools:  a.cfg.Orchestrator.SequentialTools,
				MaxParallelTools: a.cfg.Orchestrator.MaxToolWorkers,
			}),
			orchestrator.WithReportSink(a.reports),
			orchestrator.WithObserver(a.metrics),
			orchestrator.WithLogger(chainLog),
		}
		if kb != nil {
			opts = append(opts, orchestrator.WithKnowledge(kb))
		}
		engine, err := orchestrator.New(orchestrator.FromTeam(team), registry, a.checkpoints, opts...)
		if err != nil {
			return err
		}
		a.engines[name] = engine
	}
	return nil
}

// engine 返回指定链的编排引擎，name 为空时使用默认链。
func (a *app) engine(name string) (*orchestrator.Engine, error) {
	if name == "" {
		name = a.chains.DefaultChain()
	}
	engine, ok := a.engines[name]
	if !ok {
		return nil, fmt.Errorf("未配置的链: %s", name)
	}
	return engine, nil
}

// runService 打开运行状态存储与队列，返回提交服务与后台处理器。
func (a *app) runService(ctx context.Context) (*task.Service, *task.Processor, error) {
	var store task.Store
	switch a.cfg.Storage.RunStore {
	case "memory":
		store = task.NewMemoryStore()
	case "mysql":
		db, err := a.openMySQL(ctx)
		if err != nil {
			return nil, nil, err
		}
		mysqlStore, err := task.NewMySQLStore(db.DB())
		if err != nil {
			return nil, nil, err
		}
		store = mysqlStore
	default:
		return nil, nil, fmt.Errorf("未知的运行存储驱动: %s", a.cfg.Storage.RunStore)
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	queue, err := a.openQueue(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return queue.Close() })

	defaultEngine, err := a.engine("")
	if err != nil {
		return nil, nil, err
	}
	runners := make(map[string]task.Runner, len(a.engines))
	for name, engine := range a.engines {
		runners[name] = engine
	}

	service := task.NewService(store, queue, a.cfg.Storage.RunRetries, a.chains.DefaultChain())
	processor := task.NewProcessor(defaultEngine, store, queue, queue,
		task.WithWorkerCount(a.cfg.Queue.Workers),
		task.WithChainRunners(runners),
		task.WithMaxConcurrentRuns(a.cfg.Queue.Workers),
		task.WithRecoveryHandler(&task.CheckpointRecovery{Checkpoints: a.checkpoints, Reports: a.reports}),
		task.WithAlertDispatcher(a.alerts),
		task.WithProcessorLogger(logger.Named("processor")),
	)
	return service, processor, nil
}

func (a *app) openQueue(ctx context.Context) (task.Queue, error) {
	cfg := a.cfg.Queue
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.QueueSize), nil
	case "redis":
		client, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return task.NewRedisQueue(client, task.RedisQueueConfig{
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
			Consumer:  cfg.Redis.Consumer,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// close 按打开顺序的逆序释放资源。
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}
