package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/events"
	"djidji-uploader/internal/handler"
	"djidji-uploader/pkg/kafka"
	"djidji-uploader/pkg/log"
)

func newAgentCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Ejecuta el agente de subidas con su API de control local",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Conf
			if port != "" {
				cfg.Agent.Port = port
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "puerto de escucha (sobrescribe agent.port)")
	return cmd
}

// runAgent 启动 agent，直到 ctx 被取消后优雅停机。
func runAgent(ctx context.Context, cfg config.Config) error {
	svc, st, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}
	if !st.persistent {
		log.Warnf("[Agent] 未配置 MySQL，上传历史只保存在内存中")
	}

	// 生命周期事件转发到 Kafka
	fwdCtx, stopForward := context.WithCancel(context.Background())
	forwardDone := make(chan struct{})
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		go func() {
			defer close(forwardDone)
			events.Forward(fwdCtx, svc, producer)
		}()
	} else {
		close(forwardDone)
	}

	gin.SetMode(cfg.Agent.Mode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Agent.Port),
		Handler: handler.NewRouter(cfg.Agent, svc),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("[Agent] 服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
		log.Info("[Agent] 接收到停机信号，正在关闭服务...")
	case listenErr = <-serveErr:
		if listenErr != nil {
			log.Errorf("[Agent] HTTP 服务监听失败: %v", listenErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[Agent] HTTP 服务器关闭失败: %v", err)
	}

	// 编排器关闭会关闭事件总线，转发协程随之退出
	shutdown(svc, st)
	stopForward()
	<-forwardDone
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warnf("[Kafka] 关闭生产者失败: %v", err)
		}
	}
	log.Info("[Agent] 服务已优雅关闭")
	return listenErr
}
