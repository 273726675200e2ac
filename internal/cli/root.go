// Package cli 实现 djidji 命令行工具。
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
	"djidji-uploader/pkg/log"
)

type rootOptions struct {
	configPath string
	apiURL     string
	token      string
}

// NewRootCmd 创建根命令。每个子命令运行前加载配置并初始化日志。
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "djidji",
		Short:         "Sube archivos de audio a djidjimusic directamente al almacenamiento",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.apiURL != "" {
				cfg.API.BaseURL = opts.apiURL
			}
			if opts.token != "" {
				cfg.Auth.Token = opts.token
			}
			config.Conf = cfg
			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", config.DefaultPath, "ruta del archivo de configuración")
	flags.StringVar(&opts.apiURL, "api", "", "URL base de la API (sobrescribe api.base_url)")
	flags.StringVar(&opts.token, "token", "", "token de acceso (sobrescribe auth.token)")

	cmd.AddCommand(
		newUploadCmd(),
		newStatusCmd(),
		newQuotaCmd(),
		newCancelCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newHistoryCmd(),
		newEventsCmd(),
		newAgentCmd(),
	)
	return cmd
}

// Execute 运行 CLI 并返回进程退出码。SIGINT/SIGTERM 会取消命令的 context。
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
