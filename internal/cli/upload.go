package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/events"
	"djidji-uploader/internal/model"
	"djidji-uploader/internal/service"
	"djidji-uploader/internal/source"
)

// 进度每跨过一个步长才打印一次。
const progressStep = 25

func newUploadCmd() *cobra.Command {
	var (
		profile     string
		concurrency int
		meta        map[string]string
	)
	cmd := &cobra.Command{
		Use:   "upload <archivos...>",
		Short: "Sube uno o varios archivos",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Conf
			if cmd.Flags().Changed("concurrency") {
				cfg.Upload.Concurrency = concurrency
			}

			out := cmd.OutOrStdout()
			var srcs []source.Source
			var unreadable []service.FileError
			for _, p := range args {
				src, err := source.FromPath(p)
				if err != nil {
					unreadable = append(unreadable, service.FileError{File: p, Message: err.Error()})
					continue
				}
				if len(meta) > 0 {
					src = source.WithMetadata(src, meta)
				}
				srcs = append(srcs, src)
			}

			svc, st, err := newUploader(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer shutdown(svc, st)

			ch, unsubscribe := svc.Subscribe(64)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				printProgress(out, ch)
			}()

			res := svc.UploadFiles(cmd.Context(), srcs, service.WithProfile(profile))
			unsubscribe()
			wg.Wait()

			res.Failed += len(unreadable)
			res.Errors = append(unreadable, res.Errors...)
			for _, fe := range res.Errors {
				fmt.Fprintf(out, "✗ %s: %s\n", fe.File, fe.Message)
			}
			fmt.Fprintf(out, "Subidas completadas: %d, fallidas: %d\n", res.Successful, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d de %d archivos no se pudieron subir", res.Failed, res.Successful+res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "perfil de validación (audio, song, cover)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "subidas simultáneas, 0 = sin límite")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadatos clave=valor enviados con la solicitud")
	return cmd
}

// printProgress 打印会话事件，直到 channel 关闭。
func printProgress(out io.Writer, ch <-chan events.Event) {
	last := make(map[string]int)
	for ev := range ch {
		s := ev.Session
		if s == nil {
			continue
		}
		switch ev.Type {
		case events.TypeUploading:
			fmt.Fprintf(out, "→ %s (%s)\n", s.File.Name, humanize.IBytes(uint64(s.File.Size)))
		case events.TypeProgress:
			step := int(s.Progress) / progressStep * progressStep
			if step > last[s.ID] && s.Status == model.StatusUploading {
				last[s.ID] = step
				fmt.Fprintf(out, "  %s %3d%% (%s / %s)\n", s.File.Name, step,
					humanize.IBytes(uint64(s.BytesTransferred)), humanize.IBytes(uint64(s.File.Size)))
			}
		case events.TypeCompleted:
			fmt.Fprintf(out, "✓ %s [%s]\n", s.File.Name, s.ServerID)
		case events.TypeCancelled:
			fmt.Fprintf(out, "- %s cancelada\n", s.File.Name)
		}
	}
}
