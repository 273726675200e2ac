package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/events"
	"djidji-uploader/pkg/kafka"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Eventos de subida publicados en Kafka",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Muestra los eventos a medida que llegan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Conf
			if cfg.Kafka.Brokers == "" {
				return errors.New("events tail requiere kafka.brokers en la configuración")
			}
			out := cmd.OutOrStdout()
			return kafka.Tail(cmd.Context(), cfg.Kafka, func(ev events.Event) error {
				line, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(line))
				return err
			})
		},
	})
	return cmd
}
