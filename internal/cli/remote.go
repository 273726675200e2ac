package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <upload-id>",
		Short: "Consulta el estado de una subida en el servidor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, err := newProtocolClient(config.Conf)
			if err != nil {
				return err
			}
			status, err := proto.GetUploadStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Muestra el espacio de almacenamiento usado",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, err := newProtocolClient(config.Conf)
			if err != nil {
				return err
			}
			q, err := proto.GetUserQuota(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Usado: %s de %s (%.1f%%), disponible: %s\n",
				humanize.IBytes(uint64(q.Used)), humanize.IBytes(uint64(q.Total)), q.Percentage, humanize.IBytes(uint64(q.Remaining)))
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	var deleteFromStorage bool
	cmd := &cobra.Command{
		Use:   "cancel <upload-id>",
		Short: "Cancela una subida en el servidor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := newUploader(cmd.Context(), config.Conf)
			if err != nil {
				return err
			}
			defer shutdown(svc, st)
			if err := svc.CancelRemote(cmd.Context(), args[0], deleteFromStorage); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subida %s cancelada\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteFromStorage, "delete-from-storage", false, "elimina también el objeto del almacenamiento")
	return cmd
}
