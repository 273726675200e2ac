package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
	"djidji-uploader/pkg/credential"
)

func newLoginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Guarda el token de acceso para los siguientes comandos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token es obligatorio")
			}
			if err := credential.CheckExpiry(token, time.Now()); err != nil {
				return err
			}
			path, err := tokenPath(config.Conf)
			if err != nil {
				return err
			}
			if err := credential.NewFileProvider(path).Save(token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token guardado en %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token de acceso")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Elimina el token guardado",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tokenPath(config.Conf)
			if err != nil {
				return err
			}
			if err := credential.NewFileProvider(path).Invalidate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sesión cerrada")
			return nil
		},
	}
}
