package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/repository"
	"djidji-uploader/pkg/database"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Lista las últimas subidas registradas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Conf
			if cfg.Database.MySQL.DSN == "" {
				return errors.New("el historial requiere database.mysql.dsn en la configuración")
			}
			db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			records, err := repository.NewUploadRepository(db, cfg.Agent.Name).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FECHA\tARCHIVO\tTAMAÑO\tESTADO\tUPLOAD ID\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.String(), r.FileName, humanize.IBytes(uint64(r.FileSize)), r.Status, r.ServerID, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "número máximo de registros")
	return cmd
}
