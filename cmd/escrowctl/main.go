package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "escrowctl",
	Short: "Операторская утилита escrow-flow",
	Long: `escrowctl обращается к HTTP API сервера escrow-flow.
Параметры берутся из флагов или переменных окружения ESCROWCTL_SERVER, ESCROWCTL_TOKEN, ESCROWCTL_JWT_SECRET.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ошибка:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "адрес сервера")
	rootCmd.PersistentFlags().String("token", "", "access-токен")
	rootCmd.PersistentFlags().Bool("json", false, "вывод в JSON")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(subunitsCmd())
	rootCmd.AddCommand(disputesCmd())
	rootCmd.AddCommand(leasesCmd())
	rootCmd.AddCommand(ledgerCmd())
}

func client() *apiClient {
	return newAPIClient(viper.GetString("server"), viper.GetString("token"))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render печатает JSON при --json, иначе таблицу.
func render(w io.Writer, v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}
