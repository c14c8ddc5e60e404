package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ignatzorin/escrow-flow/internal/http/dto"
	"github.com/ignatzorin/escrow-flow/internal/service"
)

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Access-токены"}
	tok.AddCommand(tokenIssueCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var (
		userID string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Выпустить access-токен, подписанный общим секретом",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("не задан секрет: --jwt-secret или ESCROWCTL_JWT_SECRET")
			}
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("некорректный --user: %w", err)
			}
			token, expires, err := service.NewTokenManager(secret, viper.GetDuration("ttl")).Issue(id, role)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"token": token, "expires_at": expires})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "ID пользователя")
	cmd.Flags().StringVar(&role, "role", "", "роль (admin)")
	cmd.Flags().String("jwt-secret", "", "секрет подписи")
	cmd.Flags().Duration("ttl", time.Hour, "срок жизни токена")
	_ = cmd.MarkFlagRequired("user")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("ttl", cmd.Flags().Lookup("ttl"))
	return cmd
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Задачи"}
	tasks.AddCommand(tasksListCmd(), tasksGetCmd(), tasksEventsCmd())
	return tasks
}

func taskRows(tasks []dto.TaskResponse) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, table.Row{t.ID, t.Title, t.Status, t.Budget, t.Allocated, t.Remaining})
	}
	return rows
}

var taskHeader = table.Row{"ID", "Title", "Status", "Budget", "Allocated", "Remaining"}

func tasksListCmd() *cobra.Command {
	var (
		status string
		mine   bool
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Список задач",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if mine {
				q.Set("mine", "true")
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var tasks []dto.TaskResponse
			page, err := client().get(cmd.Context(), "/api/tasks", q, &tasks)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), tasks, taskHeader, taskRows(tasks)); err != nil {
				return err
			}
			if page != nil && !viper.GetBool("json") {
				fmt.Fprintf(cmd.OutOrStdout(), "всего: %d\n", page.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "фильтр по статусу")
	cmd.Flags().BoolVar(&mine, "mine", false, "только свои задачи")
	cmd.Flags().IntVar(&limit, "limit", 20, "размер страницы")
	cmd.Flags().IntVar(&offset, "offset", 0, "смещение")
	return cmd
}

func tasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Задача и её подзадачи",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var task dto.TaskResponse
			if _, err := c.get(cmd.Context(), "/api/tasks/"+args[0], nil, &task); err != nil {
				return err
			}
			var subs []dto.SubunitResponse
			if _, err := c.get(cmd.Context(), "/api/tasks/"+args[0]+"/subunits", nil, &subs); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"task": task, "subunits": subs})
			}

			if err := render(cmd.OutOrStdout(), task, taskHeader, taskRows([]dto.TaskResponse{task})); err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(subs))
			for _, su := range subs {
				holder := ""
				if su.HolderID != nil {
					holder = su.HolderID.String()
				}
				rows = append(rows, table.Row{su.Sequence, su.ID, su.Title, su.Status, su.Budget, holder})
			}
			return render(cmd.OutOrStdout(), subs, table.Row{"#", "ID", "Title", "Status", "Budget", "Holder"}, rows)
		},
	}
}

func tasksEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Журнал событий задачи",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []dto.EventResponse
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if _, err := client().get(cmd.Context(), "/api/tasks/"+args[0]+"/events", q, &events); err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(events))
			for _, ev := range events {
				subunit := ""
				if ev.SubunitID != nil {
					subunit = ev.SubunitID.String()
				}
				rows = append(rows, table.Row{ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type, subunit, ev.ID})
			}
			return render(cmd.OutOrStdout(), events, table.Row{"At", "Type", "Subunit", "Event"}, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "сколько последних событий показать")
	return cmd
}

func subunitsCmd() *cobra.Command {
	s := &cobra.Command{Use: "subunits", Short: "Подзадачи"}
	s.AddCommand(subunitsListCmd())
	return s
}

func subunitsListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Подзадачи всех задач, по умолчанию свободные",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var subs []dto.SubunitResponse
			page, err := client().get(cmd.Context(), "/api/subunits", q, &subs)
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(subs))
			for _, su := range subs {
				rows = append(rows, table.Row{su.ID, su.TaskID, su.Title, su.Status, su.Budget})
			}
			if err := render(cmd.OutOrStdout(), subs, table.Row{"ID", "Task", "Title", "Status", "Budget"}, rows); err != nil {
				return err
			}
			if page != nil && !viper.GetBool("json") {
				fmt.Fprintf(cmd.OutOrStdout(), "всего: %d\n", page.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "open", "фильтр по статусу, пустая строка - все")
	cmd.Flags().IntVar(&limit, "limit", 20, "размер страницы")
	cmd.Flags().IntVar(&offset, "offset", 0, "смещение")
	return cmd
}

func disputesCmd() *cobra.Command {
	d := &cobra.Command{Use: "disputes", Short: "Споры (только администратор)"}
	d.AddCommand(disputesListCmd(), disputesResolveCmd())
	return d
}

func disputesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Список споров",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			var disputes []dto.DisputeResponse
			if _, err := client().get(cmd.Context(), "/api/admin/disputes", q, &disputes); err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(disputes))
			for _, d := range disputes {
				rows = append(rows, table.Row{d.ID, d.SubunitID, d.Status, d.RaisedBy, d.Reason})
			}
			return render(cmd.OutOrStdout(), disputes, table.Row{"ID", "Subunit", "Status", "Raised by", "Reason"}, rows)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open или resolved")
	return cmd
}

func disputesResolveCmd() *cobra.Command {
	var req dto.ResolveDisputeRequest
	cmd := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Разрешить спор и выплатить сумму победителю",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d dto.DisputeResponse
			if err := client().post(cmd.Context(), "/api/admin/disputes/"+args[0]+"/resolve", req, &d); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "спор %s: %s\n", d.ID, d.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.WinnerID, "winner", "", "ID получателя выплаты")
	cmd.Flags().StringVar(&req.Amount, "amount", "", "сумма в минимальных единицах")
	cmd.Flags().StringVar(&req.Resolution, "resolution", "", "комментарий к решению")
	_ = cmd.MarkFlagRequired("winner")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func leasesCmd() *cobra.Command {
	l := &cobra.Command{Use: "leases", Short: "Аренды подзадач"}
	l.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Снять истёкшие аренды сейчас",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Expired int `json:"expired"`
			}
			if err := client().post(cmd.Context(), "/api/admin/leases/sweep", nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "снято аренд: %d\n", out.Expired)
			return nil
		},
	})
	return l
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Реестр эскроу"}
	var limit int
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить неподтверждённые операции и статусы задач",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Operations int `json:"operations"`
				Tasks      int `json:"tasks"`
			}
			path := "/api/admin/ledger/reconcile?limit=" + strconv.Itoa(limit)
			if err := client().post(cmd.Context(), path, nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "операций подтверждено: %d, задач обновлено: %d\n", out.Operations, out.Tasks)
			return nil
		},
	}
	reconcile.Flags().IntVar(&limit, "limit", 100, "сколько операций проверить")
	l.AddCommand(reconcile)
	return l
}
