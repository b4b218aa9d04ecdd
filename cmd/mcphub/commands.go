package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mcphub/pkg/client"
)

// command runs CLI operations against the daemon API.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c *command) client() *client.Client {
	cfg := client.Config{BaseURL: c.flags.APIUrl, Timeout: c.flags.APITimeout, Insecure: c.flags.Insecure}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

func (c *command) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.flags.APITimeout)
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *command) printServers(list []client.Server) error {
	if c.flags.JSON {
		return c.printJSON(list)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCOMMAND\tLAST ERROR")
	for _, s := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, truncate(s.Command, 40), s.LastError)
	}
	return tw.Flush()
}

func (c *command) printServer(s client.Server) error {
	if c.flags.JSON {
		return c.printJSON(s)
	}
	_, err := fmt.Fprintf(c.out, "%s (%s): %s\n", s.ID, s.Name, s.Status)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func (c *command) Create(f CreateFlags) error {
	envMap := make(map[string]string, len(f.Env))
	for _, kv := range f.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		envMap[k] = v
	}
	ctx, cancel := c.ctx()
	defer cancel()
	cl := c.client()
	srv, err := cl.CreateServer(ctx, client.CreateRequest{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Type:        f.Type,
		Command:     f.Command,
		Environment: envMap,
		WorkDir:     f.WorkDir,
		Port:        f.Port,
		AutoStart:   f.AutoStart,
	})
	if err != nil {
		return err
	}
	if f.Start {
		if srv, err = cl.StartServer(ctx, srv.ID); err != nil {
			return err
		}
	}
	return c.printServer(srv)
}

func (c *command) List() error {
	ctx, cancel := c.ctx()
	defer cancel()
	list, err := c.client().ListServers(ctx)
	if err != nil {
		return err
	}
	return c.printServers(list)
}

func (c *command) Get(id string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	srv, err := c.client().GetServer(ctx, id)
	if err != nil {
		return err
	}
	return c.printJSON(srv)
}

// Lifecycle runs start, stop or restart on every id in order.
func (c *command) Lifecycle(op string, ids []string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	cl := c.client()
	fn := map[string]func(context.Context, string) (client.Server, error){
		"start":   cl.StartServer,
		"stop":    cl.StopServer,
		"restart": cl.RestartServer,
	}[op]
	if fn == nil {
		return fmt.Errorf("unknown operation %q", op)
	}
	for _, id := range ids {
		srv, err := fn(ctx, id)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		if err := c.printServer(srv); err != nil {
			return err
		}
	}
	return nil
}

func (c *command) Delete(ids []string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	cl := c.client()
	for _, id := range ids {
		if err := cl.DeleteServer(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		_, _ = fmt.Fprintf(c.out, "%s deleted\n", id)
	}
	return nil
}

func (c *command) Status(id string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	st, err := c.client().Status(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(st)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID:\t%s\n", st.ID)
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", st.State)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(tw, "PID:\t%d\n", st.PID)
		_, _ = fmt.Fprintf(tw, "Uptime:\t%s\n", time.Duration(st.UptimeSeconds)*time.Second)
	}
	_, _ = fmt.Fprintf(tw, "Probing:\t%t\n", st.Probing)
	_, _ = fmt.Fprintf(tw, "Subscribers:\t%d\n", st.Subscribers)
	if st.LastExit != nil {
		_, _ = fmt.Fprintf(tw, "Last exit:\tcode=%d reason=%s at=%s\n", st.LastExit.Code, st.LastExit.Reason, st.LastExit.At.Format(time.RFC3339))
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(tw, "Last error:\t%s\n", st.LastError)
	}
	return tw.Flush()
}

func (c *command) Logs(id string, f LogsFlags) error {
	ctx, cancel := c.ctx()
	defer cancel()
	cl := c.client()
	if f.Clear {
		if err := cl.ClearLogs(ctx, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "logs of %s cleared\n", id)
		return nil
	}
	q := client.LogQuery{Level: f.Level, Limit: f.Limit, Offset: f.Offset}
	for _, p := range []struct {
		flag string
		val  string
		dst  *time.Time
	}{{"since", f.Since, &q.Since}, {"until", f.Until, &q.Until}} {
		if p.val == "" {
			continue
		}
		t, err := parseTimeFlag(p.val)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", p.flag, err)
		}
		*p.dst = t
	}
	if f.Text {
		text, err := cl.ExportLogs(ctx, id, q)
		if err != nil {
			return err
		}
		_, err = io.WriteString(c.out, text)
		return err
	}
	entries, err := cl.Logs(ctx, id, q)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(entries)
	}
	// oldest first on a terminal
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		_, _ = fmt.Fprintf(c.out, "%s %-5s %s\n", e.Timestamp.Local().Format(time.RFC3339), strings.ToUpper(e.Level), e.Message)
	}
	return nil
}

// parseTimeFlag accepts RFC3339 or a duration meaning "that long ago".
func parseTimeFlag(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}

func (c *command) Health(id string, f HealthFlags) error {
	ctx, cancel := c.ctx()
	defer cancel()
	cl := c.client()
	if f.History > 0 {
		recs, err := cl.HealthHistory(ctx, id, f.History)
		if err != nil {
			return err
		}
		return c.printJSON(recs)
	}
	var (
		rec client.HealthRecord
		err error
	)
	if f.Check {
		rec, err = cl.CheckHealth(ctx, id)
	} else {
		rec, err = cl.Health(ctx, id)
	}
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(rec)
	}
	_, err = fmt.Fprintf(c.out, "%s: %s (%dms) at %s %s\n", id, rec.Status, rec.ResponseTimeMS, rec.Timestamp.Local().Format(time.RFC3339), rec.Error)
	return err
}

// --- cobra wiring ---

func createCreateCommand(c *command) *cobra.Command {
	f := &CreateFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new server",
		Long: `Register a new MCP server with the daemon.

Examples:
  mcphub create --id=files --command="npx @modelcontextprotocol/server-filesystem /data"
  mcphub create --id=web --command="./server --port 9000" --port=9000 --env=TOKEN=abc --start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Create(*f) },
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "server id (generated when empty)")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.Description, "description", "", "description")
	cmd.Flags().StringVar(&f.Type, "type", "", "free-form server type")
	cmd.Flags().StringVar(&f.Command, "command", "", "command line to run (required)")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "absolute working directory")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "environment entry KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "TCP port probed by health checks")
	cmd.Flags().BoolVar(&f.AutoStart, "auto-start", false, "start when the daemon starts")
	cmd.Flags().BoolVar(&f.Start, "start", false, "start immediately after creating")
	if err := cmd.MarkFlagRequired("command"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List servers",
		Args:    cobra.NoArgs,
		RunE:    func(cmd *cobra.Command, args []string) error { return c.List() },
	}
}

func createGetCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a server definition",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Get(args[0]) },
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>...",
		Short: "Start servers",
		Args:  cobra.MinimumNArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Lifecycle("start", args) },
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>...",
		Short: "Stop servers and wait for their processes to exit",
		Args:  cobra.MinimumNArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Lifecycle("stop", args) },
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>...",
		Short: "Restart servers",
		Args:  cobra.MinimumNArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Lifecycle("restart", args) },
	}
}

func createDeleteCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Stop and delete servers with their logs and health history",
		Args:    cobra.MinimumNArgs(1),
		RunE:    func(cmd *cobra.Command, args []string) error { return c.Delete(args) },
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show live status of a server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Status(args[0]) },
	}
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show captured output of a server",
		Long: `Show captured output of a server, newest entries last.

Examples:
  mcphub logs files --level=error
  mcphub logs files --since=15m --limit=200
  mcphub logs files --text > files.log
  mcphub logs files --clear`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return c.Logs(args[0], *f) },
	}
	cmd.Flags().StringVar(&f.Level, "level", "", "only entries of this level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.Since, "since", "", "RFC3339 time or duration ago")
	cmd.Flags().StringVar(&f.Until, "until", "", "RFC3339 time or duration ago")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum entries")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "entries to skip")
	cmd.Flags().BoolVar(&f.Text, "text", false, "export as plain text")
	cmd.Flags().BoolVar(&f.Clear, "clear", false, "delete all logs of the server")
	return cmd
}

func createHealthCommand(c *command) *cobra.Command {
	f := &HealthFlags{}
	cmd := &cobra.Command{
		Use:   "health <id>",
		Short: "Show the latest health record of a server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Health(args[0], *f) },
	}
	cmd.Flags().BoolVar(&f.Check, "check", false, "probe now instead of reading the last record")
	cmd.Flags().IntVar(&f.History, "history", 0, "show the last N records")
	return cmd
}
