// Command noticectl is a command-line client for the CivicNotice API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"CivicNotice/sdk/go/civicnotice"
)

const envServerURL = "CIVICNOTICE_URL"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	server  string
	timeout time.Duration
}

func (g *globalOptions) client() (*civicnotice.Client, error) {
	return civicnotice.NewClient(g.server, nil)
}

func (g *globalOptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, g.timeout)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "noticectl",
		Short:         "Generate Indian government public notices through CivicNotice",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	defaultServer := os.Getenv(envServerURL)
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "CivicNotice API base URL (env "+envServerURL+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall timeout for the command")

	root.AddCommand(newGenerateCmd(opts), newSubmitCmd(opts), newStatusCmd(opts))
	return root
}

// noticeFlags 绑定公告请求的全部字段。
type noticeFlags struct {
	file    string
	notes   string
	request civicnotice.NoticeRequest
}

func (f *noticeFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "read the notice request from a JSON file (flags override its fields)")
	flags.StringVar(&f.request.Title, "title", "", "notice title")
	flags.StringVar(&f.request.Body, "body", "", "main content of the notice")
	flags.StringVar(&f.request.Date, "date", "", "date of the notice (DD/MM/YYYY)")
	flags.StringVar(&f.request.Location, "location", "", "location the notice applies to")
	flags.StringVar(&f.request.Audience, "audience", "", "intended audience")
	flags.StringVar(&f.request.Category, "category", "", "notice category")
	flags.StringVar(&f.request.Department, "department", "", "issuing department")
	flags.StringVar(&f.request.ContactOfficer, "contact-officer", "", "name of the contact officer")
	flags.StringVar(&f.request.ContactNumber, "contact-number", "", "contact phone number")
	flags.StringVar(&f.request.Email, "email", "", "contact email")
	flags.StringVar(&f.notes, "notes", "", "additional notes")
	flags.StringVar(&f.request.Language, "language", "", "notice language (defaults to the server setting)")
}

// build 合并 JSON 文件与命令行参数，命令行中显式设置的字段优先。
func (f *noticeFlags) build(cmd *cobra.Command) (civicnotice.NoticeRequest, error) {
	var req civicnotice.NoticeRequest
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return req, fmt.Errorf("read request file: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse request file: %w", err)
		}
	}

	overrides := map[string]*string{
		"title":           &req.Title,
		"body":            &req.Body,
		"date":            &req.Date,
		"location":        &req.Location,
		"audience":        &req.Audience,
		"category":        &req.Category,
		"department":      &req.Department,
		"contact-officer": &req.ContactOfficer,
		"contact-number":  &req.ContactNumber,
		"email":           &req.Email,
		"language":        &req.Language,
	}
	values := map[string]string{
		"title":           f.request.Title,
		"body":            f.request.Body,
		"date":            f.request.Date,
		"location":        f.request.Location,
		"audience":        f.request.Audience,
		"category":        f.request.Category,
		"department":      f.request.Department,
		"contact-officer": f.request.ContactOfficer,
		"contact-number":  f.request.ContactNumber,
		"email":           f.request.Email,
		"language":        f.request.Language,
	}
	for name, target := range overrides {
		if cmd.Flags().Changed(name) {
			*target = values[name]
		}
	}
	if cmd.Flags().Changed("notes") {
		notes := f.notes
		req.AdditionalNotes = &notes
	}
	return req, nil
}

func newGenerateCmd(opts *globalOptions) *cobra.Command {
	flags := &noticeFlags{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft and review a notice synchronously and print the final text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.build(cmd)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			text, err := client.GenerateNotice(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var (
		flags    = &noticeFlags{}
		id       string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a notice job and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.build(cmd)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			receipt, err := client.SubmitNotice(ctx, civicnotice.NoticeSubmission{ID: id, NoticeRequest: req})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), receipt)
			}
			job, err := client.WaitForNotice(ctx, receipt.ID, interval)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), job)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "idempotency key used as the job id")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval used with --wait")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show an asynchronous notice job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			id := strings.TrimSpace(args[0])
			var job civicnotice.NoticeJob
			if wait {
				job, err = client.WaitForNotice(ctx, id, interval)
			} else {
				job, err = client.GetNotice(ctx, id)
			}
			if err != nil {
				if civicnotice.IsNotFound(err) {
					return fmt.Errorf("job %s not found", id)
				}
				return err
			}
			return printJob(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval used with --wait")
	return cmd
}

// printJob 对成功任务只输出公告正文，其余情况输出完整 JSON。
func printJob(out io.Writer, job civicnotice.NoticeJob) error {
	if job.Status == "succeeded" && job.Result != nil {
		_, err := fmt.Fprintln(out, job.Result.Notice)
		return err
	}
	if err := printJSON(out, job); err != nil {
		return err
	}
	if job.Finished && job.Status == "failed" {
		return errors.New("job failed: " + job.Error)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
