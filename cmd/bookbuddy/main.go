// Command bookbuddy is the terminal front end of the booking assistant. It
// talks to the intent service over NATS.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/transport"
)

var version = "dev"

type options struct {
	natsURL string
	prefix  string
	timeout time.Duration
	session sessionFile
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{session: defaultSessionFile()}

	root := &cobra.Command{
		Use:          "bookbuddy",
		Short:        "BookBuddy - book meeting rooms from the terminal",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.natsURL, "nats-url", envOr("NATS_URL", nats.DefaultURL), "NATS server URL")
	root.PersistentFlags().StringVar(&opts.prefix, "prefix", envOr("NATS_SUBJECT_PREFIX", "bookbuddy"), "subject prefix of the intent service")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newStateCmd(opts),
		newSettingsCmd(opts),
		newRunCmd(opts),
		newRetryCmd(opts),
		newReplCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

func newLoginCmd(opts *options) *cobra.Command {
	var password, timezone string
	var demo bool

	cmd := &cobra.Command{
		Use:   "login [username]",
		Short: "Log in, or resume the saved session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(opts.natsURL, opts.prefix, opts.timeout)
			if err != nil {
				return err
			}
			defer c.Close()

			req := models.LoginRequest{Password: password, Timezone: timezone, Demo: demo}
			if len(args) == 1 {
				req.Username = args[0]
			} else if req.SessionID, err = opts.session.Load(); err != nil {
				return err
			}
			if req.Timezone == "" {
				req.Timezone = localTimezone()
			}

			resp, err := request[models.SessionResponse](c, transport.OpLogin, req)
			if err != nil {
				return err
			}
			if err := responseError(resp.ErrorCode, resp.ErrorMessage); err != nil {
				return err
			}
			if err := opts.session.Save(resp.SessionID); err != nil {
				return err
			}
			renderSession(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("BOOKBUDDY_PASSWORD"), "password")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone for relative dates (default: local)")
	cmd.Flags().BoolVar(&demo, "demo", false, "use the built-in demo rooms instead of the booking API")
	return cmd
}

func newLogoutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the saved session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, func(c *client, id string) error {
				resp, err := request[models.SessionResponse](c, transport.OpLogout, models.SessionRequest{SessionID: id})
				if err != nil {
					return err
				}
				if err := responseError(resp.ErrorCode, resp.ErrorMessage); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "👋 Logged out")
				return opts.session.Clear()
			})
		},
	}
}

func newStateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show session, processor and resolver state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, func(c *client, id string) error {
				resp, err := request[models.SessionResponse](c, transport.OpState, models.SessionRequest{SessionID: id})
				if err != nil {
					return err
				}
				if err := responseError(resp.ErrorCode, resp.ErrorMessage); err != nil {
					return err
				}
				renderSession(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
}

func newSettingsCmd(opts *options) *cobra.Command {
	var nlpFlag, llmFlag string

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Switch the simple NLP and AI resolvers on or off",
		Example: `  bookbuddy settings --llm off
  bookbuddy settings --nlp on --llm on`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, func(c *client, id string) error {
				current, err := request[models.SessionResponse](c, transport.OpState, models.SessionRequest{SessionID: id})
				if err != nil {
					return err
				}
				if err := responseError(current.ErrorCode, current.ErrorMessage); err != nil {
					return err
				}

				settings, err := applyToggles(current.Settings, nlpFlag, llmFlag)
				if err != nil {
					return err
				}
				resp, err := request[models.SessionResponse](c, transport.OpSettings, models.SettingsRequest{SessionID: id, Settings: settings})
				if err != nil {
					return err
				}
				if err := responseError(resp.ErrorCode, resp.ErrorMessage); err != nil {
					return err
				}
				renderSession(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&nlpFlag, "nlp", "", "simple NLP resolver: on|off")
	cmd.Flags().StringVar(&llmFlag, "llm", "", "AI resolver: on|off")
	return cmd
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <command...>",
		Short: "Submit one command, e.g. bookbuddy run book skagen tomorrow at 9",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, func(c *client, id string) error {
				return submit(c, cmd.OutOrStdout(), id, strings.Join(args, " "))
			})
		},
	}
}

func newRetryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry the last failed command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, func(c *client, id string) error {
				return retry(c, cmd.OutOrStdout(), id)
			})
		},
	}
}

func newReplCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive prompt; type 'exit' to leave",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, func(c *client, id string) error {
				return repl(cmd.InOrStdin(), cmd.OutOrStdout(), func(line string) error {
					if strings.EqualFold(line, "retry") {
						return retry(c, cmd.OutOrStdout(), id)
					}
					return submit(c, cmd.OutOrStdout(), id, line)
				})
			})
		},
	}
}

func newEventsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream state transitions of the saved session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, func(c *client, id string) error {
				out := cmd.OutOrStdout()
				sub, err := c.conn.Subscribe(transport.Subject(opts.prefix, "events", id), func(msg *nats.Msg) {
					var ev models.Event
					if err := json.Unmarshal(msg.Data, &ev); err != nil {
						return
					}
					fmt.Fprintf(out, "%s  %-9s %s -> %s (%s)\n", ev.At.Local().Format("15:04:05"), ev.Machine, ev.From, ev.To, ev.Event)
				})
				if err != nil {
					return fmt.Errorf("failed to subscribe: %w", err)
				}
				defer sub.Unsubscribe()

				<-cmd.Context().Done()
				return nil
			})
		},
	}
}

func withSession(opts *options, fn func(c *client, id string) error) error {
	id, err := opts.session.Load()
	if err != nil {
		return err
	}
	if id == "" {
		return errors.New("not logged in, run 'bookbuddy login' first")
	}
	c, err := dial(opts.natsURL, opts.prefix, opts.timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c, id)
}

func submit(c *client, w io.Writer, id, line string) error {
	resp, err := request[models.CommandResponse](c, transport.OpSubmit, models.CommandRequest{SessionID: id, Command: line})
	if err != nil {
		return err
	}
	renderCommand(w, resp)
	return nil
}

func retry(c *client, w io.Writer, id string) error {
	resp, err := request[models.CommandResponse](c, transport.OpRetry, models.SessionRequest{SessionID: id})
	if err != nil {
		return err
	}
	renderCommand(w, resp)
	return nil
}

// repl feeds each non-empty input line to handle until EOF or exit.
// Transport errors are printed and the loop goes on.
func repl(in io.Reader, out io.Writer, handle func(line string) error) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return nil
		default:
			if err := handle(line); err != nil {
				fmt.Fprintf(out, "❌ %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func applyToggles(s models.Settings, nlpFlag, llmFlag string) (models.Settings, error) {
	var err error
	if s.UseSimpleNLP, err = toggle(s.UseSimpleNLP, nlpFlag); err != nil {
		return s, fmt.Errorf("--nlp: %w", err)
	}
	if s.UseLLM, err = toggle(s.UseLLM, llmFlag); err != nil {
		return s, fmt.Errorf("--llm: %w", err)
	}
	return s, nil
}

func toggle(current bool, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "":
		return current, nil
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	default:
		return current, fmt.Errorf("expected on or off, got %q", v)
	}
}

func responseError(code, msg *string) error {
	if code == nil {
		return nil
	}
	if msg == nil {
		return errors.New(*code)
	}
	return fmt.Errorf("%s: %s", *code, *msg)
}

func renderSession(w io.Writer, resp *models.SessionResponse) {
	user := "-"
	if resp.User != nil {
		user = resp.User.Username
	}
	fmt.Fprintf(w, "session:   %s\n", resp.SessionID)
	fmt.Fprintf(w, "user:      %s\n", user)
	fmt.Fprintf(w, "state:     %s\n", resp.SessionState)
	if resp.ProcessorState != "" {
		fmt.Fprintf(w, "processor: %s\n", resp.ProcessorState)
	}
	fmt.Fprintf(w, "nlp:       %s\n", onOff(resp.Settings.UseSimpleNLP))
	fmt.Fprintf(w, "ai:        %s\n", onOff(resp.Settings.UseLLM))
	if resp.Health != nil {
		fmt.Fprintf(w, "resolver:  %s\n", resp.Health.Status)
	}
}

func renderCommand(w io.Writer, resp *models.CommandResponse) {
	switch resp.Status {
	case models.StatusError:
		fmt.Fprintf(w, "❌ %s\n", resp.UserMessage)
		if resp.ErrorCode != nil {
			fmt.Fprintf(w, "   [%s, attempt %d]\n", *resp.ErrorCode, resp.Attempts)
		}
	case models.StatusNeedsInfo:
		fmt.Fprintf(w, "❓ %s\n", resp.UserMessage)
	default:
		fmt.Fprintln(w, resp.UserMessage)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func localTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "Local" {
		return name
	}
	return ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
