package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/config"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/guestbook"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/supabase"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// guestClient holds what the submit and watch commands share.
type guestClient struct {
	config config.AppConfig
	logger *zap.Logger
	remote *supabase.Client
	api    *guestbook.APIClient
}

func newGuestClient() (*guestClient, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	api, err := guestbook.NewAPIClient(guestbook.APIClientConfig{
		BaseURL: appConfig.Client.APIURL,
		Timeout: appConfig.Client.SubmitTimeout,
	})
	if err != nil {
		return nil, err
	}

	client := &guestClient{config: appConfig, logger: logger, api: api}
	if appConfig.Remote.URL != "" && appConfig.Remote.ClientKey() != "" {
		remote, err := supabase.NewClient(supabase.Config{
			BaseURL: appConfig.Remote.URL,
			APIKey:  appConfig.Remote.ClientKey(),
			Table:   appConfig.Remote.Table,
			Bucket:  appConfig.Remote.Bucket,
			Timeout: appConfig.Remote.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		client.remote = remote
	}
	return client, nil
}

func (c *guestClient) messageRemote() *messages.Remote {
	if c.remote == nil {
		return nil
	}
	return &messages.Remote{Table: c.remote, Blobs: c.remote, Feed: c.remote}
}

func (c *guestClient) changeFeed() (messages.ChangeFeed, error) {
	if c.remote != nil {
		return c.remote, nil
	}
	return guestbook.NewStreamClient(guestbook.StreamClientConfig{BaseURL: c.api.BaseURL(), Logger: c.logger})
}

func (c *guestClient) fetchChain() guestbook.FetchChain {
	chain := guestbook.FetchChain{}
	if c.remote != nil {
		chain = append(chain, guestbook.TableSource(c.remote))
	}
	return append(chain, guestbook.APISource(c.api))
}

// photoResolver resolves storage keys through the hosted bucket and server paths against the api.
func (c *guestClient) photoResolver() guestbook.PhotoResolver {
	baseURL := c.api.BaseURL()
	return guestbook.PhotoResolverFunc(func(key string) (string, error) {
		if strings.HasPrefix(key, "/") {
			return baseURL + key, nil
		}
		if c.remote == nil {
			return "", fmt.Errorf("no blob store for photo key %q", key)
		}
		return c.remote.PublicURL(key)
	})
}

type printNotifier struct {
	out io.Writer
}

func (n printNotifier) Notify(message messages.Message) {
	encoder := json.NewEncoder(n.out)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(message)
}

func newSubmitCommand() *cobra.Command {
	var (
		name      string
		body      string
		photoPath string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Sign the guestbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGuestClient()
			if err != nil {
				return err
			}
			defer client.logger.Sync() //nolint:errcheck

			submission := guestbook.Submission{Name: name, Message: body}
			if photoPath != "" {
				data, err := os.ReadFile(photoPath)
				if err != nil {
					return fmt.Errorf("read photo: %w", err)
				}
				submission.Photo = &guestbook.PhotoFile{Name: filepath.Base(photoPath), Data: data}
			}

			controller, err := guestbook.NewSubmissionController(guestbook.Config{
				Remote:   client.messageRemote(),
				API:      client.api,
				Notifier: printNotifier{out: cmd.OutOrStdout()},
				Logger:   client.logger,
				Timeout:  client.config.Client.SubmitTimeout,
			})
			if err != nil {
				return err
			}
			if _, err := controller.Submit(cmd.Context(), submission); err != nil {
				return errors.New(guestbook.UserMessage(err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Your name")
	cmd.Flags().StringVar(&body, "message", "", "Your message for the couple")
	cmd.Flags().StringVar(&photoPath, "photo", "", "Optional photo to share")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the guestbook as messages arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGuestClient()
			if err != nil {
				return err
			}
			defer client.logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			changes, err := client.changeFeed()
			if err != nil {
				return err
			}
			feed, err := guestbook.NewFeed(guestbook.FeedConfig{
				Source:       client.fetchChain(),
				Changes:      changes,
				Photos:       client.photoResolver(),
				RefetchDelay: client.config.Client.RefetchDelay,
				Logger:       client.logger,
			})
			if err != nil {
				return err
			}
			defer feed.Close()

			if err := feed.Start(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var renderMu sync.Mutex
			render := func() {
				renderMu.Lock()
				defer renderMu.Unlock()
				renderEntries(out, feed.Snapshot())
			}
			unsubscribe := feed.Subscribe(func(guestbook.Update) { render() })
			defer unsubscribe()
			render()

			<-ctx.Done()
			return nil
		},
	}
}

func renderEntries(out io.Writer, entries []guestbook.Entry) {
	fmt.Fprintf(out, "\n%d message(s)\n", len(entries))
	for _, entry := range entries {
		when := "just now"
		if !entry.CreatedAt.IsZero() {
			when = humanize.Time(entry.CreatedAt)
		}
		fmt.Fprintf(out, "- %s (%s)\n  %s\n", entry.Name, when, entry.Excerpt(messages.ExcerptLimit))
		switch {
		case entry.PhotoUnavailable:
			fmt.Fprintln(out, "  [photo unavailable]")
		case entry.PhotoURL != "":
			fmt.Fprintf(out, "  photo: %s\n", entry.PhotoURL)
		}
	}
}
